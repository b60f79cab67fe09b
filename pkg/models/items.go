package models

// MainPort is the conventional name of a node's primary input and output.
const MainPort = "main"

// Item is one structured record flowing along an edge.
type Item map[string]any

// Items is an ordered list of records.
type Items []Item

// PortData maps port names to the items they carry.
type PortData map[string]Items

// Clone copies the port map and the item slices, sharing the item records.
func (p PortData) Clone() PortData {
	if p == nil {
		return nil
	}

	clone := make(PortData, len(p))
	for port, items := range p {
		clone[port] = append(Items(nil), items...)
	}

	return clone
}

// All concatenates the items of the given ports in argument order.
func (p PortData) All(ports ...string) Items {
	var all Items

	for _, port := range ports {
		all = append(all, p[port]...)
	}

	return all
}

// Count returns the total number of items.
func (p PortData) Count() int {
	total := 0
	for _, items := range p {
		total += len(items)
	}

	return total
}

// First returns the first item of the given port, or nil.
func (p PortData) First(port string) Item {
	items := p[port]
	if len(items) == 0 {
		return nil
	}

	return items[0]
}
