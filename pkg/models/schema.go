package models

import "sort"

// JSONSchema represents a JSON Schema for configuration validation
type JSONSchema struct {
	Type        string               `json:"type"`
	Properties  map[string]*Property `json:"properties,omitempty"`
	Required    []string             `json:"required,omitempty"`
	Title       string               `json:"title,omitempty"`
	Description string               `json:"description,omitempty"`
}

// Property represents a JSON Schema property
type Property struct {
	Type        string               `json:"type,omitempty"`
	Description string               `json:"description,omitempty"`
	Enum        []any                `json:"enum,omitempty"`
	Default     any                  `json:"default,omitempty"`
	Format      string               `json:"format,omitempty"`
	MinLength   *int                 `json:"minLength,omitempty"`
	MaxLength   *int                 `json:"maxLength,omitempty"`
	Minimum     *float64             `json:"minimum,omitempty"`
	Maximum     *float64             `json:"maximum,omitempty"`
	Pattern     string               `json:"pattern,omitempty"`
	Items       *Property            `json:"items,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty"`
	Required    []string             `json:"required,omitempty"`
}

// InputPortSpec declares a named input port of a node type.
type InputPortSpec struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

// NodeTypeDescription is the declarative half of a node type.
type NodeTypeDescription struct {
	Type        string          `json:"type"`
	DisplayName string          `json:"displayName"`
	Description string          `json:"description"`
	Inputs      []InputPortSpec `json:"inputs"`
	Outputs     []string        `json:"outputs"`
	Properties  *JSONSchema     `json:"properties,omitempty"`
	// CredentialSlots lists the credential slot names the type can consume.
	CredentialSlots []string `json:"credentialSlots,omitempty"`
	// Trigger marks types that may act as the start node of a trigger.
	Trigger bool `json:"trigger,omitempty"`
}

// PropertySpec is the flat view of one configurable property.
type PropertySpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

func (d NodeTypeDescription) HasInput(port string) bool {
	for _, input := range d.Inputs {
		if input.Name == port {
			return true
		}
	}

	return false
}

func (d NodeTypeDescription) HasOutput(port string) bool {
	for _, output := range d.Outputs {
		if output == port {
			return true
		}
	}

	return false
}

// InputNames returns the input port names in declaration order.
func (d NodeTypeDescription) InputNames() []string {
	names := make([]string, 0, len(d.Inputs))
	for _, input := range d.Inputs {
		names = append(names, input.Name)
	}

	return names
}

// PropertyList flattens the property schema, sorted by name.
func (d NodeTypeDescription) PropertyList() []PropertySpec {
	if d.Properties == nil {
		return nil
	}

	required := make(map[string]bool, len(d.Properties.Required))
	for _, name := range d.Properties.Required {
		required[name] = true
	}

	specs := make([]PropertySpec, 0, len(d.Properties.Properties))
	for name, prop := range d.Properties.Properties {
		specs = append(specs, PropertySpec{
			Name:     name,
			Type:     prop.Type,
			Required: required[name],
			Default:  prop.Default,
		})
	}

	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })

	return specs
}
