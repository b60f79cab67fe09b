package engine

import (
	"sort"
	"strings"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

// plan is the immutable shape of one execution, built and validated before it starts.
// Node type definitions are captured here so registry changes do not affect a running
// execution.
type plan struct {
	workflow *models.Workflow
	start    string
	// order is a topological order of the nodes reachable from start.
	order []string
	nodes map[string]*planNode
}

type planNode struct {
	node     *models.Node
	nodeType protocol.NodeType
	desc     models.NodeTypeDescription
	// incoming holds edges from reachable sources in declaration order.
	incoming []*models.Connection
	outgoing []*models.Connection
}

func (e *Engine) buildPlan(workflow *models.Workflow, startNodeID string) (*plan, error) {
	if workflow == nil || len(workflow.Nodes) == 0 {
		return nil, invalid(ErrStartNodeNotFound, "", "workflow has no nodes")
	}

	p := &plan{workflow: workflow, nodes: make(map[string]*planNode, len(workflow.Nodes))}

	for _, node := range workflow.Nodes {
		if node == nil || node.ID == "" {
			return nil, invalid(ErrDuplicateNodeID, "", "node without id")
		}

		if _, exists := p.nodes[node.ID]; exists {
			return nil, invalid(ErrDuplicateNodeID, node.ID, "")
		}

		nodeType, ok := e.types.Get(node.Type)
		if !ok {
			return nil, invalid(ErrUnknownNodeType, node.ID, "type %q is not registered", node.Type)
		}

		p.nodes[node.ID] = &planNode{node: node, nodeType: nodeType, desc: nodeType.Describe()}
	}

	if err := p.linkConnections(); err != nil {
		return nil, err
	}

	start, err := p.resolveStart(startNodeID)
	if err != nil {
		return nil, err
	}

	p.start = start

	if err := p.checkRequiredInputs(); err != nil {
		return nil, err
	}

	reachable := p.reachable()

	if err := p.sortReachable(reachable); err != nil {
		return nil, err
	}

	for _, id := range p.order {
		if err := checkRequiredProperties(p.nodes[id]); err != nil {
			return nil, err
		}
	}

	// Edges from unreachable sources never deliver, so they are not waited on.
	for _, id := range p.order {
		pn := p.nodes[id]

		incoming := pn.incoming[:0:0]
		for _, conn := range pn.incoming {
			if reachable[conn.SourceNodeID] {
				incoming = append(incoming, conn)
			}
		}

		pn.incoming = incoming
	}

	return p, nil
}

func (p *plan) linkConnections() error {
	for _, conn := range p.workflow.Connections {
		if conn == nil {
			continue
		}

		source, ok := p.nodes[conn.SourceNodeID]
		if !ok {
			return invalid(ErrDanglingConnection, conn.SourceNodeID, "source of %s", conn)
		}

		target, ok := p.nodes[conn.TargetNodeID]
		if !ok {
			return invalid(ErrDanglingConnection, conn.TargetNodeID, "target of %s", conn)
		}

		if !source.desc.HasOutput(conn.SourcePort) {
			return invalid(ErrUnknownPort, source.node.ID, "output %q does not exist (have %s)",
				conn.SourcePort, strings.Join(source.desc.Outputs, ", "))
		}

		if !target.desc.HasInput(conn.TargetPort) {
			return invalid(ErrUnknownPort, target.node.ID, "input %q does not exist (have %s)",
				conn.TargetPort, strings.Join(target.desc.InputNames(), ", "))
		}

		source.outgoing = append(source.outgoing, conn)
		target.incoming = append(target.incoming, conn)
	}

	return nil
}

func (p *plan) resolveStart(startNodeID string) (string, error) {
	if startNodeID != "" {
		if _, ok := p.nodes[startNodeID]; !ok {
			return "", invalid(ErrStartNodeNotFound, startNodeID, "")
		}

		return startNodeID, nil
	}

	for _, node := range p.workflow.Nodes {
		if len(p.nodes[node.ID].incoming) == 0 {
			return node.ID, nil
		}
	}

	return "", invalid(ErrStartNodeNotFound, "", "every node has incoming connections")
}

// checkRequiredInputs rejects nodes whose required input ports are not wired. The start
// node is exempt because its input comes from the trigger.
func (p *plan) checkRequiredInputs() error {
	for _, node := range p.workflow.Nodes {
		if node.ID == p.start || node.Disabled {
			continue
		}

		pn := p.nodes[node.ID]

		for _, input := range pn.desc.Inputs {
			if !input.Required {
				continue
			}

			wired := false

			for _, conn := range pn.incoming {
				if conn.TargetPort == input.Name {
					wired = true

					break
				}
			}

			if !wired {
				return invalid(ErrMissingRequiredInput, node.ID, "input %q", input.Name)
			}
		}
	}

	return nil
}

func (p *plan) reachable() map[string]bool {
	seen := map[string]bool{p.start: true}
	queue := []string{p.start}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		for _, conn := range p.nodes[id].outgoing {
			if !seen[conn.TargetNodeID] {
				seen[conn.TargetNodeID] = true
				queue = append(queue, conn.TargetNodeID)
			}
		}
	}

	return seen
}

// sortReachable runs Kahn's algorithm over the reachable subgraph, seeded in declaration
// order so the result is deterministic.
func (p *plan) sortReachable(reachable map[string]bool) error {
	indegree := make(map[string]int, len(reachable))

	for id := range reachable {
		for _, conn := range p.nodes[id].incoming {
			if reachable[conn.SourceNodeID] {
				indegree[id]++
			}
		}
	}

	queue := make([]string, 0, len(reachable))

	for _, node := range p.workflow.Nodes {
		if reachable[node.ID] && indegree[node.ID] == 0 {
			queue = append(queue, node.ID)
		}
	}

	order := make([]string, 0, len(reachable))

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, conn := range p.nodes[id].outgoing {
			indegree[conn.TargetNodeID]--
			if indegree[conn.TargetNodeID] == 0 {
				queue = append(queue, conn.TargetNodeID)
			}
		}
	}

	if len(order) != len(reachable) {
		stuck := make([]string, 0)

		for id := range reachable {
			if indegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}

		sort.Strings(stuck)

		return invalid(ErrCycle, "", "involving %s", strings.Join(stuck, ", "))
	}

	p.order = order

	return nil
}

// checkRequiredProperties validates presence of required parameters on the raw bag.
// Types are checked after templates are resolved, at invocation time.
func checkRequiredProperties(pn *planNode) error {
	if pn.node.Disabled || pn.desc.Properties == nil {
		return nil
	}

	required := make([]any, 0, len(pn.desc.Properties.Required))

	for _, name := range pn.desc.Properties.Required {
		if prop, ok := pn.desc.Properties.Properties[name]; ok && prop.Default != nil {
			continue
		}

		required = append(required, name)
	}

	if len(required) == 0 {
		return nil
	}

	params := pn.node.Parameters
	if params == nil {
		params = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(map[string]any{"type": "object", "required": required}),
		gojsonschema.NewGoLoader(params),
	)
	if err != nil {
		return invalid(ErrMissingRequiredProperty, pn.node.ID, "%v", err)
	}

	if !result.Valid() {
		return invalid(ErrMissingRequiredProperty, pn.node.ID, "%s", describeSchemaErrors(result.Errors()))
	}

	return nil
}

func describeSchemaErrors(errs []gojsonschema.ResultError) string {
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		messages = append(messages, err.String())
	}

	return strings.Join(messages, "; ")
}
