// Package merge provides the node type that joins two execution paths.
package merge

import (
	"context"
	"fmt"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/protocol"
)

const (
	TypeKey = "merge"

	InputPort1 = "input1"
	InputPort2 = "input2"

	ModeAppend  = "append"
	ModeCombine = "combine"
)

// Node joins the items of input1 and input2. Both inputs are optional, so the node
// still runs when only one branch produced data.
type Node struct{}

func New() *Node {
	return &Node{}
}

func (n *Node) Describe() models.NodeTypeDescription {
	return models.NodeTypeDescription{
		Type:        TypeKey,
		DisplayName: "Merge",
		Description: "Joins the items of two branches",
		Inputs: []models.InputPortSpec{
			{Name: InputPort1},
			{Name: InputPort2},
		},
		Outputs: []string{models.MainPort},
		Properties: &models.JSONSchema{
			Type: "object",
			Properties: map[string]*models.Property{
				"mode": {
					Type:        "string",
					Description: "append concatenates the inputs, combine merges items pairwise",
					Enum:        []any{ModeAppend, ModeCombine},
					Default:     ModeAppend,
				},
			},
		},
	}
}

func (n *Node) Execute(_ context.Context, req protocol.ExecuteRequest) (models.PortData, error) {
	mode, _ := req.Parameters["mode"].(string)
	if mode == "" {
		mode = ModeAppend
	}

	first, second := req.Input[InputPort1], req.Input[InputPort2]

	switch mode {
	case ModeAppend:
		out := make(models.Items, 0, len(first)+len(second))
		out = append(out, first...)
		out = append(out, second...)

		return models.PortData{models.MainPort: out}, nil
	case ModeCombine:
		return models.PortData{models.MainPort: combine(first, second)}, nil
	default:
		return nil, protocol.Permanent(fmt.Errorf("unknown merge mode: %s", mode))
	}
}

// combine merges items at the same index, input2 keys win on conflict.
func combine(first, second models.Items) models.Items {
	size := max(len(first), len(second))
	out := make(models.Items, 0, size)

	for i := range size {
		merged := models.Item{}

		if i < len(first) {
			for k, v := range first[i] {
				merged[k] = v
			}
		}

		if i < len(second) {
			for k, v := range second[i] {
				merged[k] = v
			}
		}

		out = append(out, merged)
	}

	return out
}
