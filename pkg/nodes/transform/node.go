// Package transform provides the data transformation node type.
package transform

import (
	"context"
	"fmt"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/protocol"
)

const (
	TypeKey = "transform"

	ModeReplace = "replace"
	ModeMerge   = "merge"
)

// Node shapes items from its resolved value parameter.
//
// In replace mode it emits one item built from value. In merge mode value must be an
// object and its keys are laid over every input item.
type Node struct{}

func New() *Node {
	return &Node{}
}

func (n *Node) Describe() models.NodeTypeDescription {
	return models.NodeTypeDescription{
		Type:        TypeKey,
		DisplayName: "Transform",
		Description: "Builds new items from templated values",
		Inputs:      []models.InputPortSpec{{Name: models.MainPort, Required: true}},
		Outputs:     []string{models.MainPort},
		Properties: &models.JSONSchema{
			Type: "object",
			Properties: map[string]*models.Property{
				"value": {Description: "Templated value of the produced item"},
				"mode": {
					Type:    "string",
					Enum:    []any{ModeReplace, ModeMerge},
					Default: ModeReplace,
				},
			},
			Required: []string{"value"},
		},
	}
}

func (n *Node) Execute(_ context.Context, req protocol.ExecuteRequest) (models.PortData, error) {
	value := req.Parameters["value"]

	mode, _ := req.Parameters["mode"].(string)
	if mode == "" {
		mode = ModeReplace
	}

	switch mode {
	case ModeReplace:
		return models.PortData{models.MainPort: models.Items{toItem(value)}}, nil
	case ModeMerge:
		fields, ok := value.(map[string]any)
		if !ok {
			return nil, protocol.Permanent(fmt.Errorf("merge mode needs an object value, got %T", value))
		}

		input := req.Input[models.MainPort]
		out := make(models.Items, 0, len(input))

		for _, item := range input {
			merged := make(models.Item, len(item)+len(fields))
			for k, v := range item {
				merged[k] = v
			}

			for k, v := range fields {
				merged[k] = v
			}

			out = append(out, merged)
		}

		return models.PortData{models.MainPort: out}, nil
	default:
		return nil, protocol.Permanent(fmt.Errorf("unknown transform mode %q", mode))
	}
}

func toItem(value any) models.Item {
	switch v := value.(type) {
	case models.Item:
		return v
	case map[string]any:
		return models.Item(v)
	default:
		return models.Item{"result": v}
	}
}
