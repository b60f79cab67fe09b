// Package conditional provides the branching node type.
package conditional

import (
	"context"
	"strconv"
	"strings"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/protocol"
)

const (
	TypeKey = "conditional"

	OutputPortTrue  = "true"
	OutputPortFalse = "false"
)

// Node routes its input items to the true or false port. Only the chosen port
// carries data, so nodes wired to the other port are skipped.
type Node struct{}

func New() *Node {
	return &Node{}
}

func (n *Node) Describe() models.NodeTypeDescription {
	return models.NodeTypeDescription{
		Type:        TypeKey,
		DisplayName: "If",
		Description: "Routes items by a templated condition",
		Inputs:      []models.InputPortSpec{{Name: models.MainPort, Required: true}},
		Outputs:     []string{OutputPortTrue, OutputPortFalse},
		Properties: &models.JSONSchema{
			Type: "object",
			Properties: map[string]*models.Property{
				"condition": {Description: "Templated expression, evaluated for truthiness"},
			},
			Required: []string{"condition"},
		},
	}
}

func (n *Node) Execute(_ context.Context, req protocol.ExecuteRequest) (models.PortData, error) {
	port := OutputPortFalse
	if truthy(req.Parameters["condition"]) {
		port = OutputPortTrue
	}

	items := append(models.Items{}, req.Input[models.MainPort]...)

	return models.PortData{port: items}, nil
}

func truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}

		return v != ""
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return false
	}
}
