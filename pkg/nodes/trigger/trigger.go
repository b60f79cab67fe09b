// Package trigger provides the start node types used by webhook, schedule and manual triggers.
package trigger

import (
	"context"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/protocol"
)

// Node passes the payload built by the dispatcher through its main output.
type Node struct {
	kind        models.TriggerKind
	displayName string
	description string
}

func NewWebhook() protocol.NodeType {
	return &Node{
		kind:        models.TriggerKindWebhook,
		displayName: "Webhook Trigger",
		description: "Starts the workflow when an HTTP request hits its webhook address",
	}
}

func NewSchedule() protocol.NodeType {
	return &Node{
		kind:        models.TriggerKindSchedule,
		displayName: "Schedule Trigger",
		description: "Starts the workflow on a cron schedule",
	}
}

func NewManual() protocol.NodeType {
	return &Node{
		kind:        models.TriggerKindManual,
		displayName: "Manual Trigger",
		description: "Starts the workflow from an API call",
	}
}

func (n *Node) Describe() models.NodeTypeDescription {
	return models.NodeTypeDescription{
		Type:        string(n.kind),
		DisplayName: n.displayName,
		Description: n.description,
		Inputs:      []models.InputPortSpec{},
		Outputs:     []string{models.MainPort},
		Properties:  &models.JSONSchema{Type: "object"},
		Trigger:     true,
	}
}

func (n *Node) Execute(_ context.Context, req protocol.ExecuteRequest) (models.PortData, error) {
	items := append(models.Items{}, req.Input[models.MainPort]...)

	return models.PortData{models.MainPort: items}, nil
}
