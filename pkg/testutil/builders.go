// Package testutil provides test data builders and fakes shared by package tests.
package testutil

import (
	"github.com/dukex/conduit/pkg/models"
	"github.com/google/uuid"
)

// CreateTestNode creates a node with default values that can be overridden.
func CreateTestNode(id, nodeType string, overrides ...func(*models.Node)) *models.Node {
	node := &models.Node{
		ID:         id,
		Type:       nodeType,
		Parameters: map[string]any{},
	}

	for _, override := range overrides {
		override(node)
	}

	return node
}

// WithParameters sets the node parameter bag.
func WithParameters(params map[string]any) func(*models.Node) {
	return func(n *models.Node) {
		n.Parameters = params
	}
}

// WithName sets the node name.
func WithName(name string) func(*models.Node) {
	return func(n *models.Node) {
		n.Name = name
	}
}

// WithDisabled marks the node disabled.
func WithDisabled() func(*models.Node) {
	return func(n *models.Node) {
		n.Disabled = true
	}
}

// WithSettings sets the per-node failure and timeout policy.
func WithSettings(settings models.NodeSettings) func(*models.Node) {
	return func(n *models.Node) {
		n.Settings = settings
	}
}

// WithCredential maps a credential slot to a credential id.
func WithCredential(slot, credentialID string) func(*models.Node) {
	return func(n *models.Node) {
		if n.Credentials == nil {
			n.Credentials = map[string]string{}
		}

		n.Credentials[slot] = credentialID
	}
}

// Connect creates a main-to-main connection between two nodes.
func Connect(sourceNodeID, targetNodeID string) *models.Connection {
	return ConnectPorts(sourceNodeID, models.MainPort, targetNodeID, models.MainPort)
}

// ConnectPorts creates a connection between two named ports.
func ConnectPorts(sourceNodeID, sourcePort, targetNodeID, targetPort string) *models.Connection {
	return &models.Connection{
		SourceNodeID: sourceNodeID,
		SourcePort:   sourcePort,
		TargetNodeID: targetNodeID,
		TargetPort:   targetPort,
	}
}

// CreateTestWorkflow creates a workflow owned by test-user.
func CreateTestWorkflow(nodes []*models.Node, connections ...*models.Connection) *models.Workflow {
	return &models.Workflow{
		ID:          uuid.New().String(),
		Name:        "Test Workflow",
		Description: "A workflow for testing",
		Owner:       "test-user",
		Variables:   map[string]any{"env": "test"},
		Nodes:       nodes,
		Connections: connections,
	}
}

// CreateWebhookWorkflow creates an active workflow whose trigger node listens on webhookID
// and feeds a single log node.
func CreateWebhookWorkflow(webhookID string) *models.Workflow {
	workflow := CreateTestWorkflow(
		[]*models.Node{
			CreateTestNode("hook", "webhook"),
			CreateTestNode("log", "log", WithParameters(map[string]any{"message": "received"})),
		},
		Connect("hook", "log"),
	)

	workflow.Active = true
	workflow.Triggers = []*models.Trigger{{
		ID:      "trigger-" + webhookID,
		NodeID:  "hook",
		Kind:    models.TriggerKindWebhook,
		Active:  true,
		Webhook: &models.WebhookSettings{ID: webhookID},
	}}

	return workflow
}

// Items builds a list of items holding a single "v" field each.
func Items(values ...any) models.Items {
	items := make(models.Items, 0, len(values))
	for _, value := range values {
		items = append(items, models.Item{"v": value})
	}

	return items
}
