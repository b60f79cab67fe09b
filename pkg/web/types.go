package web

import (
	"github.com/dukex/conduit/pkg/models"
)

// WorkflowRequest is the request body for creating or replacing a workflow.
type WorkflowRequest struct {
	Name        string                  `json:"name"        validate:"required,min=3"`
	Description string                  `json:"description"`
	Nodes       []*models.Node          `json:"nodes"       validate:"required,min=1"`
	Connections []*models.Connection    `json:"connections"`
	Triggers    []*models.Trigger       `json:"triggers"`
	Settings    models.WorkflowSettings `json:"settings"`
	Variables   map[string]any          `json:"variables"`
}

// Workflow maps the request onto a workflow definition. Identity, owner and the active
// flag are decided by the service.
func (r WorkflowRequest) Workflow() *models.Workflow {
	connections := r.Connections
	if connections == nil {
		connections = []*models.Connection{}
	}

	triggers := r.Triggers
	if triggers == nil {
		triggers = []*models.Trigger{}
	}

	return &models.Workflow{
		Name:        r.Name,
		Description: r.Description,
		Nodes:       r.Nodes,
		Connections: connections,
		Triggers:    triggers,
		Settings:    r.Settings,
		Variables:   r.Variables,
	}
}

// WebhookResponse acknowledges an accepted webhook call.
type WebhookResponse struct {
	Success     bool   `json:"success"`
	ExecutionID string `json:"executionId"`
}

// RunResponse acknowledges a manual run.
type RunResponse struct {
	ExecutionID string                 `json:"executionId"`
	Status      models.ExecutionStatus `json:"status"`
}
