// Package persistence defines the storage contracts for workflows and execution history.
package persistence

import (
	"context"

	"github.com/dukex/conduit/pkg/models"
)

// WorkflowRepository stores workflow definitions.
type WorkflowRepository interface {
	Workflows(ctx context.Context) ([]*models.Workflow, error)
	// WorkflowByID returns ErrWorkflowNotFound when no workflow has the id.
	WorkflowByID(ctx context.Context, id string) (*models.Workflow, error)
	SaveWorkflow(ctx context.Context, workflow *models.Workflow) error
	DeleteWorkflow(ctx context.Context, id string) error
}

// ExecutionHistoryStore is the durable record of finished executions.
type ExecutionHistoryStore interface {
	// SaveExecution writes a finished execution with all of its node results.
	SaveExecution(ctx context.Context, execution *models.Execution) error
	ExecutionByID(ctx context.Context, id string) (*models.Execution, error)
	// ExecutionsByWorkflow returns the newest executions first, at most limit when limit > 0.
	ExecutionsByWorkflow(ctx context.Context, workflowID string, limit int) ([]*models.Execution, error)
}

type Persistence interface {
	WorkflowRepository
	ExecutionHistoryStore

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
