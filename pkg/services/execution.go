package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/dukex/conduit/pkg/dispatcher"
	"github.com/dukex/conduit/pkg/log"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/sirupsen/logrus"
)

// Executions is the part of the engine that answers for running executions.
type Executions interface {
	Get(ctx context.Context, executionID string) (*models.Execution, error)
	Cancel(ctx context.Context, executionID string) (*models.Execution, error)
}

// Dispatch is the part of the trigger dispatcher that starts executions on request.
type Dispatch interface {
	HandleWebhook(ctx context.Context, webhookID string, req dispatcher.WebhookRequest) (*models.Execution, error)
	HandleManual(ctx context.Context, workflowID, triggerNodeID string, data map[string]any, actorID string) (*models.Execution, error)
}

// EventSource streams the status events of one execution.
type EventSource interface {
	Subscribe(ctx context.Context, executionID string) (<-chan models.ExecutionEvent, error)
}

// RunRequest is the body of a manual run.
type RunRequest struct {
	TriggerNodeID string         `json:"triggerNodeId"`
	Data          map[string]any `json:"data"`
}

// Execution is the single entry point for starting, observing and cancelling executions.
type Execution struct {
	executions Executions
	dispatch   Dispatch
	history    persistence.ExecutionHistoryStore
	workflows  persistence.WorkflowRepository
	events     EventSource
	logger     *logrus.Entry
}

func NewExecution(
	executions Executions,
	dispatch Dispatch,
	history persistence.ExecutionHistoryStore,
	workflows persistence.WorkflowRepository,
	events EventSource,
) *Execution {
	return &Execution{
		executions: executions,
		dispatch:   dispatch,
		history:    history,
		workflows:  workflows,
		events:     events,
		logger:     log.WithModule("execution_service"),
	}
}

// Webhook hands an inbound webhook call to the dispatcher.
func (s *Execution) Webhook(ctx context.Context, webhookID string, req dispatcher.WebhookRequest) (*models.Execution, error) {
	return s.dispatch.HandleWebhook(ctx, webhookID, req)
}

// Run starts a manual execution on behalf of actorID.
func (s *Execution) Run(ctx context.Context, workflowID string, req RunRequest, actorID string) (*models.Execution, error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, ErrEmptyOwnerID
	}

	execution, err := s.dispatch.HandleManual(ctx, workflowID, req.TriggerNodeID, req.Data, actorID)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"workflow_id":  workflowID,
		"execution_id": execution.ID,
		"actor_id":     actorID,
	}).Info("Manual execution started")

	return execution, nil
}

// Get returns the live snapshot of a running execution or its stored record.
func (s *Execution) Get(ctx context.Context, executionID string) (*models.Execution, error) {
	return s.executions.Get(ctx, executionID)
}

// Cancel stops a running execution. Finished executions are reported as not cancellable.
func (s *Execution) Cancel(ctx context.Context, executionID string) (*models.Execution, error) {
	execution, err := s.executions.Cancel(ctx, executionID)
	if err != nil {
		return nil, err
	}

	s.logger.WithField("execution_id", executionID).Info("Execution cancelled")

	return execution, nil
}

// History lists the finished executions of a workflow, newest first.
func (s *Execution) History(ctx context.Context, workflowID string, limit int) ([]*models.Execution, error) {
	if limit < 0 {
		return nil, NewValidationError("history", "INVALID_LIMIT", "limit cannot be negative", ErrInvalidRequest)
	}

	if _, err := s.workflows.WorkflowByID(ctx, workflowID); err != nil {
		return nil, err
	}

	executions, err := s.history.ExecutionsByWorkflow(ctx, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution history: %w", err)
	}

	return executions, nil
}

// Events streams the status events of an execution and closes the stream after the
// terminal event. An execution that already finished yields a single closing event.
func (s *Execution) Events(ctx context.Context, executionID string) (<-chan models.ExecutionEvent, error) {
	ctx, cancel := context.WithCancel(ctx)

	// Subscribe before reading the state so a finish in between is not lost.
	upstream, err := s.events.Subscribe(ctx, executionID)
	if err != nil {
		cancel()

		return nil, err
	}

	execution, err := s.executions.Get(ctx, executionID)
	if err != nil {
		cancel()

		return nil, err
	}

	out := make(chan models.ExecutionEvent, 1)

	if execution.Finished() {
		cancel()

		out <- finishedEvent(execution)
		close(out)

		return out, nil
	}

	go func() {
		defer cancel()
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-upstream:
				if !ok {
					return
				}

				select {
				case out <- event:
				case <-ctx.Done():
					return
				}

				if event.Terminal() {
					return
				}
			}
		}
	}()

	return out, nil
}

func finishedEvent(execution *models.Execution) models.ExecutionEvent {
	event := models.ExecutionEvent{
		Type:        models.EventExecutionFinished,
		ExecutionID: execution.ID,
		WorkflowID:  execution.WorkflowID,
		Status:      string(execution.Status),
		Error:       execution.Error,
	}

	if execution.FinishedAt != nil {
		event.Timestamp = *execution.FinishedAt
	}

	return event
}
