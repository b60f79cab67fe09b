package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dukex/conduit/pkg/log"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Triggers is the part of the trigger dispatcher the workflow service keeps in sync.
type Triggers interface {
	ActivateWorkflow(workflow *models.Workflow) error
	Deactivate(workflowID string)
}

// GraphValidator checks a workflow graph from a given start node.
type GraphValidator interface {
	Validate(workflow *models.Workflow, startNodeID string) error
}

type Workflow struct {
	persistence persistence.Persistence
	triggers    Triggers
	graph       GraphValidator
	validate    *validator.Validate
	logger      *logrus.Entry
	now         func() time.Time
}

// NewWorkflow creates a new workflow service.
func NewWorkflow(persistence persistence.Persistence, triggers Triggers, graph GraphValidator) *Workflow {
	return &Workflow{
		persistence: persistence,
		triggers:    triggers,
		graph:       graph,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      log.WithModule("workflow_service"),
		now:         time.Now,
	}
}

// HealthCheck checks the health of the persistence layer.
func (w *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	if w.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := w.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// List returns the workflows owned by ownerID.
func (w *Workflow) List(ctx context.Context, ownerID string) ([]*models.Workflow, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, ErrEmptyOwnerID
	}

	all, err := w.persistence.Workflows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	owned := make([]*models.Workflow, 0, len(all))

	for _, workflow := range all {
		if workflow.Owner == ownerID {
			owned = append(owned, workflow)
		}
	}

	return owned, nil
}

// Get retrieves a workflow by its ID.
func (w *Workflow) Get(ctx context.Context, id string) (*models.Workflow, error) {
	return w.persistence.WorkflowByID(ctx, id)
}

// Create validates and stores a new workflow. New workflows start inactive.
func (w *Workflow) Create(ctx context.Context, ownerID string, workflow *models.Workflow) (*models.Workflow, error) {
	if workflow == nil {
		return nil, ErrWorkflowNil
	}

	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, ErrEmptyOwnerID
	}

	now := w.now().UTC()
	workflow.ID = uuid.NewString()
	workflow.Owner = ownerID
	workflow.Active = false
	workflow.CreatedAt = now
	workflow.UpdatedAt = now

	if err := w.check("create", workflow); err != nil {
		return nil, err
	}

	if err := w.persistence.SaveWorkflow(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	w.logger.WithFields(logrus.Fields{"workflow_id": workflow.ID, "owner_id": ownerID}).Info("Workflow created")

	return workflow, nil
}

// Update replaces a stored workflow. An active workflow has its triggers re-registered
// before the new definition is saved, so a definition the dispatcher rejects never lands.
func (w *Workflow) Update(ctx context.Context, workflowID string, workflow *models.Workflow) (*models.Workflow, error) {
	if workflow == nil {
		return nil, ErrWorkflowNil
	}

	existing, err := w.persistence.WorkflowByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	workflow.ID = workflowID
	workflow.Owner = existing.Owner
	workflow.Active = existing.Active
	workflow.CreatedAt = existing.CreatedAt
	workflow.UpdatedAt = w.now().UTC()

	if err := w.check("update", workflow); err != nil {
		return nil, err
	}

	if workflow.Active {
		if err := w.triggers.ActivateWorkflow(workflow); err != nil {
			return nil, err
		}
	}

	if err := w.persistence.SaveWorkflow(ctx, workflow); err != nil {
		if workflow.Active {
			w.restore(existing)
		}

		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}

	w.logger.WithField("workflow_id", workflowID).Info("Workflow updated")

	return workflow, nil
}

// Delete deactivates and removes a workflow.
func (w *Workflow) Delete(ctx context.Context, workflowID string) error {
	if _, err := w.persistence.WorkflowByID(ctx, workflowID); err != nil {
		return err
	}

	w.triggers.Deactivate(workflowID)

	if err := w.persistence.DeleteWorkflow(ctx, workflowID); err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	w.logger.WithField("workflow_id", workflowID).Info("Workflow deleted")

	return nil
}

// Activate marks a workflow active and registers its triggers.
func (w *Workflow) Activate(ctx context.Context, workflowID string) (*models.Workflow, error) {
	workflow, err := w.persistence.WorkflowByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	wasActive := workflow.Active
	workflow.Active = true

	if err := w.triggers.ActivateWorkflow(workflow); err != nil {
		return nil, err
	}

	if wasActive {
		return workflow, nil
	}

	workflow.UpdatedAt = w.now().UTC()

	if err := w.persistence.SaveWorkflow(ctx, workflow); err != nil {
		w.triggers.Deactivate(workflowID)

		return nil, fmt.Errorf("failed to activate workflow: %w", err)
	}

	return workflow, nil
}

// Deactivate unregisters a workflow's triggers and clears its active flag.
func (w *Workflow) Deactivate(ctx context.Context, workflowID string) (*models.Workflow, error) {
	workflow, err := w.persistence.WorkflowByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	w.triggers.Deactivate(workflowID)

	if !workflow.Active {
		return workflow, nil
	}

	workflow.Active = false
	workflow.UpdatedAt = w.now().UTC()

	if err := w.persistence.SaveWorkflow(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to deactivate workflow: %w", err)
	}

	return workflow, nil
}

// check assigns missing trigger ids and validates the definition and every trigger's graph.
func (w *Workflow) check(op string, workflow *models.Workflow) error {
	for _, trigger := range workflow.Triggers {
		if trigger != nil && trigger.ID == "" {
			trigger.ID = uuid.NewString()
		}
	}

	if err := w.validate.Struct(workflow); err != nil {
		return NewValidationError(op, "INVALID_WORKFLOW", err.Error(), ErrInvalidRequest)
	}

	if len(workflow.Triggers) == 0 {
		return w.graph.Validate(workflow, "")
	}

	for _, trigger := range workflow.Triggers {
		if trigger == nil {
			return NewValidationError(op, "INVALID_TRIGGER", "trigger cannot be null", ErrInvalidRequest)
		}

		if err := w.graph.Validate(workflow, trigger.NodeID); err != nil {
			return err
		}
	}

	return nil
}

func (w *Workflow) restore(previous *models.Workflow) {
	if err := w.triggers.ActivateWorkflow(previous); err != nil {
		w.logger.WithError(err).WithField("workflow_id", previous.ID).Error("Failed to restore previous triggers")
	}
}
