// Package dispatcher decides when executions start. It owns the webhook routing table and
// the schedule table of every active workflow and hands fired triggers to the engine.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dukex/conduit/pkg/engine"
	"github.com/dukex/conduit/pkg/log"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/otelhelper"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTick is the period of the schedule timer loop.
const DefaultTick = time.Second

// Engine is the part of the execution engine the dispatcher drives.
type Engine interface {
	Validate(workflow *models.Workflow, startNodeID string) error
	Start(ctx context.Context, req engine.RunRequest) (*models.Execution, error)
}

// Workflows loads stored workflow definitions.
type Workflows interface {
	Workflows(ctx context.Context) ([]*models.Workflow, error)
	WorkflowByID(ctx context.Context, id string) (*models.Workflow, error)
}

type Dispatcher struct {
	engine    Engine
	workflows Workflows
	logger    *logrus.Entry
	tracer    trace.Tracer
	now       func() time.Time
	tick      time.Duration

	// mu serializes every table mutation, lookups share it.
	mu        sync.RWMutex
	webhooks  map[string]*webhookRoute
	schedules map[string]*scheduleEntry
	active    map[string][]string
}

type webhookRoute struct {
	workflow *models.Workflow
	trigger  *models.Trigger
	methods  map[string]bool
	schema   *gojsonschema.Schema
}

type scheduleEntry struct {
	workflow *models.Workflow
	trigger  *models.Trigger
	schedule cron.Schedule
	location *time.Location
	next     time.Time
}

type Option func(*Dispatcher)

func WithLogger(logger *logrus.Entry) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = tracer
	}
}

// WithClock replaces the wall clock used for schedules and trigger timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// WithTick sets the schedule timer loop period.
func WithTick(tick time.Duration) Option {
	return func(d *Dispatcher) {
		if tick > 0 {
			d.tick = tick
		}
	}
}

func New(eng Engine, workflows Workflows, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		engine:    eng,
		workflows: workflows,
		logger:    log.WithModule("dispatcher"),
		tracer:    otelhelper.Noop(),
		now:       time.Now,
		tick:      DefaultTick,
		webhooks:  make(map[string]*webhookRoute),
		schedules: make(map[string]*scheduleEntry),
		active:    make(map[string][]string),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Activate loads a workflow and registers all of its active triggers, replacing whatever
// was registered for it before. Nothing changes when any trigger fails to register.
func (d *Dispatcher) Activate(ctx context.Context, workflowID string) error {
	workflow, err := d.workflows.WorkflowByID(ctx, workflowID)
	if err != nil {
		return err
	}

	return d.ActivateWorkflow(workflow)
}

// ActivateWorkflow registers the triggers of an already loaded workflow.
func (d *Dispatcher) ActivateWorkflow(workflow *models.Workflow) error {
	if !workflow.Active {
		return fmt.Errorf("%w: %s", ErrWorkflowInactive, workflow.ID)
	}

	webhooks := make(map[string]*webhookRoute)
	schedules := make(map[string]*scheduleEntry)
	now := d.now()

	for _, trigger := range workflow.ActiveTriggers() {
		if err := d.engine.Validate(workflow, trigger.NodeID); err != nil {
			return &TriggerError{Op: "activate", WorkflowID: workflow.ID, TriggerID: trigger.ID, Err: err}
		}

		switch trigger.Kind {
		case models.TriggerKindWebhook:
			route, err := newWebhookRoute(workflow, trigger)
			if err != nil {
				return &TriggerError{Op: "activate", WorkflowID: workflow.ID, TriggerID: trigger.ID, Err: err}
			}

			if _, exists := webhooks[trigger.Webhook.ID]; exists {
				return &TriggerError{Op: "activate", WorkflowID: workflow.ID, TriggerID: trigger.ID,
					Err: fmt.Errorf("%w: %s", ErrWebhookConflict, trigger.Webhook.ID)}
			}

			webhooks[trigger.Webhook.ID] = route
		case models.TriggerKindSchedule:
			entry, err := newScheduleEntry(workflow, trigger, now)
			if err != nil {
				return &TriggerError{Op: "activate", WorkflowID: workflow.ID, TriggerID: trigger.ID, Err: err}
			}

			schedules[scheduleKey(workflow.ID, trigger)] = entry
		case models.TriggerKindManual:
		default:
			return &TriggerError{Op: "activate", WorkflowID: workflow.ID, TriggerID: trigger.ID,
				Err: fmt.Errorf("%w: unknown kind %q", ErrInvalidTrigger, trigger.Kind)}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for webhookID := range webhooks {
		if existing, ok := d.webhooks[webhookID]; ok && existing.workflow.ID != workflow.ID {
			return &TriggerError{Op: "activate", WorkflowID: workflow.ID, TriggerID: webhooks[webhookID].trigger.ID,
				Err: fmt.Errorf("%w: %s is used by workflow %s", ErrWebhookConflict, webhookID, existing.workflow.ID)}
		}
	}

	d.removeLocked(workflow.ID)

	keys := make([]string, 0, len(webhooks)+len(schedules))

	for webhookID, route := range webhooks {
		d.webhooks[webhookID] = route
		keys = append(keys, webhookKey(webhookID))
	}

	for key, entry := range schedules {
		d.schedules[key] = entry
		keys = append(keys, key)
	}

	d.active[workflow.ID] = keys

	d.logger.WithFields(logrus.Fields{
		"workflow_id": workflow.ID,
		"webhooks":    len(webhooks),
		"schedules":   len(schedules),
	}).Info("Workflow activated")

	return nil
}

// Deactivate removes every route and schedule of a workflow. Unknown ids are ignored.
func (d *Dispatcher) Deactivate(workflowID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.active[workflowID]; !ok {
		return
	}

	d.removeLocked(workflowID)
	d.logger.WithField("workflow_id", workflowID).Info("Workflow deactivated")
}

func (d *Dispatcher) removeLocked(workflowID string) {
	for _, key := range d.active[workflowID] {
		if webhookID, ok := strings.CutPrefix(key, "webhook:"); ok {
			delete(d.webhooks, webhookID)

			continue
		}

		delete(d.schedules, key)
	}

	delete(d.active, workflowID)
}

// IsActive reports whether the workflow's triggers are registered.
func (d *Dispatcher) IsActive(workflowID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.active[workflowID]

	return ok
}

// Webhooks lists the registered webhook ids.
func (d *Dispatcher) Webhooks() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0, len(d.webhooks))
	for id := range d.webhooks {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// Restore activates every stored workflow marked active. Workflows that fail are logged
// and skipped. It returns how many were activated.
func (d *Dispatcher) Restore(ctx context.Context) (int, error) {
	workflows, err := d.workflows.Workflows(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0

	for _, workflow := range workflows {
		if !workflow.Active {
			continue
		}

		if err := d.ActivateWorkflow(workflow); err != nil {
			d.logger.WithError(err).WithField("workflow_id", workflow.ID).Error("Failed to restore workflow")

			continue
		}

		restored++
	}

	d.logger.WithField("count", restored).Info("Active workflows restored")

	return restored, nil
}

// HandleManual starts a user requested run of an active workflow. An empty triggerNodeID
// runs from the workflow's first node.
func (d *Dispatcher) HandleManual(
	ctx context.Context,
	workflowID, triggerNodeID string,
	data map[string]any,
	actorID string,
) (*models.Execution, error) {
	workflow, err := d.workflows.WorkflowByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if !workflow.Active {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowInactive, workflowID)
	}

	item := d.triggerItem(models.TriggerKindManual, triggerNodeID)
	item["data"] = data

	return d.engine.Start(ctx, engine.RunRequest{
		Workflow:    workflow,
		StartNodeID: triggerNodeID,
		Input:       models.PortData{models.MainPort: {item}},
		Mode:        models.TriggerKindManual,
		ActorID:     actorID,
		Options:     engine.RunOptions{Manual: true},
	})
}

// triggerItem is the metadata every trigger hands to its start node.
func (d *Dispatcher) triggerItem(kind models.TriggerKind, triggerNodeID string) models.Item {
	return models.Item{
		"timestamp":     d.now().UTC().Format(time.RFC3339),
		"triggerKind":   string(kind),
		"triggerNodeId": triggerNodeID,
	}
}

func webhookKey(webhookID string) string {
	return "webhook:" + webhookID
}

func scheduleKey(workflowID string, trigger *models.Trigger) string {
	return "schedule:" + workflowID + "/" + trigger.ID + "/" + trigger.NodeID
}
