// Package engine runs workflow graphs: it validates a workflow, orders the nodes reachable
// from the start node, invokes them concurrently as their inputs become ready and records
// one result per reached node.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dukex/conduit/pkg/log"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/otelhelper"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/dukex/conduit/pkg/protocol"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// NodeTypes is the lookup side of the node type registry.
type NodeTypes interface {
	Get(typeKey string) (protocol.NodeType, bool)
}

type Engine struct {
	types       NodeTypes
	history     persistence.ExecutionHistoryStore
	credentials protocol.CredentialResolver
	notifier    protocol.Notifier
	logger      *logrus.Entry
	tracer      trace.Tracer

	defaultNodeTimeout time.Duration
	maxParallel        int
	now                func() time.Time
	newID              func() string

	mu      sync.Mutex
	running map[string]*run
	wg      sync.WaitGroup
}

// New builds an engine. A nil history keeps executions in memory only while they run.
func New(types NodeTypes, history persistence.ExecutionHistoryStore, opts ...Option) *Engine {
	e := &Engine{
		types:              types,
		history:            history,
		notifier:           protocol.NopNotifier{},
		logger:             log.WithModule("engine"),
		tracer:             otelhelper.Noop(),
		defaultNodeTimeout: DefaultNodeTimeout,
		maxParallel:        DefaultMaxParallel,
		now:                time.Now,
		newID:              uuid.NewString,
		running:            make(map[string]*run),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Validate checks a workflow the same way a run would, without running it.
func (e *Engine) Validate(workflow *models.Workflow, startNodeID string) error {
	_, err := e.buildPlan(workflow, startNodeID)

	return err
}

// Start validates the request, registers a RUNNING execution and runs it in the background.
// The returned execution is a snapshot taken before any node ran. Cancelling ctx does not
// cancel the execution.
func (e *Engine) Start(ctx context.Context, req RunRequest) (*models.Execution, error) {
	r, err := e.prepare(context.WithoutCancel(ctx), req)
	if err != nil {
		return nil, err
	}

	snapshot := r.snapshot()

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		r.execute()
	}()

	return snapshot, nil
}

// Run executes the request and returns the finished execution. Cancelling ctx stops
// scheduling further nodes and finishes the execution as CANCELLED.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*models.Execution, error) {
	r, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	return r.execute(), nil
}

// Cancel stops scheduling new nodes for a running execution and marks it CANCELLED at
// once. Nodes already running are allowed to finish and are still recorded.
func (e *Engine) Cancel(ctx context.Context, executionID string) (*models.Execution, error) {
	e.mu.Lock()
	r, ok := e.running[executionID]
	e.mu.Unlock()

	if !ok {
		if e.history == nil {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotRunning, executionID)
		}

		if _, err := e.history.ExecutionByID(ctx, executionID); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrExecutionNotRunning, err)
		}

		return nil, fmt.Errorf("%w: %s already finished", ErrNotCancellable, executionID)
	}

	return r.cancel()
}

// Get returns a live snapshot while the execution runs and the stored record afterwards.
func (e *Engine) Get(ctx context.Context, executionID string) (*models.Execution, error) {
	e.mu.Lock()
	r, ok := e.running[executionID]
	e.mu.Unlock()

	if ok {
		return r.snapshot(), nil
	}

	if e.history == nil {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotRunning, executionID)
	}

	return e.history.ExecutionByID(ctx, executionID)
}

// Running reports the ids of executions that have not finished yet.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}

	return ids
}

// Wait blocks until every execution started with Start has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) prepare(ctx context.Context, req RunRequest) (*run, error) {
	p, err := e.buildPlan(req.Workflow, req.StartNodeID)
	if err != nil {
		return nil, err
	}

	mode := req.Mode
	if mode == "" && req.Options.Manual {
		mode = models.TriggerKindManual
	}

	execution := &models.Execution{
		ID:            e.newID(),
		WorkflowID:    req.Workflow.ID,
		Mode:          mode,
		TriggerNodeID: p.start,
		ActorID:       req.ActorID,
		Status:        models.ExecutionRunning,
		StartedAt:     e.now(),
		Results:       make([]*models.NodeExecutionResult, 0, len(p.order)),
	}

	r := newRun(ctx, e, p, req, execution)

	e.mu.Lock()
	e.running[execution.ID] = r
	e.mu.Unlock()

	r.logger.Info("Execution started")
	e.notifier.Publish(execution.ID, r.event(models.EventExecutionStarted, ""))

	return r, nil
}

func (e *Engine) finished(executionID string) {
	e.mu.Lock()
	delete(e.running, executionID)
	e.mu.Unlock()
}
