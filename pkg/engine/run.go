package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dukex/conduit/pkg/log"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/otelhelper"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const (
	skipUpstreamFailed = "upstream node failed"
	skipNoInput        = "no input data"
	skipDisabled       = "node is disabled"
	skipCancelled      = "execution cancelled"
	skipTimedOut       = "execution timed out"
)

type deliveryState int

const (
	deliveryPending deliveryState = iota
	deliveryData
	deliveryAbsent
	deliveryFailed
)

// delivery is what one incoming edge carried to its target.
type delivery struct {
	state deliveryState
	items models.Items
}

// completion reports a finished invocation back to the loop. A nil result means the
// node was never started.
type completion struct {
	nodeID string
	result *models.NodeExecutionResult
}

type run struct {
	engine *Engine
	plan   *plan
	req    RunRequest
	logger *logrus.Entry

	ctx         context.Context
	cancelCtx   context.CancelFunc
	sem         chan struct{}
	completions chan completion
	cancelled   atomic.Bool

	mu        sync.Mutex
	execution *models.Execution

	// Owned by the loop goroutine.
	edgeIndex  map[*models.Connection]int
	deliveries map[string][]delivery
	remaining  map[string]int
	outputs    map[string]models.PortData
	recorded   map[string]bool
	ready      []string
	inflight   int
	ctxErr     error
}

func newRun(ctx context.Context, e *Engine, p *plan, req RunRequest, execution *models.Execution) *run {
	logger := e.logger.WithFields(logrus.Fields{
		"execution_id": execution.ID,
		"workflow_id":  execution.WorkflowID,
	})

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)

	if req.Options.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Options.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	r := &run{
		engine:      e,
		plan:        p,
		req:         req,
		logger:      logger,
		ctx:         log.WithLogger(runCtx, logger),
		cancelCtx:   cancel,
		sem:         make(chan struct{}, e.maxParallel),
		completions: make(chan completion, len(p.order)),
		execution:   execution,
		edgeIndex:   make(map[*models.Connection]int),
		deliveries:  make(map[string][]delivery, len(p.order)),
		remaining:   make(map[string]int, len(p.order)),
		outputs:     make(map[string]models.PortData, len(p.order)),
		recorded:    make(map[string]bool, len(p.order)),
	}

	for _, id := range p.order {
		pn := p.nodes[id]
		for i, conn := range pn.incoming {
			r.edgeIndex[conn] = i
		}

		r.deliveries[id] = make([]delivery, len(pn.incoming))
		r.remaining[id] = len(pn.incoming)
	}

	return r
}

func (r *run) execute() *models.Execution {
	defer r.cancelCtx()

	ctx, span := otelhelper.StartSpan(r.ctx, r.engine.tracer, "engine.execution",
		attribute.String(otelhelper.WorkflowIDKey, r.execution.WorkflowID),
		attribute.String(otelhelper.ExecutionIDKey, r.execution.ID),
		attribute.String(otelhelper.ExecutionMode, string(r.execution.Mode)),
	)
	defer span.End()

	r.ctx = ctx

	r.loop()
	r.ctxErr = r.ctx.Err()

	final := r.finalize()

	span.SetAttributes(attribute.String(otelhelper.StatusKey, string(final.Status)))

	if final.Status == models.ExecutionError {
		otelhelper.SetError(span, errors.New(final.Error))
	}

	return final
}

func (r *run) stopped() bool {
	return r.cancelled.Load() || r.ctx.Err() != nil
}

func (r *run) loop() {
	r.ready = append(r.ready, r.plan.start)

	for {
		for len(r.ready) > 0 && !r.stopped() {
			id := r.ready[0]
			r.ready = r.ready[1:]

			r.dispatch(r.plan.nodes[id])
		}

		if r.inflight == 0 {
			return
		}

		c := <-r.completions
		r.inflight--

		if c.result == nil {
			continue
		}

		r.record(c.result)

		pn := r.plan.nodes[c.nodeID]
		if c.result.Status == models.NodeStatusSuccess {
			r.outputs[c.nodeID] = c.result.Data
			r.propagateOutput(pn, c.result.Data)
		} else {
			r.propagate(pn, deliveryFailed)
		}
	}
}

// dispatch decides what happens to a node whose incoming edges have all delivered.
func (r *run) dispatch(pn *planNode) {
	input, state := r.gather(pn)

	switch {
	case state == deliveryFailed:
		r.skip(pn, input, skipUpstreamFailed)
		r.propagate(pn, deliveryFailed)
	case state == deliveryAbsent:
		r.skip(pn, nil, skipNoInput)
		r.propagate(pn, deliveryAbsent)
	case pn.node.Disabled:
		r.skip(pn, input, skipDisabled)
		r.propagate(pn, deliveryData)
	default:
		r.inflight++

		go r.invoke(pn, input, r.templateData(pn, input))
	}
}

// gather concatenates the items delivered to each input port in connection declaration
// order. Any failed edge fails the node, and only when every edge is absent is the whole
// input absent.
func (r *run) gather(pn *planNode) (models.PortData, deliveryState) {
	if pn.node.ID == r.plan.start {
		input := r.req.Input.Clone()
		if input == nil {
			input = models.PortData{}
		}

		return input, deliveryData
	}

	input := models.PortData{}
	absent := 0

	for i, conn := range pn.incoming {
		d := r.deliveries[pn.node.ID][i]

		switch d.state {
		case deliveryFailed:
			return input, deliveryFailed
		case deliveryAbsent:
			absent++
		default:
			input[conn.TargetPort] = append(input[conn.TargetPort], d.items...)
		}
	}

	if absent == len(pn.incoming) {
		return nil, deliveryAbsent
	}

	return input, deliveryData
}

// propagateOutput delivers a successful node's output. Ports the node did not emit are
// delivered as absent.
func (r *run) propagateOutput(pn *planNode, output models.PortData) {
	for _, conn := range pn.outgoing {
		items, emitted := output[conn.SourcePort]
		if !emitted {
			r.deliver(conn, delivery{state: deliveryAbsent})

			continue
		}

		r.deliver(conn, delivery{state: deliveryData, items: items})
	}
}

func (r *run) propagate(pn *planNode, state deliveryState) {
	for _, conn := range pn.outgoing {
		r.deliver(conn, delivery{state: state})
	}
}

func (r *run) deliver(conn *models.Connection, d delivery) {
	index, ok := r.edgeIndex[conn]
	if !ok {
		return
	}

	target := conn.TargetNodeID
	r.deliveries[target][index] = d
	r.remaining[target]--

	if r.remaining[target] == 0 {
		r.ready = append(r.ready, target)
	}
}

func (r *run) skip(pn *planNode, input models.PortData, reason string) {
	now := r.engine.now()

	r.record(&models.NodeExecutionResult{
		NodeID:     pn.node.ID,
		NodeName:   pn.node.DisplayName(),
		NodeType:   pn.node.Type,
		Status:     models.NodeStatusSkipped,
		StartedAt:  now,
		FinishedAt: now,
		Input:      input,
		SkipReason: reason,
	})
}

func (r *run) record(result *models.NodeExecutionResult) {
	r.recorded[result.NodeID] = true

	r.mu.Lock()
	r.execution.Results = append(r.execution.Results, result)
	r.mu.Unlock()

	event := r.event(models.EventNodeFinished, string(result.Status))
	event.NodeID = result.NodeID
	event.Retries = result.Retries
	event.ItemCount = result.Data.Count()

	if result.Error != nil {
		event.Error = result.Error.Message
	}

	r.engine.notifier.Publish(r.execution.ID, event)
}

func (r *run) event(eventType models.ExecutionEventType, status string) models.ExecutionEvent {
	return models.ExecutionEvent{
		Type:        eventType,
		ExecutionID: r.execution.ID,
		WorkflowID:  r.execution.WorkflowID,
		Status:      status,
		Timestamp:   r.engine.now(),
	}
}

// templateData is what parameter templates are rendered against.
func (r *run) templateData(pn *planNode, input models.PortData) map[string]any {
	nodes := make(map[string]any, len(r.outputs))
	for id, output := range r.outputs {
		nodes[id] = map[string]any{
			"json": firstItem(output, nil),
			"data": output,
		}
	}

	return map[string]any{
		"json":  firstItem(input, pn.desc.InputNames()),
		"input": input,
		"items": allItems(input, pn.desc.InputNames()),
		"nodes": nodes,
		"trigger": map[string]any{
			"json": firstItem(r.req.Input, nil),
			"data": r.req.Input,
		},
		"execution": map[string]any{
			"id":         r.execution.ID,
			"workflowId": r.execution.WorkflowID,
			"mode":       string(r.execution.Mode),
		},
		"vars": r.plan.workflow.Variables,
	}
}

// portOrder lists main first, then declared ports, then anything else sorted.
func portOrder(data models.PortData, declared []string) []string {
	seen := make(map[string]bool, len(data))
	ports := make([]string, 0, len(data))

	for _, port := range append([]string{models.MainPort}, declared...) {
		if _, ok := data[port]; ok && !seen[port] {
			seen[port] = true
			ports = append(ports, port)
		}
	}

	rest := make([]string, 0)

	for port := range data {
		if !seen[port] {
			rest = append(rest, port)
		}
	}

	sort.Strings(rest)

	return append(ports, rest...)
}

func firstItem(data models.PortData, declared []string) map[string]any {
	for _, port := range portOrder(data, declared) {
		if item := data.First(port); item != nil {
			return item
		}
	}

	return nil
}

func allItems(data models.PortData, declared []string) []any {
	items := make([]any, 0, data.Count())
	for _, item := range data.All(portOrder(data, declared)...) {
		items = append(items, map[string]any(item))
	}

	return items
}

func (r *run) cancel() (*models.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.execution.Status != models.ExecutionRunning {
		return nil, fmt.Errorf("%w: status is %s", ErrNotCancellable, r.execution.Status)
	}

	r.cancelled.Store(true)
	r.execution.Status = models.ExecutionCancelled
	r.logger.Info("Execution cancelled")

	return r.execution.Clone(), nil
}

func (r *run) snapshot() *models.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.execution.Clone()
}

// finalize records every reachable node that never ran, settles the status, writes the
// history record once and announces the end of the execution.
func (r *run) finalize() *models.Execution {
	reason := skipCancelled
	if errors.Is(r.ctxErr, context.DeadlineExceeded) {
		reason = skipTimedOut
	}

	for _, id := range r.plan.order {
		if !r.recorded[id] {
			r.skip(r.plan.nodes[id], nil, reason)
		}
	}

	r.mu.Lock()

	finishedAt := r.engine.now()
	r.execution.FinishedAt = &finishedAt

	switch {
	case r.execution.Status == models.ExecutionCancelled:
	case errors.Is(r.ctxErr, context.DeadlineExceeded):
		r.execution.Status = models.ExecutionError
		r.execution.Error = skipTimedOut
	case r.ctxErr != nil:
		r.execution.Status = models.ExecutionCancelled
	default:
		r.execution.Status = models.ExecutionSuccess

		for _, result := range r.execution.Results {
			if result.Status == models.NodeStatusError {
				r.execution.Status = models.ExecutionError
				r.execution.Error = fmt.Sprintf("node %s failed: %s", result.NodeID, result.Error.Message)

				break
			}
		}
	}

	final := r.execution.Clone()
	r.mu.Unlock()

	if r.engine.history != nil {
		if err := r.engine.history.SaveExecution(context.WithoutCancel(r.ctx), final); err != nil {
			r.logger.WithError(err).Error("Failed to save execution")
		}
	}

	event := r.event(models.EventExecutionFinished, string(final.Status))
	event.Error = final.Error
	r.engine.notifier.Publish(final.ID, event)

	r.engine.finished(final.ID)

	r.logger.WithField("status", final.Status).Info("Execution finished")

	return final
}
