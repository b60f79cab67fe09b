package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/otelhelper"
	"github.com/dukex/conduit/pkg/protocol"
	"github.com/dukex/conduit/pkg/template"
	"github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

var errNoCredentialResolver = errors.New("no credential resolver configured")

type outcome struct {
	data models.PortData
	err  error
}

// invoke runs one node on its own goroutine and always reports back on r.completions.
func (r *run) invoke(pn *planNode, input models.PortData, data map[string]any) {
	nodeID := pn.node.ID

	select {
	case r.sem <- struct{}{}:
	case <-r.ctx.Done():
		r.completions <- completion{nodeID: nodeID}

		return
	}

	defer func() { <-r.sem }()

	if r.stopped() {
		r.completions <- completion{nodeID: nodeID}

		return
	}

	result := &models.NodeExecutionResult{
		NodeID:    nodeID,
		NodeName:  pn.node.DisplayName(),
		NodeType:  pn.node.Type,
		StartedAt: r.engine.now(),
		Input:     input,
	}

	started := r.event(models.EventNodeStarted, "")
	started.NodeID = nodeID
	r.engine.notifier.Publish(r.execution.ID, started)

	ctx, span := otelhelper.StartSpan(r.ctx, r.engine.tracer, "engine.node",
		attribute.String(otelhelper.ExecutionIDKey, r.execution.ID),
		attribute.String(otelhelper.NodeIDKey, nodeID),
		attribute.String(otelhelper.NodeTypeKey, pn.node.Type),
	)
	defer span.End()

	logger := r.logger.WithFields(logrus.Fields{
		"node_id":   nodeID,
		"node_type": pn.node.Type,
	})

	output, retries, err := r.attempt(ctx, pn, input, data, result, logger)

	result.Retries = retries
	result.FinishedAt = r.engine.now()
	span.SetAttributes(attribute.Int(otelhelper.NodeAttemptKey, retries+1))

	switch {
	case err == nil:
		result.Status = models.NodeStatusSuccess
		result.Data = output
	case pn.node.Settings.ContinueOnFail:
		otelhelper.SetError(span, err)
		logger.WithError(err).Warn("Node failed, continuing with error output")

		result.Status = models.NodeStatusSuccess
		result.Data = errorOutput(pn.desc.Outputs, err)
	default:
		otelhelper.SetError(span, err)
		logger.WithError(err).WithField("retries", retries).Error("Node failed")

		result.Status = models.NodeStatusError
		result.Error = &models.NodeError{
			Message:   err.Error(),
			Retryable: protocol.IsRetryable(err),
			Timeout:   protocol.IsTimeout(err),
		}
	}

	r.completions <- completion{nodeID: nodeID, result: result}
}

// attempt resolves parameters once and calls the handler until it succeeds, fails
// permanently or runs out of retries. It returns the number of retries consumed.
func (r *run) attempt(
	ctx context.Context,
	pn *planNode,
	input models.PortData,
	data map[string]any,
	result *models.NodeExecutionResult,
	logger *logrus.Entry,
) (models.PortData, int, error) {
	secrets, err := r.resolveCredentials(ctx, pn)
	if err != nil {
		return nil, 0, protocol.Permanent(err)
	}

	resolution, err := template.Resolve(pn.node.Parameters, data, secrets)
	if err != nil {
		return nil, 0, protocol.Permanent(fmt.Errorf("failed to resolve parameters: %w", err))
	}

	applyDefaults(pn.desc.Properties, resolution)
	result.Parameters = resolution.Snapshot

	if err := checkPropertyTypes(pn.desc.Properties, resolution.Parameters); err != nil {
		return nil, 0, protocol.Permanent(err)
	}

	req := protocol.ExecuteRequest{
		ExecutionID: r.execution.ID,
		WorkflowID:  r.execution.WorkflowID,
		NodeID:      pn.node.ID,
		Parameters:  resolution.Parameters,
		Input:       input,
		Credentials: secrets,
		Logger:      logger,
	}

	settings := pn.node.Settings

	for attempt := 0; ; attempt++ {
		output, err := r.call(ctx, pn, req)
		if err == nil {
			return output, attempt, nil
		}

		if attempt >= settings.MaxRetries || !protocol.IsRetryable(err) || r.stopped() {
			return nil, attempt, err
		}

		logger.WithError(err).WithField("attempt", attempt+1).Warn("Retrying node")

		if delay := settings.RetryDelay(); delay > 0 {
			timer := time.NewTimer(delay)

			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()

				return nil, attempt, err
			}
		}
	}
}

// call invokes the handler under a hard deadline. A handler that ignores its context is
// abandoned when the deadline passes.
func (r *run) call(ctx context.Context, pn *planNode, req protocol.ExecuteRequest) (models.PortData, error) {
	timeout := r.nodeTimeout(pn)

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: protocol.Permanent(fmt.Errorf("node panicked: %v", p))}
			}
		}()

		output, err := pn.nodeType.Execute(callCtx, req)
		done <- outcome{data: output, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}

		return o.data, checkOutputs(pn.desc, o.data)
	case <-callCtx.Done():
		return nil, fmt.Errorf("node did not finish within %s: %w", timeout, callCtx.Err())
	}
}

func (r *run) nodeTimeout(pn *planNode) time.Duration {
	if timeout := pn.node.Settings.Timeout(); timeout > 0 {
		return timeout
	}

	if timeout := r.plan.workflow.Settings.NodeTimeout(); timeout > 0 {
		return timeout
	}

	return r.engine.defaultNodeTimeout
}

// resolveCredentials decrypts every credential the node references for this invocation
// only. Any failure fails the whole lookup.
func (r *run) resolveCredentials(ctx context.Context, pn *planNode) (protocol.Secrets, error) {
	if len(pn.node.Credentials) == 0 {
		return protocol.Secrets{}, nil
	}

	if r.engine.credentials == nil {
		return nil, errNoCredentialResolver
	}

	actor := r.req.ActorID
	if actor == "" {
		actor = r.plan.workflow.Owner
	}

	secrets := make(protocol.Secrets, len(pn.node.Credentials))

	for slot, credentialID := range pn.node.Credentials {
		bag, err := r.engine.credentials.Resolve(ctx, credentialID, actor)
		if err != nil {
			return nil, fmt.Errorf("credential %q for slot %q: %w", credentialID, slot, err)
		}

		secrets[slot] = bag
	}

	return secrets, nil
}

func applyDefaults(schema *models.JSONSchema, resolution *template.Resolution) {
	if schema == nil {
		return
	}

	for name, prop := range schema.Properties {
		if prop == nil || prop.Default == nil {
			continue
		}

		if _, ok := resolution.Parameters[name]; ok {
			continue
		}

		resolution.Parameters[name] = prop.Default
		resolution.Snapshot[name] = prop.Default
	}
}

func checkPropertyTypes(schema *models.JSONSchema, params map[string]any) error {
	if schema == nil {
		return nil
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("failed to validate parameters: %w", err)
	}

	if !result.Valid() {
		return fmt.Errorf("invalid parameters: %s", describeSchemaErrors(result.Errors()))
	}

	return nil
}

func checkOutputs(desc models.NodeTypeDescription, output models.PortData) error {
	for port := range output {
		if !desc.HasOutput(port) {
			return protocol.Permanent(fmt.Errorf("node emitted undeclared output port %q", port))
		}
	}

	return nil
}

// errorOutput is the data a continueOnFail node hands downstream in place of its output.
func errorOutput(outputs []string, err error) models.PortData {
	data := make(models.PortData, len(outputs))
	for _, port := range outputs {
		data[port] = models.Items{{"error": err.Error()}}
	}

	return data
}
