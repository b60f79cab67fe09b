package engine

import (
	"time"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/protocol"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultNodeTimeout = 5 * time.Minute
	DefaultMaxParallel = 8
)

type Option func(*Engine)

func WithCredentials(resolver protocol.CredentialResolver) Option {
	return func(e *Engine) {
		e.credentials = resolver
	}
}

func WithNotifier(notifier protocol.Notifier) Option {
	return func(e *Engine) {
		e.notifier = notifier
	}
}

func WithLogger(logger *logrus.Entry) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// WithDefaultNodeTimeout applies when neither the node nor the workflow sets a timeout.
func WithDefaultNodeTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.defaultNodeTimeout = timeout
		}
	}
}

// WithMaxParallel bounds concurrent node invocations within one execution.
func WithMaxParallel(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		e.newID = newID
	}
}

// RunRequest describes one execution.
type RunRequest struct {
	Workflow *models.Workflow
	// StartNodeID defaults to the first node without incoming connections.
	StartNodeID string
	// Input is handed to the start node as is.
	Input   models.PortData
	Mode    models.TriggerKind
	ActorID string
	Options RunOptions
}

type RunOptions struct {
	// Timeout bounds the whole execution, zero means unbounded.
	Timeout time.Duration
	// Manual marks runs requested by a user rather than a trigger.
	Manual bool
}
