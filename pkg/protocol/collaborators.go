package protocol

import (
	"context"

	"github.com/dukex/conduit/pkg/models"
)

// CredentialResolver returns decrypted secret material for a single call.
// Implementations fail with a not found or forbidden error and never return partial data.
type CredentialResolver interface {
	Resolve(ctx context.Context, credentialID, actingUserID string) (map[string]any, error)
}

// Notifier pushes execution status transitions to live observers. Publish must not block
// and must not fail the caller when nobody is listening.
type Notifier interface {
	Publish(executionID string, event models.ExecutionEvent)
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Publish(string, models.ExecutionEvent) {}
