// Package protocol defines the contracts between the engine and its collaborators.
package protocol

import (
	"context"

	"github.com/dukex/conduit/pkg/models"
	"github.com/sirupsen/logrus"
)

// NodeType is a capability bundle: a declarative description plus a handler.
type NodeType interface {
	// Describe returns the ports and configurable properties of the type.
	Describe() models.NodeTypeDescription

	// Execute runs the handler for one node invocation. Returning an error wrapped with
	// Permanent disables retries for that invocation.
	Execute(ctx context.Context, req ExecuteRequest) (models.PortData, error)
}

// ExecuteRequest is everything a handler receives for one invocation.
type ExecuteRequest struct {
	ExecutionID string
	WorkflowID  string
	NodeID      string
	// Parameters are already resolved against upstream data.
	Parameters map[string]any
	Input      models.PortData
	// Credentials holds decrypted secret bags by slot for this invocation only.
	Credentials Secrets
	Logger      *logrus.Entry
}

// Secrets maps a credential slot to its decrypted secret bag.
type Secrets map[string]map[string]any

// Value returns a single secret field.
func (s Secrets) Value(slot, key string) (any, bool) {
	bag, ok := s[slot]
	if !ok {
		return nil, false
	}

	value, ok := bag[key]

	return value, ok
}

// String returns a secret field as a string, empty when absent or not a string.
func (s Secrets) String(slot, key string) string {
	value, _ := s.Value(slot, key)
	str, _ := value.(string)

	return str
}
