// Package services provides the orchestration facades the HTTP layer and the CLI use.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/conduit/pkg/dispatcher"
	"github.com/dukex/conduit/pkg/engine"
	"github.com/dukex/conduit/pkg/persistence"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest = errors.New("invalid request")
	ErrEmptyOwnerID   = errors.New("owner ID cannot be empty")
	ErrWorkflowNil    = errors.New("workflow cannot be nil")

	// Lookup Errors (404 Not Found).
	ErrWorkflowNotFound  = persistence.ErrWorkflowNotFound
	ErrExecutionNotFound = persistence.ErrExecutionNotFound

	// Business Logic Conflicts (409 Conflict).
	ErrWorkflowActive = errors.New("workflow is active")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrEmptyOwnerID) ||
		errors.Is(err, ErrWorkflowNil) ||
		errors.Is(err, engine.ErrInvalidWorkflow) ||
		errors.Is(err, dispatcher.ErrInvalidTrigger) ||
		errors.Is(err, dispatcher.ErrPayloadInvalid)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrWorkflowActive) ||
		errors.Is(err, dispatcher.ErrWebhookConflict) ||
		errors.Is(err, dispatcher.ErrWorkflowInactive)
}

// IsNotFound checks if an error should return HTTP 404.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, dispatcher.ErrWebhookNotFound)
}

// IsNotCancellable reports a cancellation that arrived after the execution finished.
func IsNotCancellable(err error) bool {
	return errors.Is(err, engine.ErrNotCancellable)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
