package dispatcher

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrWebhookNotFound  = errors.New("webhook not found")
	ErrMethodNotAllowed = errors.New("method not allowed for webhook")
	ErrUnauthorized     = errors.New("webhook credential missing")
	ErrForbidden        = errors.New("webhook credential rejected")
	ErrWebhookConflict  = errors.New("webhook id already registered")
	ErrWorkflowInactive = errors.New("workflow is not active")
	ErrPayloadInvalid   = errors.New("webhook payload is invalid")
	ErrInvalidTrigger   = errors.New("invalid trigger")
)

// TriggerError reports a trigger that could not be registered.
type TriggerError struct {
	Op         string
	WorkflowID string
	TriggerID  string
	Err        error
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("%s trigger %s of workflow %s: %v", e.Op, e.TriggerID, e.WorkflowID, e.Err)
}

func (e *TriggerError) Unwrap() error {
	return e.Err
}

// PayloadError lists why a webhook body failed its schema.
type PayloadError struct {
	WebhookID string
	Details   []string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("%s: %s", ErrPayloadInvalid, strings.Join(e.Details, "; "))
}

func (e *PayloadError) Is(target error) bool {
	return target == ErrPayloadInvalid
}

// IsRejected reports whether err rejected an inbound request before any execution was
// created.
func IsRejected(err error) bool {
	return errors.Is(err, ErrWebhookNotFound) ||
		errors.Is(err, ErrMethodNotAllowed) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrPayloadInvalid) ||
		errors.Is(err, ErrWorkflowInactive)
}
