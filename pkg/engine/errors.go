package engine

import (
	"errors"
	"fmt"
)

// ErrInvalidWorkflow is matched by every ValidationError.
var ErrInvalidWorkflow = errors.New("invalid workflow")

var (
	ErrDanglingConnection      = errors.New("connection references a missing node")
	ErrUnknownNodeType         = errors.New("unknown node type")
	ErrUnknownPort             = errors.New("unknown port")
	ErrMissingRequiredInput    = errors.New("required input port has no incoming connection")
	ErrMissingRequiredProperty = errors.New("missing required property")
	ErrCycle                   = errors.New("workflow contains a cycle")
	ErrStartNodeNotFound       = errors.New("start node not found")
	ErrDuplicateNodeID         = errors.New("duplicate node id")
)

var (
	ErrExecutionNotRunning = errors.New("execution is not running")
	ErrNotCancellable      = errors.New("execution is not cancellable")
)

// ValidationError rejects a workflow before any execution is created.
type ValidationError struct {
	Reason string
	NodeID string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrInvalidWorkflow, e.Err)
	if e.NodeID != "" {
		msg += fmt.Sprintf(" (node %s)", e.NodeID)
	}

	if e.Reason != "" {
		msg += ": " + e.Reason
	}

	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidWorkflow || errors.Is(e.Err, target)
}

func invalid(err error, nodeID, reason string, args ...any) *ValidationError {
	return &ValidationError{Err: err, NodeID: nodeID, Reason: fmt.Sprintf(reason, args...)}
}

func IsValidationError(err error) bool {
	var validationErr *ValidationError

	return errors.As(err, &validationErr)
}
