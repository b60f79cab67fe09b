package models

import "time"

// ExecutionEventType names a status transition pushed to observers.
type ExecutionEventType string

const (
	EventExecutionStarted  ExecutionEventType = "execution.started"
	EventNodeStarted       ExecutionEventType = "node.started"
	EventNodeFinished      ExecutionEventType = "node.finished"
	EventExecutionFinished ExecutionEventType = "execution.finished"
)

// ExecutionEvent never carries parameters or secrets, only status and counts.
type ExecutionEvent struct {
	Type        ExecutionEventType `json:"type"`
	ExecutionID string             `json:"executionId"`
	WorkflowID  string             `json:"workflowId"`
	NodeID      string             `json:"nodeId,omitempty"`
	Status      string             `json:"status,omitempty"`
	Error       string             `json:"error,omitempty"`
	Retries     int                `json:"retries,omitempty"`
	ItemCount   int                `json:"itemCount,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

// Terminal reports whether this event closes the execution stream.
func (e ExecutionEvent) Terminal() bool {
	return e.Type == EventExecutionFinished
}
