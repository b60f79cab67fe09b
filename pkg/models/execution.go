package models

import "time"

// ExecutionStatus is the lifecycle state of one run.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionSuccess   ExecutionStatus = "SUCCESS"
	ExecutionError     ExecutionStatus = "ERROR"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// NodeStatus is the outcome of one node within one execution.
type NodeStatus string

const (
	NodeStatusSuccess NodeStatus = "success"
	NodeStatusError   NodeStatus = "error"
	NodeStatusSkipped NodeStatus = "skipped"
)

// Execution is one run of a workflow.
type Execution struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflowId"`
	Mode          TriggerKind     `json:"mode"`
	TriggerNodeID string          `json:"triggerNodeId"`
	ActorID       string          `json:"actorId,omitempty"`
	Status        ExecutionStatus `json:"status"`
	Error         string          `json:"error,omitempty"`
	StartedAt     time.Time       `json:"startedAt"`
	FinishedAt    *time.Time      `json:"finishedAt,omitempty"`
	// Results are appended in completion order.
	Results []*NodeExecutionResult `json:"results"`
}

// Finished reports whether the execution reached a terminal status.
func (e *Execution) Finished() bool {
	return e.Status != ExecutionRunning && e.FinishedAt != nil
}

// Result returns the recorded result for a node.
func (e *Execution) Result(nodeID string) (*NodeExecutionResult, bool) {
	for _, result := range e.Results {
		if result.NodeID == nodeID {
			return result, true
		}
	}

	return nil, false
}

// Clone copies the execution and its result slice. Results themselves are immutable once recorded.
func (e *Execution) Clone() *Execution {
	clone := *e
	clone.Results = append([]*NodeExecutionResult(nil), e.Results...)

	if e.FinishedAt != nil {
		finishedAt := *e.FinishedAt
		clone.FinishedAt = &finishedAt
	}

	return &clone
}

// NodeExecutionResult is the recorded outcome of one node.
type NodeExecutionResult struct {
	NodeID     string     `json:"nodeId"`
	NodeName   string     `json:"nodeName"`
	NodeType   string     `json:"nodeType"`
	Status     NodeStatus `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt"`
	Input      PortData   `json:"input,omitempty"`
	// Parameters is the resolved parameter snapshot with secrets redacted.
	Parameters map[string]any `json:"parameters,omitempty"`
	Data       PortData       `json:"data,omitempty"`
	Error      *NodeError     `json:"error,omitempty"`
	Retries    int            `json:"retries"`
	SkipReason string         `json:"skipReason,omitempty"`
}

type NodeError struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Timeout   bool   `json:"timeout,omitempty"`
}
