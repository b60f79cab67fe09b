package models

import "time"

// Node is one configured step of a workflow.
type Node struct {
	ID         string         `json:"id"                    validate:"required"`
	Type       string         `json:"type"                  validate:"required"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	// Credentials maps a slot name declared by the node type to a credential id.
	Credentials map[string]string `json:"credentials,omitempty"`
	Disabled    bool              `json:"disabled,omitempty"`
	Settings    NodeSettings      `json:"settings"`
}

// DisplayName returns the node name, or its id when it has none.
func (n *Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}

	return n.ID
}

// NodeSettings carries the per node failure policy.
type NodeSettings struct {
	ContinueOnFail bool  `json:"continueOnFail,omitempty"`
	MaxRetries     int   `json:"maxRetries,omitempty"     validate:"gte=0,lte=10"`
	RetryDelayMs   int64 `json:"retryDelayMs,omitempty"   validate:"gte=0"`
	TimeoutMs      int64 `json:"timeoutMs,omitempty"      validate:"gte=0"`
}

func (s NodeSettings) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMs) * time.Millisecond
}

func (s NodeSettings) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}
