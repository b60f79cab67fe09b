// Package models defines the workflow graph, trigger and execution models shared by every component.
package models

import "time"

// Workflow is a directed graph of nodes plus the triggers that start it.
type Workflow struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"                  validate:"required,min=3"`
	Description string           `json:"description"`
	Owner       string           `json:"owner"`
	Nodes       []*Node          `json:"nodes"                 validate:"required,min=1,dive,required"`
	Connections []*Connection    `json:"connections"           validate:"dive,required"`
	Triggers    []*Trigger       `json:"triggers"              validate:"dive,required"`
	Settings    WorkflowSettings `json:"settings"`
	Variables   map[string]any   `json:"variables,omitempty"`
	Active      bool             `json:"active"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// WorkflowSettings holds graph wide defaults.
type WorkflowSettings struct {
	// TimeoutMs is the node timeout used when a node does not set its own.
	TimeoutMs int64 `json:"timeoutMs,omitempty" validate:"gte=0"`
}

// NodeTimeout returns the workflow default node timeout, zero when unset.
func (s WorkflowSettings) NodeTimeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// NodeByID looks a node up by its id.
func (w *Workflow) NodeByID(id string) (*Node, bool) {
	for _, node := range w.Nodes {
		if node != nil && node.ID == id {
			return node, true
		}
	}

	return nil, false
}

// TriggerByNode returns the trigger bound to the given node, if any.
func (w *Workflow) TriggerByNode(nodeID string) (*Trigger, bool) {
	for _, trigger := range w.Triggers {
		if trigger != nil && trigger.NodeID == nodeID {
			return trigger, true
		}
	}

	return nil, false
}

// ActiveTriggers returns the triggers whose active flag is set.
func (w *Workflow) ActiveTriggers() []*Trigger {
	active := make([]*Trigger, 0, len(w.Triggers))

	for _, trigger := range w.Triggers {
		if trigger != nil && trigger.Active {
			active = append(active, trigger)
		}
	}

	return active
}
