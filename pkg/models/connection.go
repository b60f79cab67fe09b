package models

// Connection is a directed data edge between two node ports.
type Connection struct {
	SourceNodeID string `json:"sourceNodeId" validate:"required"`
	SourcePort   string `json:"sourcePort"   validate:"required"`
	TargetNodeID string `json:"targetNodeId" validate:"required"`
	TargetPort   string `json:"targetPort"   validate:"required"`
}

func (c *Connection) String() string {
	return MakePortID(c.SourceNodeID, c.SourcePort) + " -> " + MakePortID(c.TargetNodeID, c.TargetPort)
}
