package services

import (
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/protocol"
)

// NodeTypeLister lists registered node types.
type NodeTypeLister interface {
	List() []protocol.NodeType
}

type NodeTypes struct {
	registry NodeTypeLister
}

func NewNodeTypes(registry NodeTypeLister) *NodeTypes {
	return &NodeTypes{registry: registry}
}

// List describes every registered node type, sorted by type key.
func (n *NodeTypes) List() []models.NodeTypeDescription {
	types := n.registry.List()

	descriptions := make([]models.NodeTypeDescription, 0, len(types))
	for _, nodeType := range types {
		descriptions = append(descriptions, nodeType.Describe())
	}

	return descriptions
}
