// Package registry holds the node types known to the engine.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dukex/conduit/pkg/nodes"
	"github.com/dukex/conduit/pkg/protocol"
	"github.com/sirupsen/logrus"
)

var ErrInvalidNodeType = errors.New("invalid node type")

// Registry maps type keys to node types. Writers are serialized, readers run concurrently.
type Registry struct {
	logger *logrus.Entry
	mu     sync.RWMutex
	types  map[string]protocol.NodeType
}

func New(logger *logrus.Entry) *Registry {
	return &Registry{
		logger: logger,
		types:  make(map[string]protocol.NodeType),
	}
}

// Register adds nodeType under its described type key, replacing any previous definition.
// Executions that already captured the old definition keep using it.
func (r *Registry) Register(nodeType protocol.NodeType) error {
	if nodeType == nil {
		return fmt.Errorf("%w: nil", ErrInvalidNodeType)
	}

	key := nodeType.Describe().Type
	if key == "" {
		return fmt.Errorf("%w: empty type key", ErrInvalidNodeType)
	}

	r.mu.Lock()
	_, replaced := r.types[key]
	r.types[key] = nodeType
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{"type": key, "replaced": replaced}).Debug("Registered node type")

	return nil
}

func (r *Registry) Unregister(typeKey string) {
	r.mu.Lock()
	delete(r.types, typeKey)
	r.mu.Unlock()

	r.logger.WithField("type", typeKey).Debug("Unregistered node type")
}

func (r *Registry) Get(typeKey string) (protocol.NodeType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodeType, ok := r.types[typeKey]

	return nodeType, ok
}

// List returns the registered node types sorted by type key.
func (r *Registry) List() []protocol.NodeType {
	r.mu.RLock()

	keys := make([]string, 0, len(r.types))
	for key := range r.types {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	list := make([]protocol.NodeType, 0, len(keys))
	for _, key := range keys {
		list = append(list, r.types[key])
	}

	r.mu.RUnlock()

	return list
}

// Snapshot copies the current key to type mapping.
func (r *Registry) Snapshot() map[string]protocol.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]protocol.NodeType, len(r.types))
	for key, nodeType := range r.types {
		snapshot[key] = nodeType
	}

	return snapshot
}

// RegisterDefaultNodes registers every built-in node type.
func (r *Registry) RegisterDefaultNodes() {
	for _, nodeType := range nodes.Catalog() {
		// Built-ins always carry a type key.
		_ = r.Register(nodeType)
	}
}
