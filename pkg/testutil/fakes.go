package testutil

import (
	"context"
	"sync"

	"github.com/dukex/conduit/pkg/credentials"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/dukex/conduit/pkg/protocol"
)

// FuncNode is a node type whose handler is a plain function.
type FuncNode struct {
	Desc models.NodeTypeDescription
	Fn   func(ctx context.Context, req protocol.ExecuteRequest) (models.PortData, error)
}

// NewFuncNode declares a node type with a main input and output.
func NewFuncNode(typeKey string, fn func(ctx context.Context, req protocol.ExecuteRequest) (models.PortData, error)) *FuncNode {
	return &FuncNode{
		Desc: models.NodeTypeDescription{
			Type:        typeKey,
			DisplayName: typeKey,
			Inputs:      []models.InputPortSpec{{Name: models.MainPort}},
			Outputs:     []string{models.MainPort},
			Properties:  &models.JSONSchema{Type: "object", Properties: map[string]*models.Property{}},
		},
		Fn: fn,
	}
}

// PassThrough returns a node type that forwards its main input.
func PassThrough(typeKey string) *FuncNode {
	return NewFuncNode(typeKey, func(_ context.Context, req protocol.ExecuteRequest) (models.PortData, error) {
		return models.PortData{models.MainPort: req.Input[models.MainPort]}, nil
	})
}

// Emit returns a node type that always outputs items on main.
func Emit(typeKey string, items models.Items) *FuncNode {
	return NewFuncNode(typeKey, func(context.Context, protocol.ExecuteRequest) (models.PortData, error) {
		return models.PortData{models.MainPort: items}, nil
	})
}

// Fail returns a node type that always fails with err.
func Fail(typeKey string, err error) *FuncNode {
	return NewFuncNode(typeKey, func(context.Context, protocol.ExecuteRequest) (models.PortData, error) {
		return nil, err
	})
}

func (f *FuncNode) Describe() models.NodeTypeDescription {
	return f.Desc
}

func (f *FuncNode) Execute(ctx context.Context, req protocol.ExecuteRequest) (models.PortData, error) {
	return f.Fn(ctx, req)
}

// Types is a fixed node type lookup.
type Types map[string]protocol.NodeType

func NewTypes(nodeTypes ...protocol.NodeType) Types {
	types := make(Types, len(nodeTypes))
	for _, nodeType := range nodeTypes {
		types[nodeType.Describe().Type] = nodeType
	}

	return types
}

func (t Types) Get(typeKey string) (protocol.NodeType, bool) {
	nodeType, ok := t[typeKey]

	return nodeType, ok
}

// History is an in-memory execution history store that counts writes.
type History struct {
	mu         sync.Mutex
	executions map[string]*models.Execution
	saves      map[string]int
}

func NewHistory() *History {
	return &History{
		executions: map[string]*models.Execution{},
		saves:      map[string]int{},
	}
}

func (h *History) SaveExecution(_ context.Context, execution *models.Execution) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.executions[execution.ID] = execution
	h.saves[execution.ID]++

	return nil
}

func (h *History) ExecutionByID(_ context.Context, id string) (*models.Execution, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	execution, ok := h.executions[id]
	if !ok {
		return nil, persistence.NewExecutionError("get", id, persistence.ErrExecutionNotFound)
	}

	return execution, nil
}

func (h *History) ExecutionsByWorkflow(_ context.Context, workflowID string, limit int) ([]*models.Execution, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	executions := make([]*models.Execution, 0)

	for _, execution := range h.executions {
		if execution.WorkflowID == workflowID {
			executions = append(executions, execution)
		}
	}

	if limit > 0 && len(executions) > limit {
		executions = executions[:limit]
	}

	return executions, nil
}

// Saves reports how many times an execution was written.
func (h *History) Saves(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.saves[id]
}

// Events records every published execution event.
type Events struct {
	mu     sync.Mutex
	events []models.ExecutionEvent
}

func (e *Events) Publish(_ string, event models.ExecutionEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.events = append(e.events, event)
}

func (e *Events) All() []models.ExecutionEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]models.ExecutionEvent(nil), e.events...)
}

// Secrets is a credential resolver backed by a fixed map of bags keyed by id.
type Secrets struct {
	Bags  map[string]map[string]any
	Owner string
	Err   error
}

func (s *Secrets) Resolve(_ context.Context, credentialID, actingUserID string) (map[string]any, error) {
	if s.Err != nil {
		return nil, s.Err
	}

	bag, ok := s.Bags[credentialID]
	if !ok {
		return nil, credentials.ErrNotFound
	}

	if s.Owner != "" && s.Owner != actingUserID {
		return nil, credentials.ErrForbidden
	}

	return bag, nil
}
