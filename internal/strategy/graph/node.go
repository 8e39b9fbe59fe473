package graph

import (
	"fmt"
	"sort"
	"sync"

	"quantgraph/internal/core"
	"quantgraph/internal/market"
	apperrors "quantgraph/pkg/errors"
)

// Node is one step of a strategy. Implementations keep their configuration
// in a typed properties record and must be deterministic given the same
// inputs and snapshot.
type Node interface {
	Type() string
	Inputs() []Slot
	Outputs() []Slot
	// Properties returns the current configuration keyed by editor name
	Properties() map[string]interface{}
	// SetProperty validates and assigns one property
	SetProperty(name string, value interface{}) error
	// Execute receives one value per input slot, nil where absent, and
	// returns one value per output slot.
	Execute(ctx *ExecContext, inputs []Value) ([]Value, error)
}

// ExecContext is what a node sees of the execution it runs in
type ExecContext struct {
	Node     NodeID
	Snapshot *market.Snapshot
	Logger   core.ILogger

	emitted Value
}

// Emit publishes v as the node's externally observable result. Terminal
// nodes use it in place of an output slot.
func (c *ExecContext) Emit(v Value) {
	c.emitted = v
}

// Factory creates a node with default properties
type Factory func() Node

// Registry maps node type names to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a node type. Registering a name twice is an error.
func (r *Registry) Register(typeName string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[typeName]; exists {
		return fmt.Errorf("node type %q already registered", typeName)
	}
	r.factories[typeName] = f
	return nil
}

// Create instantiates a node of typeName
func (r *Registry) Create(typeName string) (Node, error) {
	r.mu.RLock()
	f, ok := r.factories[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownNodeType, typeName)
	}
	return f(), nil
}

// Types lists registered type names in ascending order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
