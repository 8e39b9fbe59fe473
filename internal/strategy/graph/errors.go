package graph

import (
	"fmt"

	apperrors "quantgraph/pkg/errors"
)

// CycleError rejects an edge that would close a cycle
type CycleError struct {
	From NodeID
	To   NodeID
}

func (e *CycleError) Error() string {
	if e.From == e.To {
		return fmt.Sprintf("graph cycle: node %d cannot feed itself", e.From)
	}
	return fmt.Sprintf("graph cycle: node %d is reachable from node %d", e.From, e.To)
}

func (e *CycleError) Unwrap() error { return apperrors.ErrCycle }

// TypeMismatchError rejects an edge between incompatible slots
type TypeMismatchError struct {
	From     NodeID
	FromSlot int
	FromType SlotType
	To       NodeID
	ToSlot   int
	ToType   SlotType
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("slot type mismatch: %d[%d] (%s) -> %d[%d] (%s)",
		e.From, e.FromSlot, e.FromType, e.To, e.ToSlot, e.ToType)
}

func (e *TypeMismatchError) Unwrap() error { return apperrors.ErrTypeMismatch }

// NodeExecutionError records one node's failure during Execute
type NodeExecutionError struct {
	Node     NodeID
	NodeType string
	Err      error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %d (%s) failed: %v", e.Node, e.NodeType, e.Err)
}

// Unwrap exposes both the sentinel and the node's own error
func (e *NodeExecutionError) Unwrap() []error {
	return []error{apperrors.ErrNodeExecution, e.Err}
}

func invalidGraph(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", apperrors.ErrInvalidGraph, fmt.Sprintf(format, args...))
}
