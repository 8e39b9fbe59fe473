package graph

import (
	"context"
	"fmt"
	"time"

	"quantgraph/internal/market"
	"quantgraph/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
)

// Result is the outcome of one graph execution. Failures are local: a
// failed node poisons its downstream subtree, including optional inputs,
// while a node that merely produced no data leaves optional consumers to
// run on their other inputs.
type Result struct {
	// Order is the evaluation order used
	Order []NodeID
	// Outputs holds each evaluated node's output values, nil where absent
	Outputs map[NodeID][]Value
	// Signals holds what each terminal node emitted
	Signals map[NodeID]Weights
	// Skipped lists nodes not run because a required input had no data or
	// an upstream node failed
	Skipped  []NodeID
	Failures []*NodeExecutionError
}

// Err aggregates node failures, nil when every node succeeded
func (r *Result) Err() error {
	var err error
	for _, f := range r.Failures {
		err = multierr.Append(err, f)
	}
	return err
}

// Signal returns the signal of the first terminal node, in evaluation
// order, that produced one.
func (r *Result) Signal() (Weights, bool) {
	for _, id := range r.Order {
		if w, ok := r.Signals[id]; ok {
			return w, true
		}
	}
	return nil, false
}

// Failed reports whether id failed
func (r *Result) Failed(id NodeID) bool {
	for _, f := range r.Failures {
		if f.Node == id {
			return true
		}
	}
	return false
}

// Execute evaluates every node once against snap
func (g *Graph) Execute(snap *market.Snapshot) *Result {
	return g.ExecuteContext(context.Background(), snap)
}

// ExecuteContext is Execute with a context for tracing. Evaluation itself
// is synchronous and does not observe cancellation.
func (g *Graph) ExecuteContext(ctx context.Context, snap *market.Snapshot) *Result {
	start := time.Now()
	ctx, span := telemetry.GetTracer("strategy-graph").Start(ctx, "graph.execute",
		trace.WithAttributes(attribute.Int("graph.nodes", len(g.nodes))))
	defer span.End()

	res := &Result{
		Order:   g.TopologicalOrder(),
		Outputs: make(map[NodeID][]Value, len(g.nodes)),
		Signals: make(map[NodeID]Weights),
	}

	// failed nodes and everything fed by one
	poisoned := make(map[NodeID]bool)

	for _, id := range res.Order {
		entry := g.nodes[id]
		if g.fedByPoisoned(entry, poisoned) {
			poisoned[id] = true
			res.Skipped = append(res.Skipped, id)
			g.logger.Debug("Node skipped, an upstream node failed", "node", id, "type", entry.node.Type())
			continue
		}
		inputs, ready := g.gatherInputs(entry, res.Outputs)
		if !ready {
			res.Skipped = append(res.Skipped, id)
			g.logger.Debug("Node skipped, required input has no data", "node", id, "type", entry.node.Type())
			continue
		}

		ec := &ExecContext{
			Node:     id,
			Snapshot: snap,
			Logger:   g.logger.WithField("node", id),
		}
		outputs, err := g.runNode(ec, entry, inputs)
		if err != nil {
			nodeErr := &NodeExecutionError{Node: id, NodeType: entry.node.Type(), Err: err}
			res.Failures = append(res.Failures, nodeErr)
			poisoned[id] = true
			g.logger.Warn("Node execution failed", "node", id, "type", entry.node.Type(), "error", err)
			continue
		}
		res.Outputs[id] = outputs

		if w, ok := asWeights(ec.emitted); ok {
			res.Signals[id] = w
		}
	}

	failedTypes := make([]string, 0, len(res.Failures))
	for _, f := range res.Failures {
		failedTypes = append(failedTypes, f.NodeType)
	}
	g.metrics.RecordGraphExecution(ctx, float64(time.Since(start).Microseconds())/1000, failedTypes)
	span.SetAttributes(
		attribute.Int("graph.failures", len(res.Failures)),
		attribute.Int("graph.skipped", len(res.Skipped)),
		attribute.Int("graph.signals", len(res.Signals)),
	)
	return res
}

// fedByPoisoned reports whether any connected input of entry comes from a
// poisoned node, optional slots included
func (g *Graph) fedByPoisoned(entry *nodeEntry, poisoned map[NodeID]bool) bool {
	if len(poisoned) == 0 {
		return false
	}
	for i := range entry.node.Inputs() {
		if eid, ok := g.inputs[inputKey{node: entry.id, slot: i}]; ok && poisoned[g.edges[eid].From] {
			return true
		}
	}
	return false
}

// gatherInputs collects one value per input slot. It reports false when a
// required slot has no data.
func (g *Graph) gatherInputs(entry *nodeEntry, outputs map[NodeID][]Value) ([]Value, bool) {
	slots := entry.node.Inputs()
	inputs := make([]Value, len(slots))
	for i, slot := range slots {
		var v Value
		if eid, ok := g.inputs[inputKey{node: entry.id, slot: i}]; ok {
			e := g.edges[eid]
			if outs, ok := outputs[e.From]; ok && e.FromSlot < len(outs) {
				v = outs[e.FromSlot]
			}
		}
		if isAbsent(v) {
			v = nil
			if !slot.Optional {
				return nil, false
			}
		}
		inputs[i] = v
	}
	return inputs, true
}

func (g *Graph) runNode(ec *ExecContext, entry *nodeEntry, inputs []Value) (outputs []Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			outputs = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	outputs, err = entry.node.Execute(ec, inputs)
	if err != nil {
		return nil, err
	}

	slots := entry.node.Outputs()
	if len(outputs) > len(slots) {
		return nil, fmt.Errorf("returned %d outputs for %d slots", len(outputs), len(slots))
	}
	normalized := make([]Value, len(slots))
	for i, v := range outputs {
		if isAbsent(v) {
			continue
		}
		if !slots[i].Type.Accepts(v.SlotType()) {
			return nil, fmt.Errorf("output %d: produced %s for a %s slot", i, v.SlotType(), slots[i].Type)
		}
		normalized[i] = v
	}
	return normalized, nil
}

func isAbsent(v Value) bool {
	switch val := v.(type) {
	case nil:
		return true
	case *StockPool:
		return val == nil
	case *Selection:
		return val == nil
	case Weights:
		return val == nil
	default:
		return false
	}
}

func asWeights(v Value) (Weights, bool) {
	if isAbsent(v) {
		return nil, false
	}
	w, ok := v.(Weights)
	return w, ok
}
