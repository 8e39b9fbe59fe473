// Package graph implements strategy graphs: typed nodes wired output slot
// to input slot, kept acyclic on every edit and evaluated in topological
// order with absence propagation.
package graph

import (
	"sort"

	"quantgraph/internal/core"
	"quantgraph/pkg/logging"
	"quantgraph/pkg/telemetry"
)

// NodeID identifies a node for the lifetime of a graph, including across
// serialization
type NodeID int

// EdgeID identifies an edge
type EdgeID int

// Edge connects an output slot to an input slot
type Edge struct {
	ID       EdgeID   `json:"id"`
	From     NodeID   `json:"from"`
	FromSlot int      `json:"from_slot"`
	To       NodeID   `json:"to"`
	ToSlot   int      `json:"to_slot"`
	Type     SlotType `json:"type"`
}

// Layout is editor metadata carried opaquely
type Layout struct {
	Pos  []float64
	Size []float64
}

type nodeEntry struct {
	id     NodeID
	node   Node
	rank   int
	layout Layout
}

type inputKey struct {
	node NodeID
	slot int
}

// Graph is a DAG of nodes. It is not safe for concurrent use; concurrent
// runs each need their own graph (see Clone).
type Graph struct {
	registry   *Registry
	baseLogger core.ILogger
	logger     core.ILogger
	metrics    *telemetry.MetricsHolder

	nodes    map[NodeID]*nodeEntry
	order    []NodeID
	edges    map[EdgeID]*Edge
	inputs   map[inputKey]EdgeID
	nextNode NodeID
	nextEdge EdgeID
	nextRank int
}

// Option configures a Graph
type Option func(*Graph)

// WithLogger sets the graph's logger
func WithLogger(logger core.ILogger) Option {
	return func(g *Graph) {
		g.logger = logger
	}
}

// New creates an empty graph resolving node types through reg
func New(reg *Registry, opts ...Option) *Graph {
	g := &Graph{
		registry: reg,
		logger:   logging.NewNopLogger(),
		metrics:  telemetry.GetGlobalMetrics(),
		nodes:    make(map[NodeID]*nodeEntry),
		edges:    make(map[EdgeID]*Edge),
		inputs:   make(map[inputKey]EdgeID),
		nextNode: 1,
		nextEdge: 1,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.baseLogger = g.logger
	g.logger = g.logger.WithField("component", "strategy_graph")
	return g
}

// Registry returns the node type registry
func (g *Graph) Registry() *Registry {
	return g.registry
}

// AddNode inserts n and returns its new id
func (g *Graph) AddNode(n Node) NodeID {
	id := g.nextNode
	g.insert(id, n, Layout{})
	return id
}

// AddNodeOfType creates a node from the registry and inserts it
func (g *Graph) AddNodeOfType(typeName string) (NodeID, error) {
	n, err := g.registry.Create(typeName)
	if err != nil {
		return 0, err
	}
	return g.AddNode(n), nil
}

func (g *Graph) insert(id NodeID, n Node, layout Layout) {
	g.nodes[id] = &nodeEntry{id: id, node: n, rank: g.nextRank, layout: layout}
	g.order = append(g.order, id)
	g.nextRank++
	if id >= g.nextNode {
		g.nextNode = id + 1
	}
}

// RemoveNode deletes the node and every edge touching it
func (g *Graph) RemoveNode(id NodeID) bool {
	if _, ok := g.nodes[id]; !ok {
		return false
	}
	for eid, e := range g.edges {
		if e.From == id || e.To == id {
			g.removeEdge(eid)
		}
	}
	delete(g.nodes, id)
	for i, nid := range g.order {
		if nid == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	return true
}

// Node returns the node with id
func (g *Graph) Node(id NodeID) (Node, bool) {
	e, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	return e.node, true
}

// NodeIDs lists nodes in insertion order
func (g *Graph) NodeIDs() []NodeID {
	out := make([]NodeID, len(g.order))
	copy(out, g.order)
	return out
}

// Len is the number of nodes
func (g *Graph) Len() int {
	return len(g.nodes)
}

// SetLayout stores editor position metadata for id
func (g *Graph) SetLayout(id NodeID, layout Layout) bool {
	e, ok := g.nodes[id]
	if !ok {
		return false
	}
	e.layout = layout
	return true
}

// Layout returns the editor metadata of id
func (g *Graph) Layout(id NodeID) Layout {
	if e, ok := g.nodes[id]; ok {
		return e.layout
	}
	return Layout{}
}

// Connect adds an edge from an output slot to an input slot. An input
// holds at most one edge: connecting an occupied input replaces its edge.
// On error the edge set is unchanged.
func (g *Graph) Connect(from NodeID, fromSlot int, to NodeID, toSlot int) (EdgeID, error) {
	src, ok := g.nodes[from]
	if !ok {
		return 0, invalidGraph("unknown source node %d", from)
	}
	dst, ok := g.nodes[to]
	if !ok {
		return 0, invalidGraph("unknown target node %d", to)
	}
	outs := src.node.Outputs()
	if fromSlot < 0 || fromSlot >= len(outs) {
		return 0, invalidGraph("node %d (%s) has no output slot %d", from, src.node.Type(), fromSlot)
	}
	ins := dst.node.Inputs()
	if toSlot < 0 || toSlot >= len(ins) {
		return 0, invalidGraph("node %d (%s) has no input slot %d", to, dst.node.Type(), toSlot)
	}

	if from == to || g.reachable(to, from) {
		return 0, &CycleError{From: from, To: to}
	}

	outType, inType := outs[fromSlot].Type, ins[toSlot].Type
	if !inType.Accepts(outType) {
		return 0, &TypeMismatchError{
			From: from, FromSlot: fromSlot, FromType: outType,
			To: to, ToSlot: toSlot, ToType: inType,
		}
	}

	return g.link(g.nextEdge, from, fromSlot, to, toSlot, outType), nil
}

func (g *Graph) link(id EdgeID, from NodeID, fromSlot int, to NodeID, toSlot int, typ SlotType) EdgeID {
	key := inputKey{node: to, slot: toSlot}
	if old, ok := g.inputs[key]; ok {
		g.removeEdge(old)
	}
	g.edges[id] = &Edge{ID: id, From: from, FromSlot: fromSlot, To: to, ToSlot: toSlot, Type: typ}
	g.inputs[key] = id
	if id >= g.nextEdge {
		g.nextEdge = id + 1
	}
	return id
}

// Disconnect removes an edge
func (g *Graph) Disconnect(id EdgeID) bool {
	if _, ok := g.edges[id]; !ok {
		return false
	}
	g.removeEdge(id)
	return true
}

func (g *Graph) removeEdge(id EdgeID) {
	e, ok := g.edges[id]
	if !ok {
		return
	}
	key := inputKey{node: e.To, slot: e.ToSlot}
	if g.inputs[key] == id {
		delete(g.inputs, key)
	}
	delete(g.edges, id)
}

// Edges returns copies of all edges sorted by id
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// InputEdge returns the edge feeding an input slot
func (g *Graph) InputEdge(node NodeID, slot int) (Edge, bool) {
	id, ok := g.inputs[inputKey{node: node, slot: slot}]
	if !ok {
		return Edge{}, false
	}
	return *g.edges[id], true
}

// reachable reports whether a directed path leads from start to target
func (g *Graph) reachable(start, target NodeID) bool {
	adj := g.adjacency()
	seen := map[NodeID]bool{start: true}
	stack := []NodeID{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == target {
			return true
		}
		for _, next := range adj[n] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

func (g *Graph) adjacency() map[NodeID][]NodeID {
	adj := make(map[NodeID][]NodeID, len(g.nodes))
	for _, e := range g.Edges() {
		adj[e.From] = append(adj[e.From], e.To)
	}
	return adj
}

// TopologicalOrder returns every node once, each after all of its
// upstream nodes. Among ready nodes the earliest inserted goes first.
func (g *Graph) TopologicalOrder() []NodeID {
	indegree := make(map[NodeID]int, len(g.nodes))
	for _, e := range g.edges {
		indegree[e.To]++
	}
	adj := g.adjacency()

	var ready []*nodeEntry
	for _, id := range g.order {
		if indegree[id] == 0 {
			ready = append(ready, g.nodes[id])
		}
	}

	out := make([]NodeID, 0, len(g.nodes))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		out = append(out, next.id)

		for _, to := range adj[next.id] {
			indegree[to]--
			if indegree[to] == 0 {
				ready = insertByRank(ready, g.nodes[to])
			}
		}
	}
	return out
}

func insertByRank(ready []*nodeEntry, e *nodeEntry) []*nodeEntry {
	i := sort.Search(len(ready), func(i int) bool { return ready[i].rank > e.rank })
	ready = append(ready, nil)
	copy(ready[i+1:], ready[i:])
	ready[i] = e
	return ready
}
