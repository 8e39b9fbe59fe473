package graph

import (
	"fmt"
	"sort"

	apperrors "quantgraph/pkg/errors"

	"github.com/goccy/go-json"
)

// The persisted format is the LiteGraph editor's serialize() output. Slot
// types in the file are editor metadata; the registry's slot declarations
// are authoritative.

type liteGraph struct {
	LastNodeID int                    `json:"last_node_id"`
	LastLinkID int                    `json:"last_link_id"`
	Nodes      []liteNode             `json:"nodes"`
	Links      []liteLink             `json:"links"`
	Groups     []json.RawMessage      `json:"groups"`
	Config     map[string]interface{} `json:"config"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
	Version    float64                `json:"version"`
}

type liteNode struct {
	ID         int                    `json:"id"`
	Type       string                 `json:"type"`
	Pos        []float64              `json:"pos,omitempty"`
	Size       []float64              `json:"size,omitempty"`
	Order      int                    `json:"order"`
	Mode       int                    `json:"mode"`
	Inputs     []liteSlot             `json:"inputs,omitempty"`
	Outputs    []liteSlot             `json:"outputs,omitempty"`
	Properties map[string]interface{} `json:"properties"`
}

type liteSlot struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Link  *int   `json:"link,omitempty"`
	Links []int  `json:"links,omitempty"`
}

// liteLink is encoded as [id, origin_id, origin_slot, target_id, target_slot, type]
type liteLink struct {
	ID         int
	OriginID   int
	OriginSlot int
	TargetID   int
	TargetSlot int
	Type       string
}

func (l liteLink) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{l.ID, l.OriginID, l.OriginSlot, l.TargetID, l.TargetSlot, l.Type})
}

func (l *liteLink) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 5 {
		return fmt.Errorf("link has %d fields, want at least 5", len(raw))
	}
	ints := []*int{&l.ID, &l.OriginID, &l.OriginSlot, &l.TargetID, &l.TargetSlot}
	for i, dst := range ints {
		if err := json.Unmarshal(raw[i], dst); err != nil {
			return fmt.Errorf("link field %d: %w", i, err)
		}
	}
	if len(raw) > 5 {
		// the type may be a string or a LiteGraph numeric wildcard
		var typ interface{}
		if err := json.Unmarshal(raw[5], &typ); err == nil {
			if s, ok := typ.(string); ok {
				l.Type = s
			}
		}
	}
	return nil
}

// Marshal encodes g in the LiteGraph format
func Marshal(g *Graph) ([]byte, error) {
	lg := liteGraph{
		Nodes:   make([]liteNode, 0, len(g.order)),
		Links:   make([]liteLink, 0, len(g.edges)),
		Groups:  []json.RawMessage{},
		Config:  map[string]interface{}{},
		Version: 0.4,
	}

	edges := g.Edges()
	outLinks := make(map[inputKey][]int)
	for _, e := range edges {
		key := inputKey{node: e.From, slot: e.FromSlot}
		outLinks[key] = append(outLinks[key], int(e.ID))
		lg.Links = append(lg.Links, liteLink{
			ID:         int(e.ID),
			OriginID:   int(e.From),
			OriginSlot: e.FromSlot,
			TargetID:   int(e.To),
			TargetSlot: e.ToSlot,
			Type:       string(e.Type),
		})
		if int(e.ID) > lg.LastLinkID {
			lg.LastLinkID = int(e.ID)
		}
	}

	for i, id := range g.order {
		entry := g.nodes[id]
		ln := liteNode{
			ID:         int(id),
			Type:       entry.node.Type(),
			Pos:        entry.layout.Pos,
			Size:       entry.layout.Size,
			Order:      i,
			Properties: entry.node.Properties(),
		}
		for slot, s := range entry.node.Inputs() {
			ls := liteSlot{Name: s.Name, Type: string(s.Type)}
			if eid, ok := g.inputs[inputKey{node: id, slot: slot}]; ok {
				link := int(eid)
				ls.Link = &link
			}
			ln.Inputs = append(ln.Inputs, ls)
		}
		for slot, s := range entry.node.Outputs() {
			ln.Outputs = append(ln.Outputs, liteSlot{
				Name:  s.Name,
				Type:  string(s.Type),
				Links: outLinks[inputKey{node: id, slot: slot}],
			})
		}
		lg.Nodes = append(lg.Nodes, ln)
		if int(id) > lg.LastNodeID {
			lg.LastNodeID = int(id)
		}
	}

	return json.Marshal(lg)
}

// Unmarshal decodes a LiteGraph document, rebuilding every node through
// reg and re-validating every link. Node and link ids are preserved.
func Unmarshal(data []byte, reg *Registry, opts ...Option) (*Graph, error) {
	var lg liteGraph
	if err := json.Unmarshal(data, &lg); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidGraph, err)
	}

	g := New(reg, opts...)

	// array position is insertion order; the editor's "order" is draw order
	for _, ln := range lg.Nodes {
		id := NodeID(ln.ID)
		if _, dup := g.nodes[id]; dup {
			return nil, invalidGraph("duplicate node id %d", ln.ID)
		}
		n, err := reg.Create(ln.Type)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", ln.ID, err)
		}
		for _, name := range sortedKeys(ln.Properties) {
			if err := n.SetProperty(name, ln.Properties[name]); err != nil {
				return nil, fmt.Errorf("node %d: %w", ln.ID, err)
			}
		}
		g.insert(id, n, Layout{Pos: ln.Pos, Size: ln.Size})
	}

	links := make([]liteLink, len(lg.Links))
	copy(links, lg.Links)
	sort.Slice(links, func(i, j int) bool { return links[i].ID < links[j].ID })

	for _, l := range links {
		if _, dup := g.edges[EdgeID(l.ID)]; dup {
			return nil, invalidGraph("duplicate link id %d", l.ID)
		}
		g.nextEdge = EdgeID(l.ID)
		if _, err := g.Connect(NodeID(l.OriginID), l.OriginSlot, NodeID(l.TargetID), l.TargetSlot); err != nil {
			return nil, fmt.Errorf("link %d: %w", l.ID, err)
		}
	}

	if NodeID(lg.LastNodeID) >= g.nextNode {
		g.nextNode = NodeID(lg.LastNodeID) + 1
	}
	if EdgeID(lg.LastLinkID) >= g.nextEdge {
		g.nextEdge = EdgeID(lg.LastLinkID) + 1
	}
	return g, nil
}

// Clone deep-copies g through the codec
func (g *Graph) Clone() (*Graph, error) {
	data, err := Marshal(g)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data, g.registry, WithLogger(g.baseLogger))
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
