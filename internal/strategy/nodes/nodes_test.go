package nodes

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"quantgraph/internal/market"
	"quantgraph/internal/strategy/graph"
	"quantgraph/internal/symbol"
	apperrors "quantgraph/pkg/errors"
	"quantgraph/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quote(sym string, pe, pb, mc, ret float64) market.Quote {
	return market.Quote{
		Symbol:     symbol.MustNormalize(sym),
		Price:      decimal.NewFromInt(10),
		PE:         pe,
		PB:         pb,
		MarketCap:  mc,
		ReturnRate: ret,
	}
}

// mirrors the fallback universe of the editor demo
func demoSnapshot() *market.Snapshot {
	return market.NewSnapshot(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), []market.Quote{
		quote("000001", 6.5, 0.6, 2000, 1.2),
		quote("600519", 32.1, 9.5, 21000, -0.4),
		quote("000858", 25.4, 6.1, 5000, 0.8),
		quote("601318", 8.2, 1.1, 8000, 2.5),
		quote("002594", 55.3, 5.2, 7000, -1.9),
	}, nil)
}

func execCtx(snap *market.Snapshot) *graph.ExecContext {
	return &graph.ExecContext{Snapshot: snap, Logger: logging.NewNopLogger()}
}

func symbolsOf(stocks []market.Quote) []string {
	out := make([]string, len(stocks))
	for i, q := range stocks {
		out[i] = string(q.Symbol)
	}
	return out
}

func TestDataSource(t *testing.T) {
	n := NewDataSource()
	out, err := n.Execute(execCtx(demoSnapshot()), nil)
	require.NoError(t, err)
	pool := out[0].(*graph.StockPool)
	assert.Equal(t, market.PoolCSI300, pool.Name)
	assert.Len(t, pool.Stocks, 5)
	assert.Equal(t, "600519", string(pool.Stocks[0].Symbol))

	out, err = n.Execute(execCtx(nil), nil)
	require.NoError(t, err)
	assert.Nil(t, out[0])
}

func TestFactor_Operators(t *testing.T) {
	pool := &graph.StockPool{Stocks: demoSnapshot().Quotes}

	tests := []struct {
		factor, op string
		value      float64
		want       []string
	}{
		{"pe_ratio", "<", 30, []string{"000001", "000858", "601318"}},
		{"pe_ratio", ">", 30, []string{"600519", "002594"}},
		{"pe_ratio", "=", 8.2, []string{"601318"}},
		{"pb_ratio", "<=", 1.1, []string{"000001", "601318"}},
		{"market_cap", ">=", 7000, []string{"600519", "601318", "002594"}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %s %v", tt.factor, tt.op, tt.value), func(t *testing.T) {
			n := NewFactor()
			require.NoError(t, n.SetProperty("factor", tt.factor))
			require.NoError(t, n.SetProperty("operator", tt.op))
			require.NoError(t, n.SetProperty("value", tt.value))

			out, err := n.Execute(execCtx(nil), []graph.Value{pool})
			require.NoError(t, err)
			stocks, _ := graph.Stocks(out[0])
			assert.Equal(t, tt.want, symbolsOf(stocks))
		})
	}
}

func TestCombine(t *testing.T) {
	a := &graph.StockPool{Name: "a", Stocks: []market.Quote{quote("1", 0, 0, 0, 0), quote("2", 0, 0, 0, 0), quote("3", 0, 0, 0, 0)}}
	b := &graph.StockPool{Name: "b", Stocks: []market.Quote{quote("3", 0, 0, 0, 0), quote("4", 0, 0, 0, 0), quote("1", 0, 0, 0, 0)}}

	and := NewCombine()
	out, err := and.Execute(execCtx(nil), []graph.Value{a, b})
	require.NoError(t, err)
	stocks, _ := graph.Stocks(out[0])
	assert.Equal(t, []string{"000001", "000003"}, symbolsOf(stocks))

	or := NewCombine()
	require.NoError(t, or.SetProperty("operation", "OR"))
	out, err = or.Execute(execCtx(nil), []graph.Value{a, b})
	require.NoError(t, err)
	stocks, _ = graph.Stocks(out[0])
	assert.Equal(t, []string{"000001", "000002", "000003", "000004"}, symbolsOf(stocks))

	// one side missing passes the other through
	out, err = and.Execute(execCtx(nil), []graph.Value{nil, b})
	require.NoError(t, err)
	assert.Same(t, b, out[0])

	out, err = and.Execute(execCtx(nil), []graph.Value{nil, nil})
	require.NoError(t, err)
	assert.Nil(t, out[0])
}

func TestSelection(t *testing.T) {
	pool := &graph.StockPool{Stocks: demoSnapshot().Quotes}

	n := NewSelection()
	require.NoError(t, n.SetProperty("topN", 2))
	out, err := n.Execute(execCtx(nil), []graph.Value{pool})
	require.NoError(t, err)
	sel := out[0].(*graph.Selection)
	assert.Equal(t, []string{"600519", "601318"}, symbolsOf(sel.Stocks))

	require.NoError(t, n.SetProperty("sortBy", "pe_ratio"))
	require.NoError(t, n.SetProperty("direction", "asc"))
	require.NoError(t, n.SetProperty("topN", 10))
	out, err = n.Execute(execCtx(nil), []graph.Value{pool})
	require.NoError(t, err)
	sel = out[0].(*graph.Selection)
	assert.Equal(t, []string{"000001", "601318", "000858", "600519", "002594"}, symbolsOf(sel.Stocks))
}

func TestWeighting(t *testing.T) {
	sel := &graph.Selection{Stocks: []market.Quote{quote("1", 0, 0, 300, 0), quote("2", 0, 0, 100, 0)}}

	eq := NewWeighting()
	out, err := eq.Execute(execCtx(nil), []graph.Value{sel})
	require.NoError(t, err)
	w := out[0].(graph.Weights)
	assert.True(t, w["000001"].Equal(decimal.NewFromFloat(0.5)))
	assert.True(t, w.Total().Equal(decimal.NewFromInt(1)))

	mc := NewWeighting()
	require.NoError(t, mc.SetProperty("method", "market_cap"))
	require.NoError(t, mc.SetProperty("totalWeight", 0.8))
	out, err = mc.Execute(execCtx(nil), []graph.Value{sel})
	require.NoError(t, err)
	w = out[0].(graph.Weights)
	assert.True(t, w["000001"].Equal(decimal.NewFromFloat(0.6)), w["000001"].String())
	assert.True(t, w["000002"].Equal(decimal.NewFromFloat(0.2)), w["000002"].String())

	// zero market cap falls back to equal
	zero := &graph.Selection{Stocks: []market.Quote{quote("1", 0, 0, 0, 0), quote("2", 0, 0, 0, 0)}}
	out, err = mc.Execute(execCtx(nil), []graph.Value{zero})
	require.NoError(t, err)
	w = out[0].(graph.Weights)
	assert.True(t, w["000002"].Equal(decimal.NewFromFloat(0.4)))

	out, err = eq.Execute(execCtx(nil), []graph.Value{&graph.Selection{}})
	require.NoError(t, err)
	w = out[0].(graph.Weights)
	assert.NotNil(t, w)
	assert.Empty(t, w)
}

func TestSetProperty_Validation(t *testing.T) {
	tests := []struct {
		name  string
		node  graph.Node
		prop  string
		value interface{}
	}{
		{"unknown factor", NewFactor(), "factor", "roe"},
		{"unknown operator", NewFactor(), "operator", "!="},
		{"non-numeric value", NewFactor(), "value", "abc"},
		{"unknown operation", NewCombine(), "operation", "XOR"},
		{"unknown sort key", NewSelection(), "sortBy", "volume"},
		{"unknown direction", NewSelection(), "direction", "up"},
		{"zero topN", NewSelection(), "topN", 0},
		{"fractional topN", NewSelection(), "topN", 2.5},
		{"unknown method", NewWeighting(), "method", "risk_parity"},
		{"weight above one", NewWeighting(), "totalWeight", 1.5},
		{"weight zero", NewWeighting(), "totalWeight", 0},
		{"empty pool name", NewDataSource(), "poolName", ""},
		{"unknown property", NewDataSource(), "color", "red"},
		{"signal output has none", NewSignalOutput(), "anything", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.node.Properties()
			err := tt.node.SetProperty(tt.prop, tt.value)
			assert.True(t, errors.Is(err, apperrors.ErrInvalidProperty), "got %v", err)
			assert.Equal(t, before, tt.node.Properties())
		})
	}
}

func TestSetProperty_Coercion(t *testing.T) {
	sel := NewSelection()
	require.NoError(t, sel.SetProperty("topN", "5"))
	require.NoError(t, sel.SetProperty("topN", float64(3)))
	assert.Equal(t, 3, sel.Props.TopN)

	f := NewFactor()
	require.NoError(t, f.SetProperty("value", "12.5"))
	assert.Equal(t, 12.5, f.Props.Value)
}

// full editor pipeline

func buildPipeline(t *testing.T) (*graph.Graph, graph.NodeID) {
	g := graph.New(NewRegistry())
	ids := make([]graph.NodeID, 0, 5)
	for _, typ := range []string{TypeDataSource, TypeFactor, TypeSelection, TypeWeighting, TypeSignalOutput} {
		id, err := g.AddNodeOfType(typ)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 0; i < len(ids)-1; i++ {
		_, err := g.Connect(ids[i], 0, ids[i+1], 0)
		require.NoError(t, err)
	}
	sel, _ := g.Node(ids[2])
	require.NoError(t, sel.SetProperty("topN", 2))
	return g, ids[4]
}

func TestPipeline_ProducesWeights(t *testing.T) {
	g, out := buildPipeline(t)

	res := g.Execute(demoSnapshot())
	require.NoError(t, res.Err())

	w, ok := res.Signals[out]
	require.True(t, ok)
	// PE < 30 leaves 000001, 000858, 601318; top 2 by market cap
	assert.Equal(t, []symbol.Symbol{"000858", "601318"}, w.Symbols())
	assert.True(t, w["601318"].Equal(decimal.NewFromFloat(0.5)))
}

func TestPipeline_DeterministicAcrossRuns(t *testing.T) {
	g := graph.New(NewRegistry())
	src, _ := g.AddNodeOfType(TypeDataSource)
	factor, _ := g.AddNodeOfType(TypeFactor)
	out, _ := g.AddNodeOfType(TypeSignalOutput)
	_, err := g.Connect(src, 0, factor, 0)
	require.NoError(t, err)
	_, err = g.Connect(factor, 0, out, 0)
	require.NoError(t, err)

	snap := demoSnapshot()
	first, ok := g.Execute(snap).Signal()
	require.True(t, ok)
	second, ok := g.Execute(snap).Signal()
	require.True(t, ok)
	assert.True(t, first.Equal(second))
	assert.Len(t, first, 3)
}

func TestPipeline_WeightsCannotFeedPool(t *testing.T) {
	g := graph.New(NewRegistry())
	w, _ := g.AddNodeOfType(TypeWeighting)
	f, _ := g.AddNodeOfType(TypeFactor)

	_, err := g.Connect(w, 0, f, 0)
	assert.True(t, errors.Is(err, apperrors.ErrTypeMismatch))
}

func TestPipeline_CombineWithOneBranchMissing(t *testing.T) {
	g := graph.New(NewRegistry())
	src, _ := g.AddNodeOfType(TypeDataSource)
	comb, _ := g.AddNodeOfType(TypeCombine)
	out, _ := g.AddNodeOfType(TypeSignalOutput)
	_, err := g.Connect(src, 0, comb, 1)
	require.NoError(t, err)
	_, err = g.Connect(comb, 0, out, 0)
	require.NoError(t, err)

	res := g.Execute(demoSnapshot())
	require.NoError(t, res.Err())
	w, ok := res.Signal()
	require.True(t, ok)
	assert.Len(t, w, 5)
}

type brokenFilter struct{}

func (brokenFilter) Type() string { return "test/Broken" }
func (brokenFilter) Inputs() []graph.Slot {
	return []graph.Slot{{Name: "in", Type: graph.SlotStockPool}}
}
func (brokenFilter) Outputs() []graph.Slot {
	return []graph.Slot{{Name: "pool", Type: graph.SlotStockPool}}
}
func (brokenFilter) Properties() map[string]interface{}    { return map[string]interface{}{} }
func (brokenFilter) SetProperty(string, interface{}) error { return nil }
func (brokenFilter) Execute(*graph.ExecContext, []graph.Value) ([]graph.Value, error) {
	return nil, errors.New("factor table unavailable")
}

func TestPipeline_CombineDoesNotMaskFailedBranch(t *testing.T) {
	g := graph.New(NewRegistry())
	src, _ := g.AddNodeOfType(TypeDataSource)
	broken := g.AddNode(brokenFilter{})
	comb, _ := g.AddNodeOfType(TypeCombine)
	out, _ := g.AddNodeOfType(TypeSignalOutput)
	for _, e := range []struct {
		from, to graph.NodeID
		slot     int
	}{{src, broken, 0}, {src, comb, 0}, {broken, comb, 1}, {comb, out, 0}} {
		_, err := g.Connect(e.from, 0, e.to, e.slot)
		require.NoError(t, err)
	}

	res := g.Execute(demoSnapshot())

	require.Error(t, res.Err())
	assert.True(t, errors.Is(res.Err(), apperrors.ErrNodeExecution))
	assert.True(t, res.Failed(broken))
	assert.Contains(t, res.Skipped, comb)
	assert.Contains(t, res.Skipped, out)
	_, ok := res.Signal()
	assert.False(t, ok)
}

// saved by the editor, slot types as the editor writes them
const editorGraph = `{
  "last_node_id": 5,
  "last_link_id": 4,
  "nodes": [
    {"id": 1, "type": "quant/DataSource", "pos": [100, 100], "properties": {"poolName": "沪深300"},
     "outputs": [{"name": "out", "type": "Array", "links": [1]}]},
    {"id": 2, "type": "quant/Factor", "properties": {"factor": "pe_ratio", "operator": "<", "value": 30},
     "inputs": [{"name": "in", "type": "Array", "link": 1}], "outputs": [{"name": "out", "type": "Array", "links": [2]}]},
    {"id": 3, "type": "quant/Selection", "properties": {"sortBy": "market_cap", "direction": "desc", "topN": 2},
     "inputs": [{"name": "in", "type": "Array", "link": 2}], "outputs": [{"name": "out", "type": "Array", "links": [3]}]},
    {"id": 4, "type": "quant/Weighting", "properties": {"method": "equal", "totalWeight": 1.0},
     "inputs": [{"name": "in", "type": "Array", "link": 3}], "outputs": [{"name": "out", "type": "Array", "links": [4]}]},
    {"id": 5, "type": "quant/SignalOutput", "properties": {},
     "inputs": [{"name": "in", "type": "Array", "link": 4}]}
  ],
  "links": [
    [1, 1, 0, 2, 0, "Array"],
    [2, 2, 0, 3, 0, "Array"],
    [3, 3, 0, 4, 0, "Array"],
    [4, 4, 0, 5, 0, "Array"]
  ],
  "groups": [],
  "config": {},
  "version": 0.4
}`

func TestEditorGraph_LoadsAndRoundTrips(t *testing.T) {
	reg := NewRegistry()
	g, err := graph.Unmarshal([]byte(editorGraph), reg)
	require.NoError(t, err)
	assert.Equal(t, 5, g.Len())
	assert.Len(t, g.Edges(), 4)

	res := g.Execute(demoSnapshot())
	require.NoError(t, res.Err())
	w, ok := res.Signals[5]
	require.True(t, ok)
	assert.Equal(t, []symbol.Symbol{"000858", "601318"}, w.Symbols())

	data, err := graph.Marshal(g)
	require.NoError(t, err)
	back, err := graph.Unmarshal(data, reg)
	require.NoError(t, err)

	again, ok := back.Execute(demoSnapshot()).Signals[5]
	require.True(t, ok)
	assert.True(t, w.Equal(again))
	assert.Equal(t, []float64{100, 100}, back.Layout(1).Pos)

	node, _ := back.Node(3)
	assert.Equal(t, 2, node.Properties()["topN"])
}

func TestRegistry_Catalogue(t *testing.T) {
	reg := NewRegistry()
	assert.Equal(t, []string{
		TypeCombine, TypeDataSource, TypeFactor, TypeSelection, TypeSignalOutput, TypeWeighting,
	}, reg.Types())

	assert.Error(t, Register(reg))
}
