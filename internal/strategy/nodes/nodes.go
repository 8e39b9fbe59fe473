// Package nodes is the catalogue of strategy node types understood by the
// graph editor.
package nodes

import (
	"fmt"
	"sort"

	"quantgraph/internal/market"
	"quantgraph/internal/strategy/graph"
	"quantgraph/internal/symbol"

	"github.com/shopspring/decimal"
)

// Node type names as saved by the editor
const (
	TypeDataSource   = "quant/DataSource"
	TypeFactor       = "quant/Factor"
	TypeCombine      = "quant/Combine"
	TypeSelection    = "quant/Selection"
	TypeWeighting    = "quant/Weighting"
	TypeSignalOutput = "quant/SignalOutput"
)

// Register adds every node type to reg
func Register(reg *graph.Registry) error {
	factories := map[string]graph.Factory{
		TypeDataSource:   func() graph.Node { return NewDataSource() },
		TypeFactor:       func() graph.Node { return NewFactor() },
		TypeCombine:      func() graph.Node { return NewCombine() },
		TypeSelection:    func() graph.Node { return NewSelection() },
		TypeWeighting:    func() graph.Node { return NewWeighting() },
		TypeSignalOutput: func() graph.Node { return NewSignalOutput() },
	}
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := reg.Register(name, factories[name]); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding the full catalogue
func NewRegistry() *graph.Registry {
	reg := graph.NewRegistry()
	if err := Register(reg); err != nil {
		panic(fmt.Sprintf("nodes: %v", err))
	}
	return reg
}

// DataSource

// DataSourceProps configures a DataSource
type DataSourceProps struct {
	PoolName string `json:"poolName" validate:"required"`
}

// DataSource emits a named pool from the current snapshot
type DataSource struct {
	Props DataSourceProps
}

func NewDataSource() *DataSource {
	return &DataSource{Props: DataSourceProps{PoolName: market.PoolCSI300}}
}

func (n *DataSource) Type() string { return TypeDataSource }

func (n *DataSource) Inputs() []graph.Slot { return nil }

func (n *DataSource) Outputs() []graph.Slot {
	return []graph.Slot{{Name: "pool", Type: graph.SlotStockPool}}
}

func (n *DataSource) Properties() map[string]interface{} {
	return map[string]interface{}{"poolName": n.Props.PoolName}
}

func (n *DataSource) SetProperty(name string, value interface{}) error {
	next := n.Props
	switch name {
	case "poolName":
		s, err := toString(TypeDataSource, name, value)
		if err != nil {
			return err
		}
		next.PoolName = s
	default:
		return unknownProperty(TypeDataSource, name)
	}
	if err := checkRecord(TypeDataSource, name, value, next); err != nil {
		return err
	}
	n.Props = next
	return nil
}

func (n *DataSource) Execute(ctx *graph.ExecContext, _ []graph.Value) ([]graph.Value, error) {
	if ctx.Snapshot == nil {
		return []graph.Value{nil}, nil
	}
	stocks := ctx.Snapshot.Pool(n.Props.PoolName)
	ctx.Logger.Debug("Data source resolved", "pool", n.Props.PoolName, "stocks", len(stocks))
	return []graph.Value{&graph.StockPool{Name: n.Props.PoolName, Stocks: stocks}}, nil
}

// Factor

// Comparison operators accepted by Factor
var operators = map[string]func(a, b float64) bool{
	"<":  func(a, b float64) bool { return a < b },
	">":  func(a, b float64) bool { return a > b },
	"=":  func(a, b float64) bool { return a == b },
	"<=": func(a, b float64) bool { return a <= b },
	">=": func(a, b float64) bool { return a >= b },
}

// FactorProps configures a Factor filter
type FactorProps struct {
	Factor   string  `json:"factor" validate:"oneof=pe_ratio pb_ratio market_cap"`
	Operator string  `json:"operator"`
	Value    float64 `json:"value"`
}

// Factor keeps the stocks for which `factor operator value` holds
type Factor struct {
	Props FactorProps
}

func NewFactor() *Factor {
	return &Factor{Props: FactorProps{Factor: string(market.FieldPE), Operator: "<", Value: 30}}
}

func (n *Factor) Type() string { return TypeFactor }

func (n *Factor) Inputs() []graph.Slot {
	return []graph.Slot{{Name: "pool", Type: graph.SlotStockPool}}
}

func (n *Factor) Outputs() []graph.Slot {
	return []graph.Slot{{Name: "pool", Type: graph.SlotStockPool}}
}

func (n *Factor) Properties() map[string]interface{} {
	return map[string]interface{}{
		"factor":   n.Props.Factor,
		"operator": n.Props.Operator,
		"value":    n.Props.Value,
	}
}

func (n *Factor) SetProperty(name string, value interface{}) error {
	next := n.Props
	switch name {
	case "factor":
		s, err := toString(TypeFactor, name, value)
		if err != nil {
			return err
		}
		next.Factor = s
	case "operator":
		s, err := toString(TypeFactor, name, value)
		if err != nil {
			return err
		}
		if _, ok := operators[s]; !ok {
			return propertyError(TypeFactor, name, value, "must be one of < > = <= >=")
		}
		next.Operator = s
	case "value":
		f, err := toFloat(TypeFactor, name, value)
		if err != nil {
			return err
		}
		next.Value = f
	default:
		return unknownProperty(TypeFactor, name)
	}
	if err := checkRecord(TypeFactor, name, value, next); err != nil {
		return err
	}
	n.Props = next
	return nil
}

func (n *Factor) Execute(ctx *graph.ExecContext, inputs []graph.Value) ([]graph.Value, error) {
	stocks, ok := graph.Stocks(inputs[0])
	if !ok {
		return nil, fmt.Errorf("unexpected input %T", inputs[0])
	}
	cmp := operators[n.Props.Operator]
	field := market.Field(n.Props.Factor)

	kept := make([]market.Quote, 0, len(stocks))
	for _, q := range stocks {
		v, _ := q.Value(field)
		if cmp(v, n.Props.Value) {
			kept = append(kept, q)
		}
	}
	return []graph.Value{&graph.StockPool{Name: poolName(inputs[0]), Stocks: kept}}, nil
}

func poolName(v graph.Value) string {
	if p, ok := v.(*graph.StockPool); ok {
		return p.Name
	}
	return ""
}

// Combine

// CombineProps configures a Combine
type CombineProps struct {
	Operation string `json:"operation" validate:"oneof=AND OR"`
}

// Combine intersects or unions two pools. An unconnected or empty input
// passes the other through unchanged; a failed upstream branch skips it.
type Combine struct {
	Props CombineProps
}

func NewCombine() *Combine {
	return &Combine{Props: CombineProps{Operation: "AND"}}
}

func (n *Combine) Type() string { return TypeCombine }

func (n *Combine) Inputs() []graph.Slot {
	return []graph.Slot{
		{Name: "a", Type: graph.SlotStockPool, Optional: true},
		{Name: "b", Type: graph.SlotStockPool, Optional: true},
	}
}

func (n *Combine) Outputs() []graph.Slot {
	return []graph.Slot{{Name: "pool", Type: graph.SlotStockPool}}
}

func (n *Combine) Properties() map[string]interface{} {
	return map[string]interface{}{"operation": n.Props.Operation}
}

func (n *Combine) SetProperty(name string, value interface{}) error {
	next := n.Props
	switch name {
	case "operation":
		s, err := toString(TypeCombine, name, value)
		if err != nil {
			return err
		}
		next.Operation = s
	default:
		return unknownProperty(TypeCombine, name)
	}
	if err := checkRecord(TypeCombine, name, value, next); err != nil {
		return err
	}
	n.Props = next
	return nil
}

func (n *Combine) Execute(_ *graph.ExecContext, inputs []graph.Value) ([]graph.Value, error) {
	a, b := inputs[0], inputs[1]
	switch {
	case a == nil && b == nil:
		return []graph.Value{nil}, nil
	case a == nil:
		return []graph.Value{b}, nil
	case b == nil:
		return []graph.Value{a}, nil
	}

	left, _ := graph.Stocks(a)
	right, _ := graph.Stocks(b)

	var out []market.Quote
	if n.Props.Operation == "OR" {
		seen := make(map[symbol.Symbol]bool, len(left)+len(right))
		out = make([]market.Quote, 0, len(left)+len(right))
		for _, q := range append(append([]market.Quote{}, left...), right...) {
			if !seen[q.Symbol] {
				seen[q.Symbol] = true
				out = append(out, q)
			}
		}
	} else {
		inRight := make(map[symbol.Symbol]bool, len(right))
		for _, q := range right {
			inRight[q.Symbol] = true
		}
		out = make([]market.Quote, 0, len(left))
		for _, q := range left {
			if inRight[q.Symbol] {
				out = append(out, q)
				inRight[q.Symbol] = false
			}
		}
	}
	return []graph.Value{&graph.StockPool{Name: poolName(a), Stocks: out}}, nil
}

// Selection

// SelectionProps configures a Selection
type SelectionProps struct {
	SortBy    string `json:"sortBy" validate:"oneof=market_cap pe_ratio pb_ratio return_rate"`
	Direction string `json:"direction" validate:"oneof=asc desc"`
	TopN      int    `json:"topN" validate:"gt=0"`
}

// Selection ranks a pool and keeps the first TopN
type Selection struct {
	Props SelectionProps
}

func NewSelection() *Selection {
	return &Selection{Props: SelectionProps{SortBy: string(market.FieldMarketCap), Direction: "desc", TopN: 10}}
}

func (n *Selection) Type() string { return TypeSelection }

func (n *Selection) Inputs() []graph.Slot {
	return []graph.Slot{{Name: "pool", Type: graph.SlotStockPool}}
}

func (n *Selection) Outputs() []graph.Slot {
	return []graph.Slot{{Name: "selection", Type: graph.SlotSelection}}
}

func (n *Selection) Properties() map[string]interface{} {
	return map[string]interface{}{
		"sortBy":    n.Props.SortBy,
		"direction": n.Props.Direction,
		"topN":      n.Props.TopN,
	}
}

func (n *Selection) SetProperty(name string, value interface{}) error {
	next := n.Props
	switch name {
	case "sortBy":
		s, err := toString(TypeSelection, name, value)
		if err != nil {
			return err
		}
		next.SortBy = s
	case "direction":
		s, err := toString(TypeSelection, name, value)
		if err != nil {
			return err
		}
		next.Direction = s
	case "topN":
		i, err := toInt(TypeSelection, name, value)
		if err != nil {
			return err
		}
		next.TopN = i
	default:
		return unknownProperty(TypeSelection, name)
	}
	if err := checkRecord(TypeSelection, name, value, next); err != nil {
		return err
	}
	n.Props = next
	return nil
}

func (n *Selection) Execute(_ *graph.ExecContext, inputs []graph.Value) ([]graph.Value, error) {
	stocks, ok := graph.Stocks(inputs[0])
	if !ok {
		return nil, fmt.Errorf("unexpected input %T", inputs[0])
	}
	field := market.Field(n.Props.SortBy)
	asc := n.Props.Direction == "asc"

	ranked := make([]market.Quote, len(stocks))
	copy(ranked, stocks)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, _ := ranked[i].Value(field)
		b, _ := ranked[j].Value(field)
		if asc {
			return a < b
		}
		return a > b
	})
	if len(ranked) > n.Props.TopN {
		ranked = ranked[:n.Props.TopN]
	}
	return []graph.Value{&graph.Selection{Stocks: ranked}}, nil
}

// Weighting

// WeightingProps configures a Weighting
type WeightingProps struct {
	Method      string  `json:"method" validate:"oneof=equal market_cap"`
	TotalWeight float64 `json:"totalWeight" validate:"gt=0,lte=1"`
}

// Weighting turns a selection into target weights
type Weighting struct {
	Props WeightingProps
}

func NewWeighting() *Weighting {
	return &Weighting{Props: WeightingProps{Method: "equal", TotalWeight: 1.0}}
}

func (n *Weighting) Type() string { return TypeWeighting }

func (n *Weighting) Inputs() []graph.Slot {
	return []graph.Slot{{Name: "selection", Type: graph.SlotSelection}}
}

func (n *Weighting) Outputs() []graph.Slot {
	return []graph.Slot{{Name: "weights", Type: graph.SlotWeights}}
}

func (n *Weighting) Properties() map[string]interface{} {
	return map[string]interface{}{
		"method":      n.Props.Method,
		"totalWeight": n.Props.TotalWeight,
	}
}

func (n *Weighting) SetProperty(name string, value interface{}) error {
	next := n.Props
	switch name {
	case "method":
		s, err := toString(TypeWeighting, name, value)
		if err != nil {
			return err
		}
		next.Method = s
	case "totalWeight":
		f, err := toFloat(TypeWeighting, name, value)
		if err != nil {
			return err
		}
		next.TotalWeight = f
	default:
		return unknownProperty(TypeWeighting, name)
	}
	if err := checkRecord(TypeWeighting, name, value, next); err != nil {
		return err
	}
	n.Props = next
	return nil
}

func (n *Weighting) Execute(_ *graph.ExecContext, inputs []graph.Value) ([]graph.Value, error) {
	stocks, ok := graph.Stocks(inputs[0])
	if !ok {
		return nil, fmt.Errorf("unexpected input %T", inputs[0])
	}
	total := decimal.NewFromFloat(n.Props.TotalWeight)

	if n.Props.Method == "market_cap" {
		sum := 0.0
		for _, q := range stocks {
			sum += q.MarketCap
		}
		if sum > 0 {
			capTotal := decimal.NewFromFloat(sum)
			w := make(graph.Weights, len(stocks))
			for _, q := range stocks {
				share := decimal.NewFromFloat(q.MarketCap).Div(capTotal).Mul(total)
				w[q.Symbol] = w[q.Symbol].Add(share)
			}
			return []graph.Value{w}, nil
		}
	}
	return []graph.Value{graph.EqualWeights(stocks, total)}, nil
}

// SignalOutput

// SignalOutput is the terminal node. It emits weights; pools and
// selections are weighted equally to a full allocation.
type SignalOutput struct{}

func NewSignalOutput() *SignalOutput { return &SignalOutput{} }

func (n *SignalOutput) Type() string { return TypeSignalOutput }

func (n *SignalOutput) Inputs() []graph.Slot {
	return []graph.Slot{{Name: "signal", Type: graph.SlotAny}}
}

func (n *SignalOutput) Outputs() []graph.Slot { return nil }

func (n *SignalOutput) Properties() map[string]interface{} {
	return map[string]interface{}{}
}

func (n *SignalOutput) SetProperty(name string, _ interface{}) error {
	return unknownProperty(TypeSignalOutput, name)
}

func (n *SignalOutput) Execute(ctx *graph.ExecContext, inputs []graph.Value) ([]graph.Value, error) {
	switch v := inputs[0].(type) {
	case graph.Weights:
		out := make(graph.Weights, len(v))
		for sym, w := range v {
			out[sym] = w
		}
		ctx.Emit(out)
	default:
		stocks, ok := graph.Stocks(v)
		if !ok {
			return nil, fmt.Errorf("unexpected input %T", v)
		}
		ctx.Emit(graph.EqualWeights(stocks, decimal.NewFromInt(1)))
	}
	return nil, nil
}
