package graph

import (
	"sort"

	"quantgraph/internal/market"
	"quantgraph/internal/symbol"

	"github.com/shopspring/decimal"
)

// SlotType is the data type flowing through a slot
type SlotType string

const (
	SlotStockPool SlotType = "stock_pool"
	SlotSelection SlotType = "selection"
	SlotWeights   SlotType = "weights"
	SlotAny       SlotType = "any"
)

// Accepts reports whether an output of type from may feed an input of
// type t. A selection is an ordered pool, so the two interconvert.
func (t SlotType) Accepts(from SlotType) bool {
	switch {
	case t == SlotAny || t == from:
		return true
	case t == SlotStockPool && from == SlotSelection:
		return true
	case t == SlotSelection && from == SlotStockPool:
		return true
	default:
		return false
	}
}

// Slot declares one input or output of a node type
type Slot struct {
	Name     string   `json:"name"`
	Type     SlotType `json:"type"`
	Optional bool     `json:"optional,omitempty"`
}

// Value is what flows along an edge. A nil Value means no data.
type Value interface {
	SlotType() SlotType
}

// StockPool is an unordered set of candidate securities
type StockPool struct {
	Name   string
	Stocks []market.Quote
}

func (p *StockPool) SlotType() SlotType { return SlotStockPool }

// Selection is a ranked list of securities
type Selection struct {
	Stocks []market.Quote
}

func (s *Selection) SlotType() SlotType { return SlotSelection }

// Weights maps securities to target portfolio fractions
type Weights map[symbol.Symbol]decimal.Decimal

func (w Weights) SlotType() SlotType { return SlotWeights }

// Symbols returns the weighted symbols in ascending order
func (w Weights) Symbols() []symbol.Symbol {
	out := make([]symbol.Symbol, 0, len(w))
	for sym := range w {
		out = append(out, sym)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Total sums all weights
func (w Weights) Total() decimal.Decimal {
	total := decimal.Zero
	for _, v := range w {
		total = total.Add(v)
	}
	return total
}

// Equal compares two weight maps numerically
func (w Weights) Equal(other Weights) bool {
	if len(w) != len(other) {
		return false
	}
	for sym, v := range w {
		o, ok := other[sym]
		if !ok || !o.Equal(v) {
			return false
		}
	}
	return true
}

// Stocks extracts the securities carried by a pool or selection
func Stocks(v Value) ([]market.Quote, bool) {
	switch val := v.(type) {
	case *StockPool:
		if val == nil {
			return nil, false
		}
		return val.Stocks, true
	case *Selection:
		if val == nil {
			return nil, false
		}
		return val.Stocks, true
	default:
		return nil, false
	}
}

// EqualWeights spreads total evenly over stocks. Duplicate symbols count once.
func EqualWeights(stocks []market.Quote, total decimal.Decimal) Weights {
	seen := make(map[symbol.Symbol]struct{}, len(stocks))
	for _, q := range stocks {
		seen[q.Symbol] = struct{}{}
	}
	w := make(Weights, len(seen))
	if len(seen) == 0 {
		return w
	}
	each := total.Div(decimal.NewFromInt(int64(len(seen))))
	for sym := range seen {
		w[sym] = each
	}
	return w
}
