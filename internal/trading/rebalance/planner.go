// Package rebalance turns target portfolio weights into the buy and sell
// orders that move an account towards them.
package rebalance

import (
	"sort"

	"quantgraph/internal/market"
	"quantgraph/internal/strategy/graph"
	"quantgraph/internal/symbol"
	"quantgraph/internal/trading/simbroker"
	"quantgraph/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// DefaultLotSize is the A-share board lot
const DefaultLotSize int64 = 100

// TargetPosition is the holding a weight translates to at the current price
type TargetPosition struct {
	Symbol   symbol.Symbol   `json:"symbol"`
	Weight   decimal.Decimal `json:"weight"`
	Price    decimal.Decimal `json:"price"`
	Notional decimal.Decimal `json:"notional"`
	Current  int64           `json:"current"`
	Target   int64           `json:"target"`
}

// Delta is the signed share change needed to reach the target
func (t TargetPosition) Delta() int64 {
	return t.Target - t.Current
}

// Plan is the ordered set of orders for one rebalance. Sells precede buys
// so buys can spend the proceeds.
type Plan struct {
	Equity  decimal.Decimal   `json:"equity"`
	Targets []TargetPosition  `json:"targets"`
	Orders  []simbroker.Order `json:"orders"`
	// Unpriced lists symbols left untouched because the snapshot has no
	// usable price for them
	Unpriced []symbol.Symbol `json:"unpriced,omitempty"`
}

// Sells returns the sell orders of the plan
func (p Plan) Sells() []simbroker.Order {
	return p.filter(simbroker.SideSell)
}

// Buys returns the buy orders of the plan
func (p Plan) Buys() []simbroker.Order {
	return p.filter(simbroker.SideBuy)
}

func (p Plan) filter(side simbroker.Side) []simbroker.Order {
	var out []simbroker.Order
	for _, o := range p.Orders {
		if o.Side == side {
			out = append(out, o)
		}
	}
	return out
}

// Planner computes rebalancing orders
type Planner struct {
	lotSize       int64
	minTradeValue decimal.Decimal
}

// Option configures a Planner
type Option func(*Planner)

// WithLotSize sets the buy lot size; values below 1 mean single shares
func WithLotSize(lot int64) Option {
	return func(p *Planner) {
		if lot < 1 {
			lot = 1
		}
		p.lotSize = lot
	}
}

// WithMinTradeValue suppresses adjustments smaller than v in value.
// Liquidations are never suppressed.
func WithMinTradeValue(v decimal.Decimal) Option {
	return func(p *Planner) {
		if v.IsNegative() {
			v = decimal.Zero
		}
		p.minTradeValue = v
	}
}

// NewPlanner creates a planner using the board lot by default
func NewPlanner(opts ...Option) *Planner {
	p := &Planner{lotSize: DefaultLotSize, minTradeValue: decimal.Zero}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// LotSize returns the buy lot size
func (p *Planner) LotSize() int64 {
	return p.lotSize
}

// Plan sizes every target weight against the account's equity at the
// snapshot's prices. Held symbols missing from weights are sold in full,
// so an empty weights map liquidates the account. Non-positive weights
// count as zero. Symbols without a price keep their holdings.
func (p *Planner) Plan(acct *simbroker.Account, weights graph.Weights, snap *market.Snapshot) Plan {
	prices := snap.Prices()
	plan := Plan{Equity: acct.Equity(prices)}

	universe := make(map[symbol.Symbol]struct{}, len(weights)+acct.PositionCount())
	for sym := range weights {
		universe[sym] = struct{}{}
	}
	for _, pos := range acct.Positions() {
		universe[pos.Symbol] = struct{}{}
	}
	syms := make([]symbol.Symbol, 0, len(universe))
	for sym := range universe {
		syms = append(syms, sym)
	}
	sort.Slice(syms, func(i, j int) bool { return syms[i] < syms[j] })

	var sells, buys []simbroker.Order
	for _, sym := range syms {
		price, ok := prices[sym]
		if ok {
			price = tradingutils.RoundPrice(price, tradingutils.PriceDecimals)
		}
		// sub-tick prices round to zero
		if !ok || !price.IsPositive() {
			plan.Unpriced = append(plan.Unpriced, sym)
			continue
		}

		weight := weights[sym]
		if weight.IsNegative() {
			weight = decimal.Zero
		}
		notional := plan.Equity.Mul(weight)
		current := acct.Quantity(sym)

		target := int64(0)
		if weight.IsPositive() {
			target = tradingutils.SharesForValue(notional, price, 1)
		}

		tp := TargetPosition{
			Symbol:   sym,
			Weight:   weight,
			Price:    price,
			Notional: notional,
			Current:  current,
			Target:   target,
		}

		switch delta := tp.Delta(); {
		case delta < 0:
			qty := -delta
			if target > 0 && p.tooSmall(qty, price) {
				tp.Target = current
				break
			}
			sells = append(sells, simbroker.Order{Symbol: sym, Side: simbroker.SideSell, Price: price, Quantity: qty})
		case delta > 0:
			qty := tradingutils.FloorToLot(delta, p.lotSize)
			if qty == 0 || p.tooSmall(qty, price) {
				tp.Target = current
				break
			}
			tp.Target = current + qty
			buys = append(buys, simbroker.Order{Symbol: sym, Side: simbroker.SideBuy, Price: price, Quantity: qty})
		}
		plan.Targets = append(plan.Targets, tp)
	}

	plan.Orders = append(sells, buys...)
	return plan
}

func (p *Planner) tooSmall(qty int64, price decimal.Decimal) bool {
	if !p.minTradeValue.IsPositive() {
		return false
	}
	return price.Mul(decimal.NewFromInt(qty)).LessThan(p.minTradeValue)
}

// ShrinkBuy returns a smaller buy that fits within cash after fees, or
// false when not even one lot fits
func (p *Planner) ShrinkBuy(o simbroker.Order, cash decimal.Decimal, fees simbroker.FeeModel) (simbroker.Order, bool) {
	if o.Side != simbroker.SideBuy || !cash.IsPositive() {
		return o, false
	}
	qty := tradingutils.SharesForValue(cash, o.Price, p.lotSize)
	if qty >= o.Quantity {
		qty = tradingutils.FloorToLot(o.Quantity-1, p.lotSize)
	}
	for qty > 0 {
		candidate := o
		candidate.Quantity = qty
		gross := candidate.Gross()
		if gross.Add(fees.Fee(gross, simbroker.SideBuy)).LessThanOrEqual(cash) {
			return candidate, true
		}
		qty = tradingutils.FloorToLot(qty-1, p.lotSize)
	}
	return o, false
}
