package simbroker

import (
	"sort"

	"quantgraph/internal/symbol"

	"github.com/shopspring/decimal"
)

// Position is a holding of one security
type Position struct {
	Symbol   symbol.Symbol   `json:"symbol"`
	Quantity int64           `json:"quantity"`
	AvgCost  decimal.Decimal `json:"avg_cost"`
}

// MarketValue values the position at price
func (p Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(p.Quantity))
}

// Account holds the cash balance and open positions of one simulated
// trading session. Only Execute and PurgeZeroPositions mutate it.
type Account struct {
	cash      decimal.Decimal
	positions map[symbol.Symbol]*Position
}

// AccountSnapshot is a value copy of an Account, positions sorted by symbol
type AccountSnapshot struct {
	Cash      decimal.Decimal `json:"cash"`
	Positions []Position      `json:"positions"`
}

// NewAccount creates an account holding only cash
func NewAccount(cash decimal.Decimal) *Account {
	return &Account{
		cash:      cash,
		positions: make(map[symbol.Symbol]*Position),
	}
}

// RestoreAccount rebuilds an account from stored state. Entries are taken
// as given, including zero quantities; run PurgeZeroPositions afterwards to
// re-establish the positive-quantity invariant.
func RestoreAccount(cash decimal.Decimal, positions []Position) *Account {
	acct := NewAccount(cash)
	for _, p := range positions {
		pos := p
		acct.positions[p.Symbol] = &pos
	}
	return acct
}

// Cash returns the cash balance
func (a *Account) Cash() decimal.Decimal {
	return a.cash
}

// Position returns a copy of the position at sym
func (a *Account) Position(sym symbol.Symbol) (Position, bool) {
	p, ok := a.positions[sym]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Quantity returns the held quantity at sym, 0 when flat
func (a *Account) Quantity(sym symbol.Symbol) int64 {
	if p, ok := a.positions[sym]; ok {
		return p.Quantity
	}
	return 0
}

// Positions returns copies of all positions sorted by symbol
func (a *Account) Positions() []Position {
	out := make([]Position, 0, len(a.positions))
	for _, p := range a.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// PositionCount returns the number of position entries
func (a *Account) PositionCount() int {
	return len(a.positions)
}

// MarketValue sums positions at the given prices. Positions without a
// price are valued at their cost basis.
func (a *Account) MarketValue(prices map[symbol.Symbol]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for sym, p := range a.positions {
		price, ok := prices[sym]
		if !ok || !price.IsPositive() {
			price = p.AvgCost
		}
		total = total.Add(p.MarketValue(price))
	}
	return total
}

// Equity is cash plus market value
func (a *Account) Equity(prices map[symbol.Symbol]decimal.Decimal) decimal.Decimal {
	return a.cash.Add(a.MarketValue(prices))
}

// Snapshot returns a detached copy of the account state
func (a *Account) Snapshot() AccountSnapshot {
	return AccountSnapshot{
		Cash:      a.cash,
		Positions: a.Positions(),
	}
}
