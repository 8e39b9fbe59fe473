package simbroker

import (
	"testing"

	"quantgraph/internal/symbol"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccount_Valuation(t *testing.T) {
	acct := RestoreAccount(d("1000"), []Position{
		{Symbol: "600000", Quantity: 100, AvgCost: d("10")},
		{Symbol: "000001", Quantity: 200, AvgCost: d("5")},
	})

	prices := map[symbol.Symbol]decimal.Decimal{"600000": d("12")}

	// 000001 has no price and is valued at cost: 100*12 + 200*5
	assert.True(t, acct.MarketValue(prices).Equal(d("2200")))
	assert.True(t, acct.Equity(prices).Equal(d("3200")))
}

func TestAccount_PositionsSorted(t *testing.T) {
	acct := RestoreAccount(decimal.Zero, []Position{
		{Symbol: "600000", Quantity: 1},
		{Symbol: "000001", Quantity: 1},
		{Symbol: "300750", Quantity: 1},
	})

	var got []symbol.Symbol
	for _, p := range acct.Positions() {
		got = append(got, p.Symbol)
	}
	assert.Equal(t, []symbol.Symbol{"000001", "300750", "600000"}, got)
}

func TestAccount_SnapshotIsDetached(t *testing.T) {
	acct := NewAccount(d("100000"))
	_, err := Execute(acct, Order{Symbol: "600000", Side: SideBuy, Price: d("10"), Quantity: 100}, FlatRate{})
	require.NoError(t, err)

	snap := acct.Snapshot()
	snap.Positions[0].Quantity = 999

	assert.Equal(t, int64(100), acct.Quantity("600000"))
}

func TestAccount_PositionLookup(t *testing.T) {
	acct := NewAccount(d("1"))

	_, ok := acct.Position("600000")
	assert.False(t, ok)
	assert.Equal(t, int64(0), acct.Quantity("600000"))
	assert.Equal(t, 0, acct.PositionCount())
}
