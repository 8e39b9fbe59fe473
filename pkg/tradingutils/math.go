package tradingutils

import (
	"github.com/shopspring/decimal"
)

// PriceDecimals is the tick precision of A-share quotes
const PriceDecimals = 2

// RoundPrice rounds a price to the specified decimals
func RoundPrice(price decimal.Decimal, priceDecimals int) decimal.Decimal {
	return price.Round(int32(priceDecimals))
}

// FloorToLot rounds a share quantity down to a whole number of lots.
// A lot size below 1 is treated as 1.
func FloorToLot(qty, lotSize int64) int64 {
	if lotSize < 1 {
		lotSize = 1
	}
	if qty <= 0 {
		return 0
	}
	return qty - qty%lotSize
}

// SharesForValue returns how many whole lots of a security priced at price
// fit into value.
func SharesForValue(value, price decimal.Decimal, lotSize int64) int64 {
	if !price.IsPositive() || !value.IsPositive() {
		return 0
	}
	shares := value.Div(price).Floor().IntPart()
	return FloorToLot(shares, lotSize)
}

// WeightedAverageCost blends an existing cost basis with a new fill
func WeightedAverageCost(heldQty int64, avgCost decimal.Decimal, fillQty int64, fillPrice decimal.Decimal) decimal.Decimal {
	total := heldQty + fillQty
	if total <= 0 {
		return decimal.Zero
	}
	held := avgCost.Mul(decimal.NewFromInt(heldQty))
	added := fillPrice.Mul(decimal.NewFromInt(fillQty))
	return held.Add(added).Div(decimal.NewFromInt(total))
}
