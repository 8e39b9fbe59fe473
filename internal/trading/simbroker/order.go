package simbroker

import (
	"fmt"

	"quantgraph/internal/symbol"
	apperrors "quantgraph/pkg/errors"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Order is a single buy or sell intent, submitted once
type Order struct {
	Symbol   symbol.Symbol   `json:"symbol"`
	Side     Side            `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}

// Gross is price times quantity
func (o Order) Gross() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Quantity))
}

func (o Order) String() string {
	return fmt.Sprintf("%s %d %s @ %s", o.Side, o.Quantity, o.Symbol, o.Price)
}

// Validate checks the order's own parameters
func (o Order) Validate() error {
	if !o.Side.Valid() {
		return fmt.Errorf("%w: side %q", apperrors.ErrInvalidOrderParameter, o.Side)
	}
	if _, err := symbol.Normalize(string(o.Symbol)); err != nil || len(o.Symbol) != symbol.Length {
		return fmt.Errorf("%w: symbol %q", apperrors.ErrInvalidOrderParameter, o.Symbol)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", apperrors.ErrInvalidOrderParameter, o.Quantity)
	}
	if !o.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive, got %s", apperrors.ErrInvalidOrderParameter, o.Price)
	}
	return nil
}

// Fill is the outcome of executing one order
type Fill struct {
	Success bool            `json:"success"`
	Order   Order           `json:"order"`
	Gross   decimal.Decimal `json:"gross"`
	Fee     decimal.Decimal `json:"fee"`
	// CashDelta is the signed change to the account's cash
	CashDelta decimal.Decimal `json:"cash_delta"`
	// Position is the holding after the fill; Quantity is 0 when Closed
	Position    Position        `json:"position"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Closed      bool            `json:"closed"`
}

// InsufficientCashError rejects a buy the account cannot pay for
type InsufficientCashError struct {
	Symbol    symbol.Symbol
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientCashError) Error() string {
	return fmt.Sprintf("insufficient cash for %s: required %s, available %s", e.Symbol, e.Required, e.Available)
}

func (e *InsufficientCashError) Unwrap() error {
	return apperrors.ErrInsufficientCash
}

// InsufficientPositionError rejects a sell larger than the holding
type InsufficientPositionError struct {
	Symbol    symbol.Symbol
	Requested int64
	Held      int64
}

func (e *InsufficientPositionError) Error() string {
	return fmt.Sprintf("insufficient position in %s: requested %d, held %d", e.Symbol, e.Requested, e.Held)
}

func (e *InsufficientPositionError) Unwrap() error {
	return apperrors.ErrInsufficientPosition
}
