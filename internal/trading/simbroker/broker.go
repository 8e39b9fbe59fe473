// Package simbroker simulates a cash brokerage account: it applies buy and
// sell orders against an Account, charging fees through a pluggable FeeModel.
package simbroker

import (
	"context"
	"errors"
	"fmt"

	"quantgraph/internal/core"
	apperrors "quantgraph/pkg/errors"
	"quantgraph/pkg/logging"
	"quantgraph/pkg/telemetry"
	"quantgraph/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// Execute applies o to acct. Either every effect of the order is applied or
// none is: all checks run before the first mutation. A failed order returns
// a Fill with Success=false alongside the error.
func Execute(acct *Account, o Order, fees FeeModel) (Fill, error) {
	fill := Fill{Order: o}
	if err := o.Validate(); err != nil {
		return fill, err
	}

	gross := o.Gross()
	fee := fees.Fee(gross, o.Side)
	if fee.IsNegative() {
		return fill, fmt.Errorf("%w: negative fee %s", apperrors.ErrInvalidOrderParameter, fee)
	}
	fill.Gross = gross
	fill.Fee = fee

	switch o.Side {
	case SideBuy:
		required := gross.Add(fee)
		if acct.cash.LessThan(required) {
			return fill, &InsufficientCashError{Symbol: o.Symbol, Required: required, Available: acct.cash}
		}

		pos, ok := acct.positions[o.Symbol]
		if !ok {
			pos = &Position{Symbol: o.Symbol}
			acct.positions[o.Symbol] = pos
		}
		pos.AvgCost = tradingutils.WeightedAverageCost(pos.Quantity, pos.AvgCost, o.Quantity, o.Price)
		pos.Quantity += o.Quantity
		acct.cash = acct.cash.Sub(required)

		fill.CashDelta = required.Neg()
		fill.Position = *pos

	case SideSell:
		held := acct.Quantity(o.Symbol)
		if held < o.Quantity {
			return fill, &InsufficientPositionError{Symbol: o.Symbol, Requested: o.Quantity, Held: held}
		}

		pos := acct.positions[o.Symbol]
		proceeds := gross.Sub(fee)
		fill.RealizedPnL = o.Price.Sub(pos.AvgCost).Mul(decimal.NewFromInt(o.Quantity)).Sub(fee)

		pos.Quantity -= o.Quantity
		acct.cash = acct.cash.Add(proceeds)
		fill.CashDelta = proceeds
		fill.Position = *pos

		if pos.Quantity == 0 {
			delete(acct.positions, o.Symbol)
			fill.Closed = true
		}
	}

	fill.Success = true
	return fill, nil
}

// PurgeZeroPositions removes entries whose quantity is not positive and
// returns how many were removed. It is a no-op on accounts only ever
// mutated through Execute.
func PurgeZeroPositions(acct *Account) int {
	removed := 0
	for sym, p := range acct.positions {
		if p.Quantity <= 0 {
			delete(acct.positions, sym)
			removed++
		}
	}
	return removed
}

// Stats accumulates what a SimBroker has done
type Stats struct {
	Fills      int             `json:"fills"`
	Rejections int             `json:"rejections"`
	TotalFees  decimal.Decimal `json:"total_fees"`
	Turnover   decimal.Decimal `json:"turnover"`
	Realized   decimal.Decimal `json:"realized_pnl"`
}

// SimBroker owns one Account and executes orders against it. It never
// retries: a rejected order is reported to the caller as is.
type SimBroker struct {
	account    *Account
	fees       FeeModel
	buyLotSize int64
	logger     core.ILogger
	metrics    *telemetry.MetricsHolder
	stats      Stats
}

// Option configures a SimBroker
type Option func(*SimBroker)

// WithBuyLotSize rejects buys whose quantity is not a multiple of lot.
// Sells are never lot constrained.
func WithBuyLotSize(lot int64) Option {
	return func(b *SimBroker) {
		if lot > 1 {
			b.buyLotSize = lot
		}
	}
}

// WithLogger sets the broker's logger
func WithLogger(logger core.ILogger) Option {
	return func(b *SimBroker) {
		b.logger = logger
	}
}

// New creates a SimBroker that takes ownership of acct
func New(acct *Account, fees FeeModel, opts ...Option) *SimBroker {
	b := &SimBroker{
		account:    acct,
		fees:       fees,
		buyLotSize: 1,
		logger:     logging.NewNopLogger(),
		metrics:    telemetry.GetGlobalMetrics(),
		stats: Stats{
			TotalFees: decimal.Zero,
			Turnover:  decimal.Zero,
			Realized:  decimal.Zero,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.WithField("component", "simbroker")
	return b
}

// Account exposes the owned account for reading
func (b *SimBroker) Account() *Account {
	return b.account
}

// FeeModel returns the broker's fee policy
func (b *SimBroker) FeeModel() FeeModel {
	return b.fees
}

// BuyLotSize returns the enforced buy lot, 1 when unconstrained
func (b *SimBroker) BuyLotSize() int64 {
	return b.buyLotSize
}

// Stats returns accumulated counters
func (b *SimBroker) Stats() Stats {
	return b.stats
}

// Execute validates the lot policy and applies o to the owned account
func (b *SimBroker) Execute(ctx context.Context, o Order) (Fill, error) {
	if o.Side == SideBuy && b.buyLotSize > 1 && o.Quantity%b.buyLotSize != 0 {
		err := fmt.Errorf("%w: buy quantity %d is not a multiple of lot %d", apperrors.ErrInvalidOrderParameter, o.Quantity, b.buyLotSize)
		b.reject(ctx, o, err)
		return Fill{Order: o}, err
	}

	fill, err := Execute(b.account, o, b.fees)
	if err != nil {
		b.reject(ctx, o, err)
		return fill, err
	}

	b.stats.Fills++
	b.stats.TotalFees = b.stats.TotalFees.Add(fill.Fee)
	b.stats.Turnover = b.stats.Turnover.Add(fill.Gross)
	b.stats.Realized = b.stats.Realized.Add(fill.RealizedPnL)
	b.metrics.RecordFill(ctx, string(o.Side), fill.Gross.InexactFloat64(), fill.Fee.InexactFloat64())

	b.logger.Debug("Order filled",
		"symbol", o.Symbol,
		"side", o.Side,
		"quantity", o.Quantity,
		"price", o.Price.String(),
		"fee", fill.Fee.String(),
		"cash", b.account.Cash().String(),
	)
	return fill, nil
}

// PurgeZeroPositions runs the maintenance purge on the owned account
func (b *SimBroker) PurgeZeroPositions() int {
	removed := PurgeZeroPositions(b.account)
	if removed > 0 {
		b.logger.Warn("Purged zero-quantity positions", "removed", removed)
	}
	return removed
}

func (b *SimBroker) reject(ctx context.Context, o Order, err error) {
	b.stats.Rejections++
	b.metrics.RecordRejection(ctx, string(o.Side), rejectionReason(err))
	b.logger.Info("Order rejected", "order", o.String(), "error", err)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrInsufficientCash):
		return "insufficient_cash"
	case errors.Is(err, apperrors.ErrInsufficientPosition):
		return "insufficient_position"
	case errors.Is(err, apperrors.ErrInvalidOrderParameter):
		return "invalid_order"
	default:
		return "other"
	}
}
