package backtest

import (
	"context"
	"errors"

	"quantgraph/internal/core"
	"quantgraph/internal/symbol"
	"quantgraph/internal/trading/rebalance"
	"quantgraph/internal/trading/simbroker"
	apperrors "quantgraph/pkg/errors"

	"github.com/shopspring/decimal"
)

// Trade is one executed order in the run's trade log
type Trade struct {
	Date        string          `json:"date"`
	Symbol      symbol.Symbol   `json:"symbol"`
	Side        simbroker.Side  `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int64           `json:"quantity"`
	Gross       decimal.Decimal `json:"gross"`
	Fee         decimal.Decimal `json:"fee"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	// Requested differs from Quantity when a buy was shrunk to fit cash
	Requested int64 `json:"requested"`
}

// Rejection is an order the broker refused
type Rejection struct {
	Date   string          `json:"date"`
	Order  simbroker.Order `json:"order"`
	Reason string          `json:"reason"`
}

// SimulatedExchange routes one run's planned orders into its SimBroker. A
// buy rejected for cash is retried once at the largest size cash covers.
type SimulatedExchange struct {
	broker  *simbroker.SimBroker
	planner *rebalance.Planner
	logger  core.ILogger
}

// NewSimulatedExchange wraps broker
func NewSimulatedExchange(broker *simbroker.SimBroker, planner *rebalance.Planner, logger core.ILogger) *SimulatedExchange {
	return &SimulatedExchange{
		broker:  broker,
		planner: planner,
		logger:  logger,
	}
}

// Broker returns the wrapped broker
func (s *SimulatedExchange) Broker() *simbroker.SimBroker {
	return s.broker
}

// Submit executes o on date
func (s *SimulatedExchange) Submit(ctx context.Context, date string, o simbroker.Order) (Trade, error) {
	fill, err := s.broker.Execute(ctx, o)
	if err != nil && o.Side == simbroker.SideBuy && errors.Is(err, apperrors.ErrInsufficientCash) {
		if smaller, ok := s.planner.ShrinkBuy(o, s.broker.Account().Cash(), s.broker.FeeModel()); ok {
			s.logger.Debug("Retrying buy at reduced size",
				"date", date, "symbol", o.Symbol, "requested", o.Quantity, "quantity", smaller.Quantity)
			fill, err = s.broker.Execute(ctx, smaller)
		}
	}
	if err != nil {
		return Trade{}, err
	}

	return Trade{
		Date:        date,
		Symbol:      fill.Order.Symbol,
		Side:        fill.Order.Side,
		Price:       fill.Order.Price,
		Quantity:    fill.Order.Quantity,
		Gross:       fill.Gross,
		Fee:         fill.Fee,
		RealizedPnL: fill.RealizedPnL,
		Requested:   o.Quantity,
	}, nil
}
