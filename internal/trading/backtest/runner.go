// Package backtest replays a strategy graph over a range of trading dates
// against a simulated brokerage account.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quantgraph/internal/core"
	"quantgraph/internal/market"
	"quantgraph/internal/strategy/graph"
	"quantgraph/internal/trading/rebalance"
	"quantgraph/internal/trading/simbroker"
	apperrors "quantgraph/pkg/errors"
	"quantgraph/pkg/logging"
	"quantgraph/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Run statuses
const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Config describes one backtest
type Config struct {
	ID                 string          `json:"id"`
	Start              time.Time       `json:"start_date"`
	End                time.Time       `json:"end_date"`
	InitialCapital     decimal.Decimal `json:"initial_capital"`
	RiskFreeRate       float64         `json:"risk_free_rate"`
	TradingDaysPerYear int             `json:"trading_days_per_year"`
}

// Validate checks the date range and capital
func (c Config) Validate() error {
	if c.Start.IsZero() || c.End.IsZero() {
		return fmt.Errorf("%w: start and end dates are required", apperrors.ErrInvalidBacktest)
	}
	if c.End.Before(c.Start) {
		return fmt.Errorf("%w: end %s before start %s", apperrors.ErrInvalidBacktest,
			c.End.Format(market.DateLayout), c.Start.Format(market.DateLayout))
	}
	if !c.InitialCapital.IsPositive() {
		return fmt.Errorf("%w: initial capital must be positive, got %s", apperrors.ErrInvalidBacktest, c.InitialCapital)
	}
	return nil
}

// NodeFailure records a node that failed on a date
type NodeFailure struct {
	Date     string       `json:"date"`
	Node     graph.NodeID `json:"node"`
	NodeType string       `json:"node_type"`
	Error    string       `json:"error"`
}

// Report is the outcome of a run. A cancelled run returns the part
// completed so far.
type Report struct {
	ID           string                    `json:"id"`
	Status       string                    `json:"status"`
	Start        string                    `json:"start_date"`
	End          string                    `json:"end_date"`
	Dates        []string                  `json:"dates"`
	Equity       []float64                 `json:"equity"`
	FinalWeights graph.Weights             `json:"final_weights"`
	FinalAccount simbroker.AccountSnapshot `json:"final_account"`
	Metrics      Metrics                   `json:"metrics"`
	Trades       []Trade                   `json:"trades"`
	Rejections   []Rejection               `json:"rejections"`
	NodeFailures []NodeFailure             `json:"node_failures"`
	TotalFees    decimal.Decimal           `json:"total_fees"`
	// NoDataDates are weekdays the provider had no snapshot for
	NoDataDates []string `json:"no_data_dates,omitempty"`
}

// Progress is reported after each simulated date
type Progress struct {
	RunID  string  `json:"run_id"`
	Date   string  `json:"date"`
	Index  int     `json:"index"`
	Total  int     `json:"total"`
	Equity float64 `json:"equity"`
}

// Runner drives backtests. It holds no per-run state, so one Runner may
// serve concurrent runs as long as each run gets its own graph.
type Runner struct {
	provider market.Provider
	fees     simbroker.FeeModel
	planner  *rebalance.Planner
	buyLot   int64
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
	progress func(Progress)
}

// Option configures a Runner
type Option func(*Runner)

// WithPlanner replaces the default board-lot planner
func WithPlanner(p *rebalance.Planner) Option {
	return func(r *Runner) {
		r.planner = p
	}
}

// WithBuyLotSize makes the broker reject buys that are not whole lots
func WithBuyLotSize(lot int64) Option {
	return func(r *Runner) {
		r.buyLot = lot
	}
}

// WithLogger sets the logger
func WithLogger(logger core.ILogger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithProgress installs a callback invoked after every date. It is called
// from the goroutine running the backtest.
func WithProgress(fn func(Progress)) Option {
	return func(r *Runner) {
		r.progress = fn
	}
}

// NewRunner creates a runner reading snapshots from provider
func NewRunner(provider market.Provider, fees simbroker.FeeModel, opts ...Option) *Runner {
	r := &Runner{
		provider: provider,
		fees:     fees,
		planner:  rebalance.NewPlanner(),
		logger:   logging.NewNopLogger(),
		metrics:  telemetry.GetGlobalMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithField("component", "backtest")
	return r
}

// Run replays g over every weekday in cfg's range. Each date: fetch the
// snapshot, execute the graph, and when a signal was emitted rebalance to
// it. Dates without a signal keep the current holdings. Equity is marked
// at the snapshot's prices after trading.
func (r *Runner) Run(ctx context.Context, g *graph.Graph, cfg Config) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.RiskFreeRate == 0 {
		cfg.RiskFreeRate = DefaultRiskFreeRate
	}
	if cfg.TradingDaysPerYear <= 0 {
		cfg.TradingDaysPerYear = DefaultTradingDaysPerYear
	}

	ctx, span := telemetry.GetTracer("backtest").Start(ctx, "backtest.run",
		trace.WithAttributes(
			attribute.String("backtest.id", cfg.ID),
			attribute.String("backtest.start", cfg.Start.Format(market.DateLayout)),
			attribute.String("backtest.end", cfg.End.Format(market.DateLayout)),
		))
	defer span.End()
	defer r.metrics.ClearRun(cfg.ID)

	log := r.logger.WithField("run", cfg.ID)
	acct := simbroker.NewAccount(cfg.InitialCapital)
	broker := simbroker.New(acct, r.fees, simbroker.WithBuyLotSize(r.buyLot), simbroker.WithLogger(log))
	exch := NewSimulatedExchange(broker, r.planner, log)

	report := &Report{
		ID:           cfg.ID,
		Start:        cfg.Start.Format(market.DateLayout),
		End:          cfg.End.Format(market.DateLayout),
		Dates:        []string{},
		Equity:       []float64{},
		Trades:       []Trade{},
		Rejections:   []Rejection{},
		NodeFailures: []NodeFailure{},
	}

	days := market.TradingDays(cfg.Start, cfg.End)
	log.Info("Backtest started", "dates", len(days), "capital", cfg.InitialCapital.String())

	finish := func(status string, err error) (*Report, error) {
		report.Status = status
		report.FinalAccount = acct.Snapshot()
		report.TotalFees = broker.Stats().TotalFees
		report.Metrics = ComputeMetrics(report.Equity, cfg.RiskFreeRate, cfg.TradingDaysPerYear)
		r.metrics.RecordBacktest(ctx, status)
		span.SetAttributes(attribute.String("backtest.status", status), attribute.Int("backtest.days", len(report.Dates)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Warn("Backtest stopped", "status", status, "error", err)
		} else {
			log.Info("Backtest finished", "days", len(report.Dates), "trades", len(report.Trades),
				"total_return", report.Metrics.TotalReturn)
		}
		return report, err
	}

	for i, day := range days {
		if err := ctx.Err(); err != nil {
			return finish(StatusCancelled, err)
		}
		date := day.Format(market.DateLayout)

		snap, err := r.provider.Snapshot(ctx, day)
		if errors.Is(err, apperrors.ErrNoMarketData) {
			report.NoDataDates = append(report.NoDataDates, date)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return finish(StatusCancelled, ctx.Err())
			}
			return finish(StatusFailed, fmt.Errorf("snapshot %s: %w", date, err))
		}

		result := g.ExecuteContext(ctx, snap)
		for _, f := range result.Failures {
			report.NodeFailures = append(report.NodeFailures, NodeFailure{
				Date:     date,
				Node:     f.Node,
				NodeType: f.NodeType,
				Error:    f.Err.Error(),
			})
		}

		if weights, ok := result.Signal(); ok {
			report.FinalWeights = weights
			r.rebalance(ctx, exch, date, weights, snap, report)
		}

		equity := acct.Equity(snap.Prices()).InexactFloat64()
		report.Dates = append(report.Dates, date)
		report.Equity = append(report.Equity, equity)
		r.metrics.SetEquity(cfg.ID, equity)
		r.metrics.SetOpenPositions(cfg.ID, int64(acct.PositionCount()))

		if r.progress != nil {
			r.progress(Progress{RunID: cfg.ID, Date: date, Index: i + 1, Total: len(days), Equity: equity})
		}
	}

	return finish(StatusCompleted, nil)
}

func (r *Runner) rebalance(ctx context.Context, exch *SimulatedExchange, date string, weights graph.Weights, snap *market.Snapshot, report *Report) {
	plan := r.planner.Plan(exch.Broker().Account(), weights, snap)
	for _, o := range plan.Orders {
		trade, err := exch.Submit(ctx, date, o)
		if err != nil {
			report.Rejections = append(report.Rejections, Rejection{Date: date, Order: o, Reason: err.Error()})
			continue
		}
		report.Trades = append(report.Trades, trade)
	}
}
