package bootstrap

import (
	"fmt"
	"time"

	"quantgraph/internal/core"
	"quantgraph/internal/market"
	"quantgraph/internal/storage"
	"quantgraph/internal/trading/backtest"
	"quantgraph/internal/trading/rebalance"
	"quantgraph/internal/trading/simbroker"
	"quantgraph/pkg/concurrency"

	"github.com/shopspring/decimal"
)

// NewProvider builds the market data source named by cfg
func NewProvider(cfg *Config) (market.Provider, error) {
	md := cfg.MarketData
	switch md.Source {
	case "static":
		return market.LoadStaticProvider(md.Path)
	case "synthetic":
		sc := market.SyntheticConfig{
			Seed:       md.Seed,
			Count:      md.Symbols,
			Drift:      md.Drift,
			Volatility: md.Volatility,
		}
		if md.Origin != "" {
			origin, err := market.ParseDate(md.Origin)
			if err != nil {
				return nil, fmt.Errorf("market_data.origin: %w", err)
			}
			sc.Origin = origin
		}
		return market.NewSyntheticProvider(sc), nil
	case "remote":
		return market.NewRemoteProvider(md.BaseURL, md.Token.Reveal(), time.Duration(md.Timeout)*time.Second), nil
	default:
		return nil, fmt.Errorf("unknown market data source %q", md.Source)
	}
}

// NewStore opens the configured strategy and run store
func NewStore(cfg *Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		return storage.NewSQLiteStore(cfg.Storage.Path)
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// NewRunner builds a backtest runner from the broker and backtest sections
func NewRunner(cfg *Config, provider market.Provider, logger core.ILogger, opts ...backtest.Option) *backtest.Runner {
	planner := rebalance.NewPlanner(
		rebalance.WithLotSize(cfg.Broker.LotSize),
		rebalance.WithMinTradeValue(decimal.NewFromFloat(cfg.Broker.MinTradeValue)),
	)
	base := []backtest.Option{
		backtest.WithPlanner(planner),
		backtest.WithLogger(logger),
	}
	if cfg.Broker.EnforceBuyLot {
		base = append(base, backtest.WithBuyLotSize(cfg.Broker.LotSize))
	}
	return backtest.NewRunner(provider, simbroker.NewFeeModel(cfg.Broker.FeeConfig()), append(base, opts...)...)
}

// NewBacktestConfig fills a run's settings from cfg; zero capital means
// the configured initial capital
func NewBacktestConfig(cfg *Config, start, end time.Time, capital decimal.Decimal) backtest.Config {
	if !capital.IsPositive() {
		capital = cfg.Broker.Capital()
	}
	return backtest.Config{
		Start:              start,
		End:                end,
		InitialCapital:     capital,
		RiskFreeRate:       cfg.Backtest.RiskFreeRate,
		TradingDaysPerYear: cfg.Backtest.TradingDaysPerYear,
	}
}

// NewWorkerPool builds the pool batch backtests run on
func NewWorkerPool(cfg *Config, logger core.ILogger) *concurrency.WorkerPool {
	return concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "backtest",
		MaxWorkers:  cfg.Backtest.Workers,
		MaxCapacity: cfg.Backtest.QueueSize,
	}, logger)
}
