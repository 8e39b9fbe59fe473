package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"quantgraph/internal/bootstrap"
	"quantgraph/internal/core"
	"quantgraph/internal/market"
	"quantgraph/internal/storage"
	"quantgraph/internal/strategy/graph"
	"quantgraph/internal/strategy/nodes"
	"quantgraph/internal/trading/backtest"
	"quantgraph/pkg/logging"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

type options struct {
	configPath string
	graphPath  string
	strategyID string
	start      string
	end        string
	capital    string
	outPath    string
	save       bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file (defaults when empty)")
	flag.StringVar(&opts.graphPath, "graph", "", "LiteGraph strategy file")
	flag.StringVar(&opts.strategyID, "strategy", "", "Saved strategy id, used when -graph is empty")
	flag.StringVar(&opts.start, "start", "", "First date, YYYY-MM-DD")
	flag.StringVar(&opts.end, "end", "", "Last date, YYYY-MM-DD")
	flag.StringVar(&opts.capital, "capital", "", "Initial capital (overrides config)")
	flag.StringVar(&opts.outPath, "out", "", "Write the report here instead of stdout")
	flag.BoolVar(&opts.save, "save", false, "Persist the run to the configured store")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "backtest: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	cfg, err := bootstrap.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	// stdout carries the report
	logger, err := logging.NewZapLoggerTo(cfg.System.LogLevel, os.Stderr)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(logger)
	defer func() { _ = logger.Sync() }()

	start, err := market.ParseDate(opts.start)
	if err != nil {
		return fmt.Errorf("-start: %w", err)
	}
	end, err := market.ParseDate(opts.end)
	if err != nil {
		return fmt.Errorf("-end: %w", err)
	}
	capital := decimal.Zero
	if opts.capital != "" {
		if capital, err = decimal.NewFromString(opts.capital); err != nil {
			return fmt.Errorf("-capital: %w", err)
		}
	}

	store, err := bootstrap.NewStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	g, err := loadGraph(ctx, opts, store, logger)
	if err != nil {
		return err
	}

	provider, err := bootstrap.NewProvider(cfg)
	if err != nil {
		return err
	}
	runner := bootstrap.NewRunner(cfg, provider, logger, backtest.WithProgress(func(p backtest.Progress) {
		logger.Debug("Backtest progress", "date", p.Date, "index", p.Index, "total", p.Total, "equity", p.Equity)
	}))

	report, runErr := runner.Run(ctx, g, bootstrap.NewBacktestConfig(cfg, start, end, capital))
	if report == nil {
		return runErr
	}

	if opts.save {
		r := &storage.Run{ID: report.ID, StrategyID: opts.strategyID, Report: report}
		if err := store.SaveRun(context.WithoutCancel(ctx), r); err != nil {
			logger.Error("Failed to save run", "run_id", report.ID, "error", err)
		} else {
			logger.Info("Run saved", "run_id", report.ID)
		}
	}

	if err := writeReport(opts.outPath, report); err != nil {
		return err
	}
	return runErr
}

func loadGraph(ctx context.Context, opts options, store storage.Store, logger core.ILogger) (*graph.Graph, error) {
	var doc []byte
	switch {
	case opts.graphPath != "":
		data, err := os.ReadFile(opts.graphPath)
		if err != nil {
			return nil, fmt.Errorf("read graph: %w", err)
		}
		doc = data
	case opts.strategyID != "":
		st, err := store.GetStrategy(ctx, opts.strategyID)
		if err != nil {
			return nil, err
		}
		doc = st.Graph
	default:
		return nil, errors.New("one of -graph or -strategy is required")
	}
	return graph.Unmarshal(doc, nodes.NewRegistry(), graph.WithLogger(logger))
}

func writeReport(path string, report *backtest.Report) error {
	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create report: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
