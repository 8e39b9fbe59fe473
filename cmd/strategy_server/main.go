package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"quantgraph/internal/api"
	"quantgraph/internal/bootstrap"
	"quantgraph/internal/strategy/nodes"
	"quantgraph/internal/trading/backtest"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/strategy.yaml", "Path to configuration file")
	port := flag.Int("port", 0, "Server port (overrides config)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("strategy_server version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}
	cfg := app.Cfg
	if *port != 0 {
		cfg.Server.Port = *port
	}
	logger := app.Logger

	provider, err := bootstrap.NewProvider(cfg)
	if err != nil {
		logger.Fatal("Failed to create market data provider", "error", err)
	}
	store, err := bootstrap.NewStore(cfg)
	if err != nil {
		logger.Fatal("Failed to open store", "error", err)
	}
	defer store.Close()

	pool := bootstrap.NewWorkerPool(cfg, logger)
	defer pool.Stop()

	hub := api.NewHub(logger)
	runner := bootstrap.NewRunner(cfg, provider, logger, backtest.WithProgress(hub.PublishProgress))
	server := api.NewServer(hub, api.Deps{
		Store:    store,
		Provider: provider,
		Registry: nodes.NewRegistry(),
		Runner:   runner,
		Pool:     pool,
		Defaults: bootstrap.NewBacktestConfig(cfg, time.Time{}, time.Time{}, decimal.Zero),
	}, api.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
	}, logger)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("Starting strategy_server",
		"version", version,
		"market_data", cfg.MarketData.Source,
		"storage", cfg.Storage.Driver,
		"addr", addr,
	)

	runners := []bootstrap.Runner{
		bootstrap.RunnerFunc(hub.Run),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			return server.Run(ctx, addr)
		}),
	}
	if cfg.Telemetry.EnableMetrics && cfg.Telemetry.MetricsPort != 0 && cfg.Telemetry.MetricsPort != cfg.Server.Port {
		runners = append(runners, bootstrap.RunnerFunc(func(ctx context.Context) error {
			return serveMetrics(ctx, fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort))
		}))
	}

	if err := app.Run(runners...); err != nil {
		os.Exit(1)
	}
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
