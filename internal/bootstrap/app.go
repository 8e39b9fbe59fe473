package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"quantgraph/internal/core"
	"quantgraph/pkg/logging"
	"quantgraph/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// App represents the application context and holds core dependencies.
type App struct {
	Cfg       *Config
	Logger    core.ILogger
	Telemetry *telemetry.Telemetry
}

// NewApp creates a new App instance by bootstrapping all dependencies.
// An empty configPath runs on DefaultConfig. A non-empty version
// overrides app.version from the file.
func NewApp(configPath, version string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if version != "" {
		cfg.App.Version = version
	}
	return NewAppFromConfig(cfg, os.Stdout)
}

// NewAppFromConfig bootstraps from an already loaded configuration.
func NewAppFromConfig(cfg *Config, w io.Writer) (*App, error) {
	logger, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	app := &App{Cfg: cfg, Logger: logger}
	if cfg.Telemetry.EnableMetrics || cfg.Telemetry.EnableTracing {
		tel, err := telemetry.Setup(TelemetryOptions(cfg, w))
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		app.Telemetry = tel
	}
	return app, nil
}

// TelemetryOptions maps the telemetry section onto telemetry.Options.
// Spans and log records go to w.
func TelemetryOptions(cfg *Config, w io.Writer) telemetry.Options {
	return telemetry.Options{
		ServiceName: cfg.App.Name,
		Version:     cfg.App.Version,
		Traces:      cfg.Telemetry.EnableTracing,
		Writer:      w,
		Metrics:     cfg.Telemetry.EnableMetrics,
	}
}

// Runner is an interface for components that can be run and stopped gracefully.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Run orchestrates the application lifecycle, including signal handling.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx, runners...)
}

// RunContext runs every runner until all return or one fails; the first
// failure cancels the others.
func (a *App) RunContext(ctx context.Context, runners ...Runner) error {
	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("starting application", "name", a.Cfg.App.Name)

	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	err := g.Wait()
	if a.Telemetry != nil {
		shutdownCtx := context.Background()
		if terr := a.Telemetry.Shutdown(shutdownCtx); terr != nil {
			a.Logger.Warn("telemetry shutdown failed", "error", terr)
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("application shut down gracefully")
	return nil
}

// InitLogger builds the zap logger for cfg and installs it globally
func InitLogger(cfg *Config) (core.ILogger, error) {
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, err
	}
	logging.SetGlobalLogger(logger)
	return logger, nil
}
