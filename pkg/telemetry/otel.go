package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	tracetype "go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
)

// Options selects the signals Setup installs
type Options struct {
	ServiceName string
	Version     string

	// Traces exports spans and log records as JSON lines to Writer,
	// stdout when nil
	Traces bool
	Writer io.Writer

	// Metrics serves instruments through Registerer, the Prometheus
	// default registry when nil
	Metrics    bool
	Registerer promclient.Registerer
}

// Telemetry owns the providers Setup installed. Disabled signals have a
// nil provider and stay on the otel no-op globals.
type Telemetry struct {
	res *resource.Resource
	tp  *trace.TracerProvider
	mp  *sdkmetric.MeterProvider
	lp  *sdklog.LoggerProvider
}

// Setup builds the providers for opts and installs them as the otel
// globals.
func Setup(opts Options) (*Telemetry, error) {
	t, err := build(context.Background(), opts)
	if err != nil {
		return nil, err
	}
	if t.tp != nil {
		otel.SetTracerProvider(t.tp)
	}
	if t.mp != nil {
		// instruments created earlier through the global delegate rebind here
		otel.SetMeterProvider(t.mp)
		GetGlobalMetrics()
	}
	if t.lp != nil {
		global.SetLoggerProvider(t.lp)
	}
	return t, nil
}

func build(ctx context.Context, opts Options) (*Telemetry, error) {
	if opts.ServiceName == "" {
		return nil, errors.New("telemetry: service name is required")
	}
	res, err := newResource(ctx, opts)
	if err != nil {
		return nil, err
	}
	t := &Telemetry{res: res}

	if opts.Traces {
		w := opts.Writer
		if w == nil {
			w = os.Stdout
		}
		if t.tp, err = newTracerProvider(res, w); err != nil {
			return nil, err
		}
		if t.lp, err = newLoggerProvider(res, w); err != nil {
			return nil, multierr.Append(err, t.tp.Shutdown(ctx))
		}
	}
	if opts.Metrics {
		if t.mp, err = newMeterProvider(res, opts.Registerer); err != nil {
			return nil, multierr.Append(err, t.shutdownExporters(ctx))
		}
	}
	return t, nil
}

func newResource(ctx context.Context, opts Options) (*resource.Resource, error) {
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(version),
		),
		resource.WithProcessPID(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	return res, nil
}

func newTracerProvider(res *resource.Resource, w io.Writer) (*trace.TracerProvider, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	return trace.NewTracerProvider(trace.WithBatcher(exp), trace.WithResource(res)), nil
}

func newLoggerProvider(res *resource.Resource, w io.Writer) (*sdklog.LoggerProvider, error) {
	exp, err := stdoutlog.New(stdoutlog.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("log exporter: %w", err)
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	), nil
}

func newMeterProvider(res *resource.Resource, reg promclient.Registerer) (*sdkmetric.MeterProvider, error) {
	var expOpts []prometheus.Option
	if reg != nil {
		expOpts = append(expOpts, prometheus.WithRegisterer(reg))
	}
	exp, err := prometheus.New(expOpts...)
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp), sdkmetric.WithResource(res)), nil
}

// Resource describes the service every signal is exported under
func (t *Telemetry) Resource() *resource.Resource {
	return t.res
}

// Tracer returns a tracer from the installed provider, or the global one
// when traces are disabled.
func (t *Telemetry) Tracer(name string) tracetype.Tracer {
	if t.tp == nil {
		return GetTracer(name)
	}
	return t.tp.Tracer(name)
}

// Meter is Tracer for metrics
func (t *Telemetry) Meter(name string) metric.Meter {
	if t.mp == nil {
		return GetMeter(name)
	}
	return t.mp.Meter(name)
}

// Shutdown flushes and stops every installed provider
func (t *Telemetry) Shutdown(ctx context.Context) error {
	err := t.shutdownExporters(ctx)
	if t.mp != nil {
		err = multierr.Append(err, t.mp.Shutdown(ctx))
	}
	return err
}

func (t *Telemetry) shutdownExporters(ctx context.Context) error {
	var err error
	if t.tp != nil {
		err = multierr.Append(err, t.tp.Shutdown(ctx))
	}
	if t.lp != nil {
		err = multierr.Append(err, t.lp.Shutdown(ctx))
	}
	return err
}

// GetMeter returns a meter for the given name
func GetMeter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// GetTracer returns a tracer for the given name
func GetTracer(name string) tracetype.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}
