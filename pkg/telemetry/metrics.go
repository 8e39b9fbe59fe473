package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "quantgraph"

// Metric names
const (
	MetricFillsTotal            = "quantgraph_fills_total"
	MetricRejectionsTotal       = "quantgraph_order_rejections_total"
	MetricFeesTotal             = "quantgraph_fees_total"
	MetricTurnoverTotal         = "quantgraph_turnover_total"
	MetricGraphExecutionsTotal  = "quantgraph_graph_executions_total"
	MetricNodeFailuresTotal     = "quantgraph_node_failures_total"
	MetricGraphExecutionLatency = "quantgraph_graph_execution_ms"
	MetricBacktestsTotal        = "quantgraph_backtests_total"
	MetricEquity                = "quantgraph_equity"
	MetricOpenPositions         = "quantgraph_open_positions"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	FillsTotal            metric.Int64Counter
	RejectionsTotal       metric.Int64Counter
	FeesTotal             metric.Float64Counter
	TurnoverTotal         metric.Float64Counter
	GraphExecutionsTotal  metric.Int64Counter
	NodeFailuresTotal     metric.Int64Counter
	GraphExecutionLatency metric.Float64Histogram
	BacktestsTotal        metric.Int64Counter
	Equity                metric.Float64ObservableGauge
	OpenPositions         metric.Int64ObservableGauge

	// State for observable gauges, keyed by run id
	mu               sync.RWMutex
	equityMap        map[string]float64
	openPositionsMap map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder. Instruments are
// bound to the global meter provider, so they start as no-ops and begin
// exporting once Setup installs a real provider.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			equityMap:        make(map[string]float64),
			openPositionsMap: make(map[string]int64),
		}
		if err := globalMetrics.InitMetrics(otel.GetMeterProvider().Meter(meterName)); err != nil {
			otel.Handle(err)
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.FillsTotal, err = meter.Int64Counter(MetricFillsTotal, metric.WithDescription("Orders filled by the simulated broker"))
	if err != nil {
		return err
	}

	m.RejectionsTotal, err = meter.Int64Counter(MetricRejectionsTotal, metric.WithDescription("Orders rejected by the simulated broker"))
	if err != nil {
		return err
	}

	m.FeesTotal, err = meter.Float64Counter(MetricFeesTotal, metric.WithDescription("Cumulative fees charged"))
	if err != nil {
		return err
	}

	m.TurnoverTotal, err = meter.Float64Counter(MetricTurnoverTotal, metric.WithDescription("Cumulative gross traded amount"))
	if err != nil {
		return err
	}

	m.GraphExecutionsTotal, err = meter.Int64Counter(MetricGraphExecutionsTotal, metric.WithDescription("Strategy graph executions"))
	if err != nil {
		return err
	}

	m.NodeFailuresTotal, err = meter.Int64Counter(MetricNodeFailuresTotal, metric.WithDescription("Node execution failures"))
	if err != nil {
		return err
	}

	m.GraphExecutionLatency, err = meter.Float64Histogram(MetricGraphExecutionLatency, metric.WithDescription("Strategy graph execution latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.BacktestsTotal, err = meter.Int64Counter(MetricBacktestsTotal, metric.WithDescription("Completed backtest runs"))
	if err != nil {
		return err
	}

	// Observables
	m.Equity, err = meter.Float64ObservableGauge(MetricEquity, metric.WithDescription("Latest equity of a simulated account"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for run, val := range m.equityMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("run", run)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.OpenPositions, err = meter.Int64ObservableGauge(MetricOpenPositions, metric.WithDescription("Open positions of a simulated account"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for run, val := range m.openPositionsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("run", run)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// RecordFill counts a successful fill
func (m *MetricsHolder) RecordFill(ctx context.Context, side string, gross, fee float64) {
	attrs := metric.WithAttributes(attribute.String("side", side))
	m.FillsTotal.Add(ctx, 1, attrs)
	m.FeesTotal.Add(ctx, fee, attrs)
	m.TurnoverTotal.Add(ctx, gross, attrs)
}

// RecordRejection counts a rejected order
func (m *MetricsHolder) RecordRejection(ctx context.Context, side, reason string) {
	m.RejectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("side", side),
		attribute.String("reason", reason),
	))
}

// RecordGraphExecution counts one graph execution and its node failures
func (m *MetricsHolder) RecordGraphExecution(ctx context.Context, latencyMs float64, failedNodeTypes []string) {
	m.GraphExecutionsTotal.Add(ctx, 1)
	m.GraphExecutionLatency.Record(ctx, latencyMs)
	for _, typ := range failedNodeTypes {
		m.NodeFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("node_type", typ)))
	}
}

// RecordBacktest counts a finished backtest
func (m *MetricsHolder) RecordBacktest(ctx context.Context, status string) {
	m.BacktestsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// Helpers to update observable state

func (m *MetricsHolder) SetEquity(run string, equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equityMap[run] = equity
}

func (m *MetricsHolder) SetOpenPositions(run string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositionsMap[run] = count
}

// ClearRun drops gauge state of a finished run
func (m *MetricsHolder) ClearRun(run string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.equityMap, run)
	delete(m.openPositionsMap, run)
}

func (m *MetricsHolder) GetEquity() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.equityMap {
		res[k] = v
	}
	return res
}
