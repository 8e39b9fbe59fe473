package backtest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quantgraph/internal/market"
	"quantgraph/internal/strategy/graph"
	"quantgraph/internal/strategy/nodes"
	"quantgraph/internal/symbol"
	"quantgraph/internal/trading/simbroker"
	"quantgraph/pkg/concurrency"
	apperrors "quantgraph/pkg/errors"
	"quantgraph/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	d, err := market.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func snapshotOn(date string) *market.Snapshot {
	return market.NewSnapshot(day(date), []market.Quote{
		{Symbol: symbol.MustNormalize("600519"), Price: decimal.NewFromInt(100), PE: 30, MarketCap: 21000},
		{Symbol: symbol.MustNormalize("601318"), Price: decimal.NewFromInt(50), PE: 8, MarketCap: 8000},
		{Symbol: symbol.MustNormalize("000001"), Price: decimal.NewFromInt(10), PE: 6, MarketCap: 2000},
	}, nil)
}

// Tuesday to Thursday; the Monday and Friday around them have no data
func testProvider() *market.StaticProvider {
	return market.NewStaticProvider(snapshotOn("2024-01-02"), snapshotOn("2024-01-03"), snapshotOn("2024-01-04"))
}

func testConfig() Config {
	return Config{
		Start:          day("2024-01-01"),
		End:            day("2024-01-07"),
		InitialCapital: decimal.NewFromInt(1000000),
	}
}

func topTwoGraph(t *testing.T, reg *graph.Registry) *graph.Graph {
	t.Helper()
	g := graph.New(reg)
	var ids []graph.NodeID
	for _, typ := range []string{nodes.TypeDataSource, nodes.TypeSelection, nodes.TypeWeighting, nodes.TypeSignalOutput} {
		id, err := g.AddNodeOfType(typ)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 0; i < len(ids)-1; i++ {
		_, err := g.Connect(ids[i], 0, ids[i+1], 0)
		require.NoError(t, err)
	}
	sel, _ := g.Node(ids[1])
	require.NoError(t, sel.SetProperty("topN", 2))
	return g
}

func newRunner(opts ...Option) *Runner {
	return NewRunner(testProvider(), simbroker.NewFeeModel(simbroker.DefaultFeeConfig()), opts...)
}

func TestRunner_Pipeline(t *testing.T) {
	g := topTwoGraph(t, nodes.NewRegistry())

	report, err := newRunner().Run(context.Background(), g, testConfig())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, report.Status)
	assert.NotEmpty(t, report.ID)
	assert.Equal(t, []string{"2024-01-02", "2024-01-03", "2024-01-04"}, report.Dates)
	assert.Len(t, report.Equity, 3)
	assert.Equal(t, []string{"2024-01-01", "2024-01-05"}, report.NoDataDates)
	assert.Empty(t, report.NodeFailures)
	assert.Equal(t, 3, report.Metrics.TradingDays)

	require.GreaterOrEqual(t, len(report.Trades), 2)
	first, second := report.Trades[0], report.Trades[1]
	assert.Equal(t, "2024-01-02", first.Date)
	assert.Equal(t, symbol.Symbol("600519"), first.Symbol)
	assert.Equal(t, simbroker.SideBuy, first.Side)
	assert.Equal(t, int64(5000), first.Quantity)

	// fees leave too little cash for the full second lot; it is retried smaller
	assert.Equal(t, symbol.Symbol("601318"), second.Symbol)
	assert.Equal(t, int64(10000), second.Requested)
	assert.Equal(t, int64(9900), second.Quantity)

	assert.Equal(t, []symbol.Symbol{"600519", "601318"}, report.FinalWeights.Symbols())
	assert.True(t, report.TotalFees.IsPositive())
	assert.Less(t, report.Equity[0], 1000000.0)
	assert.Greater(t, report.Equity[0], 999000.0)
	assert.False(t, report.FinalAccount.Cash.IsNegative())
}

func TestRunner_NoSignalKeepsCash(t *testing.T) {
	reg := nodes.NewRegistry()
	g := graph.New(reg)
	_, err := g.AddNodeOfType(nodes.TypeDataSource)
	require.NoError(t, err)

	report, err := newRunner().Run(context.Background(), g, testConfig())
	require.NoError(t, err)

	assert.Empty(t, report.Trades)
	assert.Nil(t, report.FinalWeights)
	for _, v := range report.Equity {
		assert.Equal(t, 1000000.0, v)
	}
}

type failingSource struct{}

func (failingSource) Type() string                                 { return "test/FailingSource" }
func (failingSource) Inputs() []graph.Slot                         { return nil }
func (failingSource) Outputs() []graph.Slot                        { return []graph.Slot{{Name: "pool", Type: graph.SlotStockPool}} }
func (failingSource) Properties() map[string]interface{}           { return map[string]interface{}{} }
func (failingSource) SetProperty(name string, _ interface{}) error { return errors.New("no properties") }
func (failingSource) Execute(*graph.ExecContext, []graph.Value) ([]graph.Value, error) {
	return nil, errors.New("feed down")
}

func TestRunner_RecordsNodeFailures(t *testing.T) {
	reg := nodes.NewRegistry()
	require.NoError(t, reg.Register("test/FailingSource", func() graph.Node { return failingSource{} }))

	g := graph.New(reg)
	src, err := g.AddNodeOfType("test/FailingSource")
	require.NoError(t, err)
	out, err := g.AddNodeOfType(nodes.TypeSignalOutput)
	require.NoError(t, err)
	_, err = g.Connect(src, 0, out, 0)
	require.NoError(t, err)

	report, err := newRunner().Run(context.Background(), g, testConfig())
	require.NoError(t, err)

	require.Len(t, report.NodeFailures, 3)
	assert.Equal(t, src, report.NodeFailures[0].Node)
	assert.Equal(t, "test/FailingSource", report.NodeFailures[0].NodeType)
	assert.Contains(t, report.NodeFailures[0].Error, "feed down")
	assert.Empty(t, report.Trades)
}

func TestRunner_Progress(t *testing.T) {
	var seen []Progress
	runner := newRunner(WithProgress(func(p Progress) { seen = append(seen, p) }))

	report, err := runner.Run(context.Background(), topTwoGraph(t, nodes.NewRegistry()), testConfig())
	require.NoError(t, err)

	require.Len(t, seen, 3)
	assert.Equal(t, report.ID, seen[0].RunID)
	assert.Equal(t, "2024-01-04", seen[2].Date)
	assert.Equal(t, report.Equity[2], seen[2].Equity)
}

func TestRunner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := newRunner().Run(ctx, topTwoGraph(t, nodes.NewRegistry()), testConfig())
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Equal(t, StatusCancelled, report.Status)
	assert.Empty(t, report.Dates)
}

func TestRunner_InvalidConfig(t *testing.T) {
	g := topTwoGraph(t, nodes.NewRegistry())
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing dates", Config{InitialCapital: decimal.NewFromInt(1)}},
		{"end before start", Config{Start: day("2024-02-01"), End: day("2024-01-01"), InitialCapital: decimal.NewFromInt(1)}},
		{"no capital", Config{Start: day("2024-01-01"), End: day("2024-01-02")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newRunner().Run(context.Background(), g, tt.cfg)
			assert.ErrorIs(t, err, apperrors.ErrInvalidBacktest)
		})
	}
}

type brokenProvider struct{}

func (brokenProvider) Snapshot(context.Context, time.Time) (*market.Snapshot, error) {
	return nil, errors.New("connection refused")
}

func TestRunner_ProviderFailure(t *testing.T) {
	runner := NewRunner(brokenProvider{}, simbroker.NewFeeModel(simbroker.DefaultFeeConfig()))

	report, err := runner.Run(context.Background(), topTwoGraph(t, nodes.NewRegistry()), testConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2024-01-01")
	assert.Equal(t, StatusFailed, report.Status)
}

func TestRunner_Deterministic(t *testing.T) {
	reg := nodes.NewRegistry()
	cfg := testConfig()
	cfg.ID = "fixed"

	a, err := newRunner().Run(context.Background(), topTwoGraph(t, reg), cfg)
	require.NoError(t, err)
	b, err := newRunner().Run(context.Background(), topTwoGraph(t, reg), cfg)
	require.NoError(t, err)

	assert.Equal(t, a.Equity, b.Equity)
	assert.Equal(t, len(a.Trades), len(b.Trades))
	assert.Equal(t, a.Metrics, b.Metrics)
}

func TestRunner_RunBatch(t *testing.T) {
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "backtest", MaxWorkers: 2}, logging.NewNopLogger())
	defer pool.Stop()

	g := topTwoGraph(t, nodes.NewRegistry())
	small := testConfig()
	small.InitialCapital = decimal.NewFromInt(100000)
	bad := testConfig()
	bad.InitialCapital = decimal.Zero

	jobs := []Job{
		{Name: "large", Graph: g, Config: testConfig()},
		{Name: "small", Graph: g, Config: small},
		{Name: "bad", Graph: g, Config: bad},
	}

	var mu sync.Mutex
	progressByRun := map[string]int{}
	runner := newRunner(WithProgress(func(p Progress) {
		mu.Lock()
		progressByRun[p.RunID]++
		mu.Unlock()
	}))

	results := runner.RunBatch(context.Background(), pool, jobs)
	require.Len(t, results, 3)

	assert.Equal(t, "large", results[0].Name)
	require.NoError(t, results[0].Err())
	assert.Equal(t, StatusCompleted, results[0].Report.Status)
	assert.NotEmpty(t, results[0].Report.Trades)

	require.NoError(t, results[1].Err())
	assert.Len(t, results[1].Report.Dates, 3)

	assert.ErrorIs(t, results[2].Err(), apperrors.ErrInvalidBacktest)
	assert.NotEmpty(t, results[2].Error)
	assert.Nil(t, results[2].Report)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, progressByRun, 2)
}
