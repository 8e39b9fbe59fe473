package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"quantgraph/internal/market"
	"quantgraph/internal/storage"
	"quantgraph/internal/strategy/graph"
	"quantgraph/internal/strategy/nodes"
	"quantgraph/internal/symbol"
	"quantgraph/internal/trading/backtest"
	"quantgraph/internal/trading/simbroker"
	"quantgraph/pkg/concurrency"
	"quantgraph/pkg/logging"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotOn(date string) *market.Snapshot {
	d, err := market.ParseDate(date)
	if err != nil {
		panic(err)
	}
	return market.NewSnapshot(d, []market.Quote{
		{Symbol: symbol.MustNormalize("600519"), Price: decimal.NewFromInt(100), PE: 30, MarketCap: 21000},
		{Symbol: symbol.MustNormalize("601318"), Price: decimal.NewFromInt(50), PE: 8, MarketCap: 8000},
		{Symbol: symbol.MustNormalize("000001"), Price: decimal.NewFromInt(10), PE: 6, MarketCap: 2000},
	}, nil)
}

func topTwoDocument(t *testing.T, reg *graph.Registry) json.RawMessage {
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
	data, err := graph.Marshal(g)
	require.NoError(t, err)
	return data
}

type testEnv struct {
	srv   *Server
	hub   *Hub
	store storage.Store
	http  *httptest.Server
	graph json.RawMessage
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	logger := logging.NewNopLogger()
	hub, _ := startHub(t)

	provider := market.NewStaticProvider(snapshotOn("2024-01-02"), snapshotOn("2024-01-03"), snapshotOn("2024-01-04"))
	runner := backtest.NewRunner(provider, simbroker.NewFeeModel(simbroker.DefaultFeeConfig()),
		backtest.WithLogger(logger), backtest.WithProgress(hub.PublishProgress))
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "test", MaxWorkers: 2}, logger)
	t.Cleanup(pool.Stop)

	store := storage.NewMemoryStore()
	reg := nodes.NewRegistry()
	deps := Deps{
		Store:    store,
		Provider: provider,
		Registry: reg,
		Runner:   runner,
		Pool:     pool,
		Defaults: backtest.Config{InitialCapital: decimal.NewFromInt(1000000)},
	}
	srv := NewServer(hub, deps, opts, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, hub: hub, store: store, http: ts, graph: topTwoDocument(t, reg)}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.http.URL+path, &buf)
	require.NoError(t, err)
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out.Bytes()
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t, Options{})
	code, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"status":"ok"`)
}

func TestServer_NodeCatalogue(t *testing.T) {
	env := newTestEnv(t, Options{})
	code, body := env.do(t, http.MethodGet, "/api/v1/nodes", nil)
	require.Equal(t, http.StatusOK, code)

	var infos []NodeTypeInfo
	require.NoError(t, json.Unmarshal(body, &infos))
	require.Len(t, infos, 6)
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Type
	}
	assert.Contains(t, names, nodes.TypeSelection)
	assert.Contains(t, names, nodes.TypeSignalOutput)
}

func TestServer_StrategyLifecycle(t *testing.T) {
	env := newTestEnv(t, Options{})

	code, body := env.do(t, http.MethodPost, "/api/v1/strategies", strategyRequest{Name: "top two", Graph: env.graph})
	require.Equal(t, http.StatusCreated, code, string(body))
	var created storage.Strategy
	require.NoError(t, json.Unmarshal(body, &created))
	require.NotEmpty(t, created.ID)

	code, body = env.do(t, http.MethodGet, "/api/v1/strategies/"+created.ID, nil)
	require.Equal(t, http.StatusOK, code)
	var fetched storage.Strategy
	require.NoError(t, json.Unmarshal(body, &fetched))
	assert.Equal(t, "top two", fetched.Name)

	code, _ = env.do(t, http.MethodPut, "/api/v1/strategies/"+created.ID,
		strategyRequest{Name: "renamed", Graph: env.graph})
	require.Equal(t, http.StatusOK, code)

	code, body = env.do(t, http.MethodGet, "/api/v1/strategies", nil)
	require.Equal(t, http.StatusOK, code)
	var list []storage.Strategy
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "renamed", list[0].Name)

	code, _ = env.do(t, http.MethodDelete, "/api/v1/strategies/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = env.do(t, http.MethodGet, "/api/v1/strategies/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = env.do(t, http.MethodPut, "/api/v1/strategies/"+created.ID,
		strategyRequest{Name: "gone", Graph: env.graph})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServer_RejectsBadStrategies(t *testing.T) {
	env := newTestEnv(t, Options{})

	tests := []struct {
		name string
		req  strategyRequest
	}{
		{"missing graph", strategyRequest{Name: "empty"}},
		{"unknown node type", strategyRequest{Name: "x", Graph: json.RawMessage(`{"nodes":[{"id":1,"type":"quant/Nope"}],"links":[]}`)}},
		{"missing name", strategyRequest{Graph: env.graph}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := env.do(t, http.MethodPost, "/api/v1/strategies", tt.req)
			assert.Equal(t, http.StatusBadRequest, code)
		})
	}

	list, err := env.store.ListStrategies(t.Context())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestServer_ExecuteGraph(t *testing.T) {
	env := newTestEnv(t, Options{})

	code, body := env.do(t, http.MethodPost, "/api/v1/graph/execute", executeRequest{Graph: env.graph, Date: "2024-01-02"})
	require.Equal(t, http.StatusOK, code, string(body))
	var resp ExecuteResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Len(t, resp.Order, 4)
	assert.Empty(t, resp.Failures)
	assert.Equal(t, []symbol.Symbol{"600519", "601318"}, resp.Signal.Symbols())

	code, _ = env.do(t, http.MethodPost, "/api/v1/graph/execute", executeRequest{Graph: env.graph, Date: "2024-01-06"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = env.do(t, http.MethodPost, "/api/v1/graph/execute", executeRequest{Graph: env.graph, Date: "Jan 2"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestServer_BacktestSavedStrategy(t *testing.T) {
	env := newTestEnv(t, Options{})

	st := &storage.Strategy{Name: "top two", Graph: env.graph}
	require.NoError(t, env.store.SaveStrategy(t.Context(), st))

	code, body := env.do(t, http.MethodPost, "/api/v1/backtest", backtestRequest{
		StrategyID: st.ID,
		StartDate:  "2024-01-01",
		EndDate:    "2024-01-05",
	})
	require.Equal(t, http.StatusOK, code, string(body))
	var run storage.Run
	require.NoError(t, json.Unmarshal(body, &run))
	require.NotNil(t, run.Report)
	assert.Equal(t, backtest.StatusCompleted, run.Status)
	assert.Equal(t, st.ID, run.StrategyID)
	assert.Equal(t, []string{"2024-01-02", "2024-01-03", "2024-01-04"}, run.Report.Dates)
	assert.NotEmpty(t, run.Report.Trades)

	code, body = env.do(t, http.MethodGet, "/api/v1/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, code)
	var fetched storage.Run
	require.NoError(t, json.Unmarshal(body, &fetched))
	assert.Equal(t, run.ID, fetched.ID)

	code, body = env.do(t, http.MethodGet, "/api/v1/runs?strategy_id="+st.ID, nil)
	require.Equal(t, http.StatusOK, code)
	var runs []storage.Run
	require.NoError(t, json.Unmarshal(body, &runs))
	assert.Len(t, runs, 1)

	code, _ = env.do(t, http.MethodGet, "/api/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServer_BacktestValidation(t *testing.T) {
	env := newTestEnv(t, Options{})

	tests := []struct {
		name string
		req  backtestRequest
		want int
	}{
		{"no graph", backtestRequest{StartDate: "2024-01-01", EndDate: "2024-01-05"}, http.StatusBadRequest},
		{"bad date", backtestRequest{Graph: env.graph, StartDate: "01/01/2024", EndDate: "2024-01-05"}, http.StatusBadRequest},
		{"reversed range", backtestRequest{Graph: env.graph, StartDate: "2024-01-05", EndDate: "2024-01-01"}, http.StatusBadRequest},
		{"negative capital falls back to default", backtestRequest{Graph: env.graph, StartDate: "2024-01-01", EndDate: "2024-01-05",
			InitialCapital: decimal.NewFromInt(-5)}, http.StatusOK},
		{"unknown strategy", backtestRequest{StrategyID: "nope", StartDate: "2024-01-01", EndDate: "2024-01-05"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := env.do(t, http.MethodPost, "/api/v1/backtest", tt.req)
			assert.Equal(t, tt.want, code, string(body))
		})
	}
}

func TestServer_BatchBacktest(t *testing.T) {
	env := newTestEnv(t, Options{})

	code, body := env.do(t, http.MethodPost, "/api/v1/backtest/batch", batchRequest{Jobs: []backtestRequest{
		{Name: "week", Graph: env.graph, StartDate: "2024-01-01", EndDate: "2024-01-05"},
		{Graph: env.graph, StartDate: "2024-01-03", EndDate: "2024-01-04", InitialCapital: decimal.NewFromInt(500000)},
	}})
	require.Equal(t, http.StatusOK, code, string(body))

	var results []backtest.BatchResult
	require.NoError(t, json.Unmarshal(body, &results))
	require.Len(t, results, 2)
	assert.Equal(t, "week", results[0].Name)
	assert.Equal(t, "job-1", results[1].Name)
	for _, res := range results {
		require.NotNil(t, res.Report)
		assert.Empty(t, res.Error)
	}
	assert.Equal(t, []string{"2024-01-03", "2024-01-04"}, results[1].Report.Dates)

	runs, err := env.store.ListRuns(t.Context(), "")
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	code, _ = env.do(t, http.MethodPost, "/api/v1/backtest/batch", batchRequest{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestServer_RateLimit(t *testing.T) {
	env := newTestEnv(t, Options{RateLimit: 0.001, RateBurst: 2})

	for i := 0; i < 2; i++ {
		code, _ := env.do(t, http.MethodGet, "/api/v1/strategies", nil)
		assert.Equal(t, http.StatusOK, code)
	}
	code, _ := env.do(t, http.MethodGet, "/api/v1/strategies", nil)
	assert.Equal(t, http.StatusTooManyRequests, code)

	// health is not limited
	code, _ = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestServer_WebSocketOriginCheck(t *testing.T) {
	env := newTestEnv(t, Options{AllowedOrigins: []string{"http://localhost:3000"}})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(env.http), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(env.http), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServer_WebSocketStreamsProgress(t *testing.T) {
	env := newTestEnv(t, Options{AllowedOrigins: []string{"http://localhost:3000"}})

	header := http.Header{"Origin": []string{"http://localhost:3000"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.http), header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Eventually(t, func() bool { return env.srv.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	code, body := env.do(t, http.MethodPost, "/api/v1/backtest", backtestRequest{
		Graph:     env.graph,
		StartDate: "2024-01-02",
		EndDate:   "2024-01-03",
	})
	require.Equal(t, http.StatusOK, code, string(body))

	var types []string
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for len(types) < 3 {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		types = append(types, msg.Type)
	}
	assert.Equal(t, []string{TypeBacktestProgress, TypeBacktestProgress, TypeBacktestCompleted}, types)
}
