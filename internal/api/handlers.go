package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"quantgraph/internal/market"
	"quantgraph/internal/storage"
	"quantgraph/internal/strategy/graph"
	"quantgraph/internal/trading/backtest"
	apperrors "quantgraph/pkg/errors"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

const maxBodyBytes = 4 << 20

// NodeTypeInfo describes one registered node type for the editor palette
type NodeTypeInfo struct {
	Type       string                 `json:"type"`
	Inputs     []graph.Slot           `json:"inputs"`
	Outputs    []graph.Slot           `json:"outputs"`
	Properties map[string]interface{} `json:"properties"`
}

type strategyRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Graph       json.RawMessage `json:"graph"`
}

type executeRequest struct {
	Graph json.RawMessage `json:"graph"`
	Date  string          `json:"date"`
}

// ExecuteResponse is the outcome of a one-off graph evaluation
type ExecuteResponse struct {
	Date     string                 `json:"date"`
	Order    []graph.NodeID         `json:"order"`
	Signal   graph.Weights          `json:"signal,omitempty"`
	Skipped  []graph.NodeID         `json:"skipped,omitempty"`
	Failures []backtest.NodeFailure `json:"failures,omitempty"`
}

type backtestRequest struct {
	Name           string          `json:"name,omitempty"`
	StrategyID     string          `json:"strategy_id,omitempty"`
	Graph          json.RawMessage `json:"graph,omitempty"`
	StartDate      string          `json:"start_date"`
	EndDate        string          `json:"end_date"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
}

type batchRequest struct {
	Jobs []backtestRequest `json:"jobs"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleListNodeTypes(w http.ResponseWriter, r *http.Request) {
	types := s.deps.Registry.Types()
	out := make([]NodeTypeInfo, 0, len(types))
	for _, name := range types {
		n, err := s.deps.Registry.Create(name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, NodeTypeInfo{
			Type:       name,
			Inputs:     n.Inputs(),
			Outputs:    n.Outputs(),
			Properties: n.Properties(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Store.ListStrategies(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Store.GetStrategy(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	s.saveStrategy(w, r, "", http.StatusCreated)
}

func (s *Server) handleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetStrategy(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.saveStrategy(w, r, id, http.StatusOK)
}

// saveStrategy rejects graphs the registry cannot rebuild, so every stored
// strategy can be loaded and run
func (s *Server) saveStrategy(w http.ResponseWriter, r *http.Request, id string, status int) {
	var req strategyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if isEmptyDocument(req.Graph) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: graph is required", apperrors.ErrInvalidGraph))
		return
	}
	if _, err := graph.Unmarshal(req.Graph, s.deps.Registry); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	st := &storage.Strategy{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Graph:       req.Graph,
	}
	if err := s.deps.Store.SaveStrategy(r.Context(), st); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.logger.Info("Strategy saved", "strategy_id", st.ID, "name", st.Name)
	s.hub.Broadcast(NewMessage(TypeStrategySaved, map[string]string{"id": st.ID, "name": st.Name}))
	writeJSON(w, status, st)
}

func (s *Server) handleDeleteStrategy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Store.DeleteStrategy(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.logger.Info("Strategy deleted", "strategy_id", id)
	s.hub.Broadcast(NewMessage(TypeStrategyDeleted, map[string]string{"id": id}))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecuteGraph(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	date, err := market.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: date: %v", apperrors.ErrInvalidBacktest, err))
		return
	}
	if isEmptyDocument(req.Graph) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: graph is required", apperrors.ErrInvalidGraph))
		return
	}
	g, err := graph.Unmarshal(req.Graph, s.deps.Registry, graph.WithLogger(s.logger))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	snap, err := s.deps.Provider.Snapshot(r.Context(), date)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	result := g.ExecuteContext(r.Context(), snap)
	resp := ExecuteResponse{
		Date:    req.Date,
		Order:   result.Order,
		Skipped: result.Skipped,
	}
	if sig, ok := result.Signal(); ok {
		resp.Signal = sig
	}
	for _, f := range result.Failures {
		resp.Failures = append(resp.Failures, backtest.NodeFailure{
			Date:     req.Date,
			Node:     f.Node,
			NodeType: f.NodeType,
			Error:    f.Err.Error(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	var req backtestRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	g, cfg, err := s.prepareBacktest(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	report, err := s.deps.Runner.Run(r.Context(), g, cfg)
	if err != nil {
		summary := RunSummary{StrategyID: req.StrategyID, Status: backtest.StatusFailed, Error: err.Error()}
		if report != nil {
			// keep the partial report of a failed or cancelled run
			s.saveRun(r.Context(), req.StrategyID, report)
			summary.RunID = report.ID
			summary.Status = report.Status
			summary.Metrics = report.Metrics
		}
		s.hub.Broadcast(NewMessage(TypeBacktestFailed, summary))
		writeError(w, statusFor(err), err)
		return
	}

	run := s.recordRun(r.Context(), req.StrategyID, report)
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleBatchBacktest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pool == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("batch backtests are not enabled"))
		return
	}
	var req batchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Jobs) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: no jobs", apperrors.ErrInvalidBacktest))
		return
	}

	jobs := make([]backtest.Job, len(req.Jobs))
	for i, jr := range req.Jobs {
		g, cfg, err := s.prepareBacktest(r.Context(), jr)
		if err != nil {
			writeError(w, statusFor(err), fmt.Errorf("job %d: %w", i, err))
			return
		}
		name := jr.Name
		if name == "" {
			name = fmt.Sprintf("job-%d", i)
		}
		jobs[i] = backtest.Job{Name: name, Graph: g, Config: cfg}
	}

	results := s.deps.Runner.RunBatch(r.Context(), s.deps.Pool, jobs)
	for i, res := range results {
		if res.Report != nil && res.Err() == nil {
			s.recordRun(r.Context(), req.Jobs[i].StrategyID, res.Report)
		}
	}
	writeJSON(w, http.StatusOK, results)
}

// prepareBacktest resolves the graph from a saved strategy or the inline
// document and fills unset settings from the server defaults
func (s *Server) prepareBacktest(ctx context.Context, req backtestRequest) (*graph.Graph, backtest.Config, error) {
	var cfg backtest.Config
	doc := req.Graph
	if req.StrategyID != "" {
		st, err := s.deps.Store.GetStrategy(ctx, req.StrategyID)
		if err != nil {
			return nil, cfg, err
		}
		doc = st.Graph
	}
	if isEmptyDocument(doc) {
		return nil, cfg, fmt.Errorf("%w: strategy_id or graph is required", apperrors.ErrInvalidBacktest)
	}
	g, err := graph.Unmarshal(doc, s.deps.Registry, graph.WithLogger(s.logger))
	if err != nil {
		return nil, cfg, err
	}

	start, err := market.ParseDate(req.StartDate)
	if err != nil {
		return nil, cfg, fmt.Errorf("%w: start_date: %v", apperrors.ErrInvalidBacktest, err)
	}
	end, err := market.ParseDate(req.EndDate)
	if err != nil {
		return nil, cfg, fmt.Errorf("%w: end_date: %v", apperrors.ErrInvalidBacktest, err)
	}

	cfg = s.deps.Defaults
	cfg.ID = ""
	cfg.Start = start
	cfg.End = end
	if req.InitialCapital.IsPositive() {
		cfg.InitialCapital = req.InitialCapital
	}
	return g, cfg, cfg.Validate()
}

// recordRun persists a finished report and announces it. A store failure
// is logged; the caller still gets the report.
func (s *Server) recordRun(ctx context.Context, strategyID string, report *backtest.Report) *storage.Run {
	run := s.saveRun(ctx, strategyID, report)
	s.hub.Broadcast(NewMessage(TypeBacktestCompleted, RunSummary{
		RunID:      report.ID,
		StrategyID: strategyID,
		Status:     report.Status,
		Metrics:    report.Metrics,
	}))
	return run
}

func (s *Server) saveRun(ctx context.Context, strategyID string, report *backtest.Report) *storage.Run {
	run := &storage.Run{
		ID:         report.ID,
		StrategyID: strategyID,
		Status:     report.Status,
		Report:     report,
	}
	// the request context may already be cancelled
	if err := s.deps.Store.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Error("Failed to save run", "run_id", report.ID, "error", err)
		run.CreatedAt = time.Now().UTC()
	}
	return run
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.deps.Store.ListRuns(r.Context(), r.URL.Query().Get("strategy_id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func isEmptyDocument(doc []byte) bool {
	doc = bytes.TrimSpace(doc)
	return len(doc) == 0 || bytes.Equal(doc, []byte("null"))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrStrategyNotFound),
		errors.Is(err, apperrors.ErrRunNotFound),
		errors.Is(err, apperrors.ErrNoMarketData):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrInvalidGraph),
		errors.Is(err, apperrors.ErrCycle),
		errors.Is(err, apperrors.ErrTypeMismatch),
		errors.Is(err, apperrors.ErrInvalidProperty),
		errors.Is(err, apperrors.ErrUnknownNodeType),
		errors.Is(err, apperrors.ErrInvalidBacktest),
		errors.Is(err, apperrors.ErrInvalidSymbol):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
