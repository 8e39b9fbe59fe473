// Package api exposes strategies, graph execution and backtests over HTTP,
// and streams backtest progress to WebSocket clients.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"quantgraph/internal/core"
	"quantgraph/internal/market"
	"quantgraph/internal/storage"
	"quantgraph/internal/strategy/graph"
	"quantgraph/internal/trading/backtest"
	"quantgraph/pkg/concurrency"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

var (
	websocketActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quantgraph_websocket_active_connections",
		Help: "Current number of active WebSocket connections",
	})

	websocketRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quantgraph_websocket_rejected_total",
		Help: "Total number of rejected WebSocket connections",
	}, []string{"reason"})

	apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quantgraph_api_requests_total",
		Help: "Total number of API requests by route and status code",
	}, []string{"route", "code"})
)

func init() {
	prometheus.MustRegister(websocketActiveConnections)
	prometheus.MustRegister(websocketRejectedTotal)
	prometheus.MustRegister(apiRequestsTotal)
}

// Deps are the collaborators a Server serves from
type Deps struct {
	Store    storage.Store
	Provider market.Provider
	Registry *graph.Registry
	Runner   *backtest.Runner
	Pool     *concurrency.WorkerPool
	// Defaults supplies capital, risk-free rate and annualisation for
	// requests that leave them out
	Defaults backtest.Config
}

// Options tune the HTTP surface
type Options struct {
	AllowedOrigins []string
	RateLimit      float64
	RateBurst      int
	MaxConnections int
}

// Server serves the HTTP API and the /ws progress stream
type Server struct {
	hub            *Hub
	deps           Deps
	srv            *http.Server
	logger         core.ILogger
	upgrader       websocket.Upgrader
	allowedOrigins []string
	mu             sync.Mutex

	connSemaphore chan struct{}

	rateLimitEnabled bool
	ipLimiters       sync.Map // map[string]*rate.Limiter
	rateLimit        rate.Limit
	rateBurst        int
}

// NewServer creates a new Server
func NewServer(hub *Hub, deps Deps, opts Options, logger core.ILogger) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 1000
	}
	s := &Server{
		hub:              hub,
		deps:             deps,
		logger:           logger.WithField("component", "api"),
		allowedOrigins:   opts.AllowedOrigins,
		connSemaphore:    make(chan struct{}, opts.MaxConnections),
		rateLimitEnabled: opts.RateLimit > 0,
		rateLimit:        rate.Limit(opts.RateLimit),
		rateBurst:        opts.RateBurst,
	}
	if s.rateBurst <= 0 {
		s.rateBurst = 1
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	s.route(mux, "GET /api/v1/nodes", s.handleListNodeTypes)
	s.route(mux, "GET /api/v1/strategies", s.handleListStrategies)
	s.route(mux, "POST /api/v1/strategies", s.handleCreateStrategy)
	s.route(mux, "GET /api/v1/strategies/{id}", s.handleGetStrategy)
	s.route(mux, "PUT /api/v1/strategies/{id}", s.handleUpdateStrategy)
	s.route(mux, "DELETE /api/v1/strategies/{id}", s.handleDeleteStrategy)
	s.route(mux, "POST /api/v1/graph/execute", s.handleExecuteGraph)
	s.route(mux, "POST /api/v1/backtest", s.handleBacktest)
	s.route(mux, "POST /api/v1/backtest/batch", s.handleBatchBacktest)
	s.route(mux, "GET /api/v1/runs", s.handleListRuns)
	s.route(mux, "GET /api/v1/runs/{id}", s.handleGetRun)
	return mux
}

// route wraps an API handler with per-IP rate limiting and request counting
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			apiRequestsTotal.WithLabelValues(pattern, strconv.Itoa(rec.status)).Inc()
		}()

		if !s.allow(r) {
			writeError(rec, http.StatusTooManyRequests, errors.New("too many requests"))
			return
		}
		h(rec, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Run serves on addr until ctx is done
func (s *Server) Run(ctx context.Context, addr string) error {
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	s.logger.Info("Starting API server", "addr", addr)

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
		return s.Stop(shutdownCtx)
	}
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping API server")
	return s.srv.Shutdown(ctx)
}

// checkOrigin validates the WebSocket connection origin against the whitelist
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		s.logger.Warn("Rejected WebSocket connection with missing Origin header", "remote_addr", r.RemoteAddr)
		websocketRejectedTotal.WithLabelValues("missing_origin").Inc()
		return false
	}

	parsedOrigin, err := url.Parse(origin)
	if err != nil {
		s.logger.Warn("Rejected WebSocket connection with invalid Origin", "origin", origin, "error", err)
		websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}
	originStr := parsedOrigin.Scheme + "://" + parsedOrigin.Host

	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || originStr == allowed {
			return true
		}
	}

	s.logger.Warn("Rejected WebSocket connection from unauthorized origin",
		"origin", origin, "remote_addr", r.RemoteAddr)
	websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

// handleWebSocket handles WebSocket upgrade and client management
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r) {
		websocketRejectedTotal.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	select {
	case s.connSemaphore <- struct{}{}:
		websocketActiveConnections.Inc()
		defer func() {
			<-s.connSemaphore
			websocketActiveConnections.Dec()
		}()
	default:
		s.logger.Warn("Max connections reached")
		websocketRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client := NewClient(uuid.NewString())
	if !s.hub.Register(client) {
		return
	}
	s.logger.Info("Client connected", "client_id", client.id, "remote_addr", r.RemoteAddr)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, client)
	}()
	wg.Wait()

	s.logger.Info("Client disconnected", "client_id", client.id)
}

// writePump sends messages from hub to WebSocket connection
func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.GetSendChan():
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				// unblock the read pump
				_ = conn.Close()
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Warn("Write error", "client_id", client.id, "error", err)
				s.hub.Unregister(client)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.Unregister(client)
				return
			}
		}
	}
}

// readPump reads messages from WebSocket connection (handles pong responses)
func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	defer s.hub.Unregister(client)

	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("Read error", "client_id", client.id, "error", err)
			}
			return
		}
	}
}

func (s *Server) allow(r *http.Request) bool {
	if !s.rateLimitEnabled {
		return true
	}
	ip := remoteIP(r)
	if !s.getIPLimiter(ip).Allow() {
		s.logger.Warn("IP rate limit exceeded", "ip", ip)
		return false
	}
	return true
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// getIPLimiter returns or creates a rate limiter for the given IP
func (s *Server) getIPLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	actual, _ := s.ipLimiters.LoadOrStore(ip, rate.NewLimiter(s.rateLimit, s.rateBurst))
	return actual.(*rate.Limiter)
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}
