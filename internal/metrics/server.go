package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerConfig holds configuration for the metrics server.
type ServerConfig struct {
	Port        int
	MetricsPath string
	HealthPath  string
	StatusPath  string
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:        9090,
		MetricsPath: "/metrics",
		HealthPath:  "/health",
		StatusPath:  "/status",
	}
}

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Checks    map[string]Check `json:"checks"`
}

// Check represents a single health check.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthChecker is a function that performs a health check.
type HealthChecker func() Check

// StatusFunc returns the JSON-encodable operator status.
type StatusFunc func() any

// BreakerClearFunc releases the breaker for scope. cleared is false when
// the breaker was not tripped.
type BreakerClearFunc func(ctx context.Context, scope, reason string) (cleared bool, err error)

// BreakerClearRequest is the body of POST /breaker/clear.
type BreakerClearRequest struct {
	Scope  string `json:"scope"`
	Reason string `json:"reason"`
}

// BreakerClearResponse reports the outcome of a clear request.
type BreakerClearResponse struct {
	Scope   string `json:"scope"`
	Cleared bool   `json:"cleared"`
	Error   string `json:"error,omitempty"`
}

// Server handles metrics, health and operator endpoints.
type Server struct {
	cfg        ServerConfig
	httpServer *http.Server
	startTime  time.Time
	logger     *slog.Logger

	mu           sync.RWMutex
	checkers     map[string]HealthChecker
	status       StatusFunc
	clearBreaker BreakerClearFunc
}

// NewServer creates a new metrics server.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StatusPath == "" {
		cfg.StatusPath = DefaultServerConfig().StatusPath
	}

	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		logger:    logger,
		checkers:  make(map[string]HealthChecker),
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.MetricsPath, promhttp.Handler())
	mux.HandleFunc(s.cfg.HealthPath, s.healthHandler)
	mux.HandleFunc(s.cfg.StatusPath, s.statusHandler)
	mux.HandleFunc("/breaker/clear", s.breakerClearHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/live", s.liveHandler)
	return mux
}

// RegisterHealthCheck registers a health checker.
func (s *Server) RegisterHealthCheck(name string, checker HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[name] = checker
}

// SetStatus registers the status provider served on the status path.
func (s *Server) SetStatus(fn StatusFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = fn
}

// SetBreakerClear registers the manual breaker clear operation.
func (s *Server) SetBreakerClear(fn BreakerClearFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearBreaker = fn
}

// Start starts the metrics server.
func (s *Server) Start() error {
	s.logger.Info("starting metrics server",
		"port", s.cfg.Port,
		"metrics_path", s.cfg.MetricsPath,
		"health_path", s.cfg.HealthPath,
		"status_path", s.cfg.StatusPath,
	)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error", "err", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down metrics server")
	return s.httpServer.Shutdown(ctx)
}

// healthHandler handles the /health endpoint.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	checkers := make(map[string]HealthChecker, len(s.checkers))
	for k, v := range s.checkers {
		checkers[k] = v
	}
	s.mu.RUnlock()

	checks := make(map[string]Check)
	overallStatus := "healthy"

	for name, checker := range checkers {
		check := checker()
		checks[name] = check
		if check.Status != "healthy" {
			overallStatus = "unhealthy"
		}
	}

	status := HealthStatus{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
		Checks:    checks,
	}

	w.Header().Set("Content-Type", "application/json")
	if overallStatus != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// statusHandler serves the operator status as JSON.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	fn := s.status
	s.mu.RUnlock()

	if fn == nil {
		http.Error(w, "status not available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(fn()); err != nil {
		s.logger.Warn("encode status", "err", err)
	}
}

// breakerClearHandler handles POST /breaker/clear.
func (s *Server) breakerClearHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	fn := s.clearBreaker
	s.mu.RUnlock()
	if fn == nil {
		http.Error(w, "breaker control not available", http.StatusServiceUnavailable)
		return
	}

	var req BreakerClearRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual clear via http"
	}

	resp := BreakerClearResponse{Scope: req.Scope}
	code := http.StatusOK
	cleared, err := fn(r.Context(), req.Scope, req.Reason)
	if err != nil {
		resp.Error = err.Error()
		code = http.StatusBadRequest
	}
	resp.Cleared = cleared

	s.logger.Warn("breaker clear requested",
		"scope", req.Scope,
		"reason", req.Reason,
		"cleared", cleared,
		"remote", r.RemoteAddr,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// readyHandler handles the /ready endpoint (Kubernetes readiness check).
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	checkers := s.checkers
	s.mu.RUnlock()

	for _, checker := range checkers {
		check := checker()
		if check.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// liveHandler handles the /live endpoint (Kubernetes liveness check).
func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("alive"))
}

// Uptime returns the server uptime.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}
