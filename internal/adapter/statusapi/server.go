// Package statusapi serves the bridge's connection status over plain HTTP:
// a JSON snapshot at /status, Prometheus text at /metrics and a readiness
// probe at /healthz.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"claw-bridge/internal/domain"
	"claw-bridge/internal/infra/middleware"
)

// Breaker reports circuit breaker state.
type Breaker interface {
	State() gobreaker.State
	Counts() gobreaker.Counts
}

// EntryCounter reports how many rows the journal holds.
type EntryCounter interface {
	Count(ctx context.Context) (int64, error)
}

// Deps are the sources the endpoints read from. Only Stats is required.
type Deps struct {
	Stats   domain.StatsSource
	Breaker Breaker
	Journal EntryCounter
	Version string
}

// StatusResponse is the JSON body returned by GET /status.
type StatusResponse struct {
	Service        string              `json:"service"`
	Version        string              `json:"version,omitempty"`
	UptimeSeconds  int64               `json:"uptime_seconds"`
	Gateway        domain.GatewayStats `json:"gateway"`
	Breaker        string              `json:"breaker,omitempty"`
	JournalEntries *int64              `json:"journal_entries,omitempty"`
}

// Server is the status HTTP server.
type Server struct {
	addr    string
	deps    Deps
	started time.Time
	logger  *slog.Logger

	ratePerMin int
	rateBurst  int

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
}

// Option customises a Server.
type Option func(*Server)

// WithRateLimit limits each client IP to requestsPerMin with the given burst.
func WithRateLimit(requestsPerMin, burst int) Option {
	return func(s *Server) {
		s.ratePerMin = requestsPerMin
		s.rateBurst = burst
	}
}

// New creates a status server listening on addr once started.
func New(addr string, deps Deps, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:    addr,
		deps:    deps,
		started: time.Now(),
		logger:  logger.With("component", "statusapi"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", s.handleHealth)

	mws := []func(http.Handler) http.Handler{middleware.AccessLog(s.logger), middleware.SecurityHeaders}
	if s.ratePerMin > 0 {
		mws = append(mws, middleware.RateLimit(s.ratePerMin, s.rateBurst))
	}
	return middleware.Chain(mux, mws...)
}

// Start listens and serves until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("statusapi listen: %w", err)
	}

	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info("status server started", "addr", listener.Addr().String())

	stop := context.AfterFunc(ctx, func() { s.Stop(context.Background()) })
	defer stop()

	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("statusapi serve: %w", err)
	}
	return nil
}

// Addr returns the bound address, or "" before Start has listened.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) status(ctx context.Context) StatusResponse {
	resp := StatusResponse{
		Service:       "claw-bridge",
		Version:       s.deps.Version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Gateway:       s.deps.Stats.Stats(),
	}
	if s.deps.Breaker != nil {
		resp.Breaker = s.deps.Breaker.State().String()
	}
	if s.deps.Journal != nil {
		if n, err := s.deps.Journal.Count(ctx); err == nil {
			resp.JournalEntries = &n
		} else {
			s.logger.Warn("journal count failed", "error", err)
		}
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.status(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	state := s.deps.Stats.Stats().State
	w.Header().Set("Content-Type", "application/json")
	if state != domain.StateAuthenticated {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{"state": state.String()})
}
