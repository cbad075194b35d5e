// Package controlsurface exposes the loopback HTTP API of spec.md §6: health,
// configuration listing, single-request execution, load-test lifecycle, and
// live metric streaming. It is the thin wire layer over
// internal/coordinator.Coordinator — no load-testing logic lives here.
//
// Grounded on the teacher's internal/controlplane/api.Server: a
// mutex-protected *http.Server built from a single http.NewServeMux, with
// one path-prefix route dispatching by suffix to per-action handlers (see
// routeRuns in the teacher's server.go) — collapsed here since this surface
// has no worker/agent registration or auth concerns. Per-client rate
// limiting is an opt-in middleware (ratelimit.go) that Start wraps around
// the mux.
package controlsurface

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bc-dunia/apiforge/internal/config"
	"github.com/bc-dunia/apiforge/internal/coordinator"
	"github.com/bc-dunia/apiforge/internal/persistence"
)

const version = "1.0.0"

// Server wires a Coordinator, a config Registry, and an optional persisted
// Store to the spec's HTTP surface.
type Server struct {
	addr   string
	coord  *coordinator.Coordinator
	store  *persistence.Store
	reg    *config.Registry
	broker *Broadcaster

	metricsHandler http.Handler
	limiter        *rateLimiter

	mu       sync.Mutex
	running  bool
	server   *http.Server
	listener net.Listener
}

// SetRateLimiterConfig wires the control surface's per-client token-bucket
// guard (see ratelimit.go). Off by default per DefaultRateLimiterConfig; call
// this before Start with Enabled: true to turn it on.
func (s *Server) SetRateLimiterConfig(cfg RateLimiterConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiter = newRateLimiter(cfg)
}

// SetMetricsHandler wires a /metrics exposition handler (e.g. an
// internal/metrics.PrometheusSink's Handler()) onto the control surface.
// Optional: nil leaves /metrics unrouted.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metricsHandler = h
}

// New builds a Server bound to addr (expected to be a loopback address per
// spec's process-surface constraint). store may be nil. broker must be the
// same Broadcaster wired as the Coordinator's onSnapshot callback.
func New(addr string, coord *coordinator.Coordinator, store *persistence.Store, reg *config.Registry, broker *Broadcaster) *Server {
	return &Server{addr: addr, coord: coord, store: store, reg: reg, broker: broker, limiter: newRateLimiter(DefaultRateLimiterConfig())}
}

// Start binds the listener and serves in a background goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/config", s.handleListConfig)
	mux.HandleFunc("/config/", s.handleConfigItem)
	mux.HandleFunc("/execute", s.handleExecute)
	mux.HandleFunc("/runs", s.routeRunsCollection)
	mux.HandleFunc("/runs/", s.routeRunsItem)
	mux.HandleFunc("/environments", s.handleSaveEnvironment)
	mux.HandleFunc("/globals", s.handleGlobals)
	if s.metricsHandler != nil {
		mux.Handle("/metrics", s.metricsHandler)
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:           rateLimitMiddleware(s.limiter, mux),
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // SSE streams run indefinitely
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running = true

	srv := s.server
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			fmt.Printf("controlsurface: server error: %v\n", err)
		}
	}()
	return nil
}

// Addr returns the bound listener address, valid only after Start succeeds.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting new connections and waits for in-flight ones.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	srv := s.server
	s.running = false
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

// routeRunsItem dispatches /runs/{id} and /runs/{id}/{action} by path
// suffix, mirroring the teacher's routeRuns.
func (s *Server) routeRunsItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/runs/")
	path = strings.Trim(path, "/")
	if path == "" {
		s.routeRunsCollection(w, r)
		return
	}

	parts := strings.SplitN(path, "/", 2)
	runID := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleGetRun(w, r, runID)
		case http.MethodDelete:
			s.handleDeleteRun(w, r, runID)
		default:
			s.writeMethodNotAllowed(w, "GET, DELETE")
		}
		return
	}

	switch parts[1] {
	case "stop":
		s.handleStopRun(w, r, runID)
	case "report":
		s.handleGetReport(w, r, runID)
	case "stream":
		s.handleStreamMetrics(w, r, runID)
	default:
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown run action %q", parts[1]))
	}
}

func (s *Server) routeRunsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListRuns(w, r)
	case http.MethodPost:
		s.handleStartRun(w, r)
	default:
		s.writeMethodNotAllowed(w, "GET, POST")
	}
}
