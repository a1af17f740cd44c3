// Package health serves the /healthz and /metrics endpoints of a running
// beacon node.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// checkTimeout bounds a single /healthz request.
const checkTimeout = 5 * time.Second

// CheckFunc reports nil when the component it watches is healthy.
type CheckFunc func(ctx context.Context) error

// Check is a named health probe.
type Check struct {
	Name string
	Fn   CheckFunc
}

// Response is the JSON body returned by /healthz.
type Response struct {
	Status string            `json:"status"`
	Error  string            `json:"error,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Server exposes health checks and Prometheus metrics over HTTP.
// The server runs in a background goroutine and can be gracefully shut down.
type Server struct {
	server *http.Server
	checks []Check
	log    zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// NewServer creates a server for addr. A nil gatherer disables /metrics.
func NewServer(addr string, gatherer prometheus.Gatherer, logger zerolog.Logger, checks ...Check) *Server {
	mux := http.NewServeMux()
	s := &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		checks: checks,
		log:    logger.With().Str("component", "health").Logger(),
	}

	mux.HandleFunc("/healthz", s.handleHealthz)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return s
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start binds the listen address and serves in a background goroutine.
// Bind errors (e.g. port already in use) are returned here.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("health server already started")
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.log.Debug().Str("addr", ln.Addr().String()).Msg("Health server starting")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Health server error")
		}
		s.log.Debug().Msg("Health server stopped")
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	err := s.server.Shutdown(ctx)
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return err
}

// handleHealthz runs every check. Returns 200 OK if all pass, 503 Service
// Unavailable otherwise.
//
// Response format:
//   - Success: {"status": "healthy", "checks": {"liveness": "ok"}}
//   - Failure: {"status": "unhealthy", "error": "liveness: ...", "checks": {...}}
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	response := Response{Status: "healthy", Checks: make(map[string]string, len(s.checks))}
	statusCode := http.StatusOK

	var failed []string
	for _, c := range s.checks {
		if err := c.Fn(ctx); err != nil {
			response.Checks[c.Name] = err.Error()
			failed = append(failed, fmt.Sprintf("%s: %v", c.Name, err))
			continue
		}
		response.Checks[c.Name] = "ok"
	}

	if len(failed) > 0 {
		sort.Strings(failed)
		response.Status = "unhealthy"
		response.Error = failed[0]
		statusCode = http.StatusServiceUnavailable
		s.log.Warn().Strs("failures", failed).Msg("Health check failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode health response")
	}
}
