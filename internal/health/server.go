// Package health serves liveness, readiness and Prometheus metrics over HTTP.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Readiness is the readiness detail of one run.
type Readiness struct {
	Ready      bool              `json:"ready"`
	GraphState string            `json:"graph_state"`
	Routes     map[string]string `json:"routes,omitempty"` // "producer->consumer" -> resolver state
}

// CheckFunc reports current readiness. It is called on every /readiness
// request and must be safe for concurrent use.
type CheckFunc func() Readiness

// Server is the status HTTP server
type Server struct {
	addr    string
	check   CheckFunc
	started time.Time

	srv *http.Server
	ln  net.Listener
}

// NewServer creates a server for addr. check may be nil, in which case the
// service never reports ready.
func NewServer(addr string, check CheckFunc) *Server {
	if check == nil {
		check = func() Readiness { return Readiness{} }
	}
	s := &Server{addr: addr, check: check, started: time.Now()}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.livenessHandler)
	r.Get("/readiness", s.readinessHandler)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("health: listen %s: %w", s.addr, err)
	}
	s.ln = ln
	slog.Info("health: server listening", "addr", ln.Addr().String())

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health: server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// livenessHandler answers 200 as long as the process is alive
func (s *Server) livenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// readinessHandler answers 200 once the graph is playing and every route is
// linked, 503 otherwise
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	rd := s.check()
	code := http.StatusOK
	if !rd.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rd)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("health: write response", "error", err)
	}
}
