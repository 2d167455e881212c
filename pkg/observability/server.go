package observability

import (
	"context"
	"net/http"
	"time"
)

// Server serves the metrics and health endpoints.
type Server struct {
	addr       string
	health     *Health
	httpServer *http.Server
}

// NewServer creates a server listening on addr, e.g. ":9090". Collaborator
// probes can be added through Health before Start.
func NewServer(addr string) *Server {
	return &Server{addr: addr, health: NewHealth("")}
}

// Health exposes the server's probe registry.
func (s *Server) Health() *Health {
	return s.health
}

// Start serves until Shutdown is called. It blocks, so callers usually run
// it in a goroutine and treat http.ErrServerClosed as a clean exit.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.health.Handler())
	mux.HandleFunc("/health/live", s.health.Liveness())
	mux.HandleFunc("/health/ready", s.health.Readiness())
	mux.Handle("/metrics", MetricsHandler())

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
