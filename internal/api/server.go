// Package api serves the dispatcher's operations endpoints: health,
// Prometheus metrics, dispatcher status and the operator campaign actions.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/newsletter-dispatch/internal/domain"
	"github.com/ignite/newsletter-dispatch/internal/service/campaign"
	"github.com/ignite/newsletter-dispatch/internal/worker"
)

// StatusProvider is implemented by *worker.RoundRobinDispatcher.
type StatusProvider interface {
	Snapshot() worker.Snapshot
}

// TestSender runs a campaign in test mode, normally a *worker.Mailer built
// with Options.Test.
type TestSender interface {
	Run(ctx context.Context, c *domain.Campaign) (*worker.RunSummary, error)
}

// Deps are the services the API reads from and acts on. Tester and Health
// may be nil.
type Deps struct {
	Campaigns      *campaign.Service
	Tester         TestSender
	Dispatchers    []StatusProvider
	Health         *HealthChecker
	AllowedOrigins []string
}

// Server represents the ops API server
type Server struct {
	handler http.Handler
	router  *chi.Mux
	server  *http.Server
}

// NewServer creates the ops API server
func NewServer(deps Deps) *Server {
	h := &Handlers{campaigns: deps.Campaigns, tester: deps.Tester, dispatchers: deps.Dispatchers}
	router := SetupRoutes(h, deps.Health, deps.AllowedOrigins)
	return &Server{handler: router, router: router}
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
		// Test sends hold the request for the whole run.
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.handler
}
