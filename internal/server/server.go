// Package server implements the HTTP transport layer for the codex-lb
// proxy: the client-facing responses endpoints, the usage endpoint, and
// the minimal admin surface over accounts and settings.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/codexlb/codexlb/internal/proxyservice"
	"github.com/codexlb/codexlb/internal/selector"
	"github.com/codexlb/codexlb/internal/sticky"
	"github.com/codexlb/codexlb/internal/storage"
	"github.com/codexlb/codexlb/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Proxy          *proxyservice.Service
	Store          storage.Store
	Sticky         sticky.Store
	Selector       *selector.Selector  // snapshot invalidation on admin mutations
	Metrics        *telemetry.Metrics  // nil = no Prometheus metrics
	MetricsHandler http.Handler        // nil = no /metrics endpoint
	Tracer         trace.Tracer        // nil = no distributed tracing
	ReadyCheck     ReadyChecker        // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	// System endpoints
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Client-facing API
	r.Post("/v1/responses", s.handleResponses)
	r.Post("/backend-api/codex/responses", s.handleResponses)
	r.Post("/v1/responses/compact", s.handleCompact)
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Get("/api/codex/usage", s.handleCodexUsage)

	// Admin API
	if deps.Store != nil {
		r.Route("/admin/v1", func(r chi.Router) {
			r.Get("/accounts", s.handleListAccounts)
			r.Post("/accounts", s.handleCreateAccount)
			r.Patch("/accounts/{id}/status", s.handleUpdateAccountStatus)
			r.Delete("/accounts/{id}", s.handleDeleteAccount)
			r.Get("/settings", s.handleGetSettings)
			r.Put("/settings", s.handleUpdateSettings)
		})
	}

	return r
}

type server struct {
	deps Deps
}
