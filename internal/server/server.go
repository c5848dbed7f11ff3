// Package server implements the HTTP transport layer for the Plexus gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/config"
	"github.com/plexusgw/plexus/internal/cooldown"
	"github.com/plexusgw/plexus/internal/credential"
	"github.com/plexusgw/plexus/internal/dispatch"
	"github.com/plexusgw/plexus/internal/storage"
	"github.com/plexusgw/plexus/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Config     *config.Store
	Cooldowns  *cooldown.Manager
	Pool       *credential.Pool
	OAuth      *credential.OAuth
	Usage      storage.UsageStore // nil = admin usage endpoints return 503
	ReadyCheck ReadyChecker       // nil = always ready (for tests)
	Metrics    *telemetry.Metrics // nil = no request metrics
	MetricsH   http.Handler       // /metrics handler; nil = not mounted
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(s.metrics)
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsH != nil {
		r.Handle("/metrics", deps.MetricsH)
	}

	// Client-facing API (auth required) -- one route per dialect
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleDialect(plexus.DialectChat))
		r.Post("/v1/messages", s.handleDialect(plexus.DialectMessages))
		r.Post("/v1/responses", s.handleDialect(plexus.DialectResponses))
		r.Post("/v1beta/models/*", s.handleGemini)
		r.Get("/v1/models", s.handleListModels)
	})

	// Admin API (auth required)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/admin/cooldowns", s.handleListCooldowns)
		r.Delete("/admin/cooldowns", s.handleClearCooldowns)
		r.Get("/admin/usage", s.handleQueryUsage)
		r.Get("/admin/usage/summary", s.handleUsageSummary)
		r.Get("/admin/credentials", s.handleListCredentials)
		r.Get("/admin/oauth/{kind}/authorize", s.handleOAuthAuthorize)
		r.Post("/admin/oauth/callback", s.handleOAuthCallback)
	})

	return r
}

type server struct {
	deps Deps
}
