package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// buildRouter constructs the chi mux with all routes wired.
func (g *Gateway) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Public, no auth required.
	r.Get("/health", g.handleHealth())

	// Everything else requires auth. Not mounted if no auth configured.
	if g.config.Auth.IsConfigured() {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(g.config.Auth, g.deps.Audit, g.deps.Limiter))
			if g.deps.Metrics != nil {
				r.Method(http.MethodGet, "/metrics", g.deps.Metrics.Handler())
			}
			r.Get("/ws/audit", g.handleAuditStream())
			r.Route("/api", func(r chi.Router) {
				r.Get("/status", g.handleStatus())
				r.Post("/execute", g.handleExecute())
				r.Get("/tools", g.handleSearchTools())
				r.Route("/approvals", func(r chi.Router) {
					r.Get("/", g.handleListApprovals())
					r.Get("/{id}", g.handleGetApproval())
					r.Post("/{id}/approve", g.handleDecide(true))
					r.Post("/{id}/reject", g.handleDecide(false))
				})
				r.Post("/cleanup", g.handleCleanup())
				r.Get("/jobs", g.handleListJobs())
				r.Post("/jobs/{name}/run", g.handleRunJob())
				r.Get("/history", g.handleListHistory())
				r.Get("/history/events", g.handleListEvents())
				r.Get("/history/{id}", g.handleGetHistory())
				r.Get("/config", g.handleGetConfig())
			})
		})
	}

	return r
}
