/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the scheduling frontend
  5. Metrics:    Latency histogram per method and status class

ROUTE GROUPS:
  /api/sessions/*         Session lifecycle
  /api/change-requests/*  Request resolution
  /api/students/*         Hour ledger
  /api/teachers/*         Calendars and payroll
  /api/admin/*            Rates, users, manual sweep
  /metrics                Prometheus scrape endpoint
  /healthz                Liveness probe

SECURITY NOTE:
  No authentication middleware currently; X-Actor-ID is trusted. All
  endpoints assume a gateway in front.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor-ID"},
		AllowCredentials: true,
	}))
	r.Use(metricsMiddleware)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Session routes
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)
			r.Get("/{id}", h.GetSession)
			r.Patch("/{id}", h.EditSession)
			r.Post("/{id}/cancel", h.CancelSession)
			r.Post("/{id}/change-requests", h.CreateChangeRequest)
		})

		// Change-request resolution routes
		r.Route("/change-requests", func(r chi.Router) {
			r.Get("/pending", h.ListPendingChangeRequests)
			r.Post("/{id}/approve", h.ApproveChangeRequest)
			r.Post("/{id}/reject", h.RejectChangeRequest)
		})

		// Student ledger routes
		r.Route("/students", func(r chi.Router) {
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/ledger", h.GetLedgerEntries)
			r.Post("/{id}/purchases", h.RecordPurchase)
			r.Post("/{id}/adjustments", h.RecordAdjustment)
		})

		// Teacher routes
		r.Route("/teachers", func(r chi.Router) {
			r.Get("/{id}/sessions", h.ListTeacherSessions)
			r.Get("/{id}/payroll", h.GetPayrollWeek)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/rates", h.SaveRate)
			r.Post("/users", h.SaveUser)
			r.Post("/sweep", h.TriggerSweep)
		})
	})

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
