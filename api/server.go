/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Timeout:    Request deadline propagated through context
  5. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /api/classify          Classification preview
  /api/employees/*       Per-employee points, summary and cascade
  /api/points/*          Manual point edits and excuses
  /api/violations        Violation source intake
  /api/consistency/*     Consistency jobs
  /api/jobs/*            Job status
  /health                Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/classify", h.Classify)

		// Employee routes
		r.Route("/employees/{id}", func(r chi.Router) {
			r.Get("/points", h.ListPoints)
			r.Post("/points", h.CreateManualPoint)
			r.Get("/summary", h.GetSummary)
			r.Post("/gbro/recalculate", h.RecalculateGbro)
		})

		// Point routes
		r.Route("/points/{id}", func(r chi.Router) {
			r.Get("/", h.GetPoint)
			r.Put("/", h.UpdateManualPoint)
			r.Delete("/", h.DeleteManualPoint)
			r.Post("/excuse", h.ExcusePoint)
			r.Post("/unexcuse", h.UnexcusePoint)
		})

		r.Post("/violations", h.RecordViolations)

		// Consistency routes
		r.Post("/consistency/{kind}", h.StartConsistencyJob)
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.ListJobs)
			r.Get("/{id}", h.GetJob)
		})
	})

	return r
}
