/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the ops dashboard

ROUTE GROUPS:
  /api/units/*      Tenant units, their cycles and statements
  /api/cycles/*     Cycles and their payments
  /api/payments     Payment by unit + billing date
  /api/overdue      Read-only overdue scan
  /api/actions      Enforcement actions
  /api/sweeps/*     Sweep trigger and history
  /api/backfill     Cycle backfill
  /api/scenarios/*  Demo scenarios
  /api/reset        Database reset (dev only)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/billing-engine/config"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, corsCfg config.CORSConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsCfg.AllowOrigins,
		AllowedMethods:   corsCfg.AllowMethods,
		AllowedHeaders:   corsCfg.AllowHeaders,
		AllowCredentials: corsCfg.AllowCredentials,
		MaxAge:           corsCfg.MaxAge,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Tenant unit routes
		r.Route("/units", func(r chi.Router) {
			r.Get("/", h.ListUnits)
			r.Post("/", h.CreateUnit)
			r.Get("/{id}", h.GetUnit)
			r.Post("/{id}/cycles/generate", h.GenerateCycles)
			r.Get("/{id}/cycles", h.ListUnitCycles)
			r.Get("/{id}/statement", h.GetStatement)
		})

		// Cycle routes
		r.Route("/cycles", func(r chi.Router) {
			r.Get("/{id}", h.GetCycle)
			r.Post("/{id}/payments", h.ApplyCyclePayment)
			r.Get("/{id}/payments", h.ListCyclePayments)
		})

		r.Post("/payments", h.ApplyUnitPayment)
		r.Get("/overdue", h.ListOverdue)
		r.Get("/actions", h.ListActions)

		// Batch routes
		r.Route("/sweeps", func(r chi.Router) {
			r.Post("/run", h.RunSweep)
			r.Get("/runs", h.ListSweepRuns)
		})
		r.Post("/backfill", h.RunBackfill)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
		r.Post("/reset", h.ResetDatabase)
	})

	return r
}
