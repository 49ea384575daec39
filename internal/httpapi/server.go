// Package httpapi is the HTTP edge: routing, auth wiring, rate limiting
// and the JSON handlers over the knowledge manager and scheduler.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/payready/knowledge-api/internal/auth"
	"github.com/payready/knowledge-api/internal/manager"
	"github.com/payready/knowledge-api/internal/scheduler"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	Manager   *manager.Manager
	Scheduler *scheduler.Scheduler
	Auth      auth.Config
	Limiter   *Limiter // nil disables rate limiting
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes the structured error body used for all non-2xx
// responses.
func writeError(w http.ResponseWriter, _ *http.Request, code int, detail string) {
	writeJSON(w, code, map[string]any{"detail": detail})
}

// parseLimit parses a limit query param with default and max.
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Routes builds the router with all knowledge endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorrelationMiddleware)
	if s.Limiter != nil {
		r.Use(RateLimitMiddleware(s.Limiter))
	}

	// Health checks (unauthenticated)
	r.Get("/health", s.Health)
	r.Get("/health/ready", s.Ready)

	optional := auth.Optional(s.Auth)
	required := auth.Required(s.Auth)
	admin := auth.AdminRequired(s.Auth)

	r.Route("/api/knowledge", func(r chi.Router) {
		// Read surface: auth optional
		r.Group(func(r chi.Router) {
			r.Use(optional)
			r.Get("/", s.ListKnowledge)
			r.Get("/search", s.SearchKnowledge)
			r.Get("/foundational", s.ListFoundational)
			r.Get("/statistics", s.Statistics)
			r.Get("/context", s.PayReadyContext)
			r.Get("/{id}", s.GetKnowledge)
			r.Get("/{id}/versions", s.ListVersions)
			r.Get("/{id}/compare", s.CompareVersions)
		})

		// Write surface: token required
		r.Group(func(r chi.Router) {
			r.Use(required)
			r.Post("/", s.CreateKnowledge)
			r.Put("/{id}", s.UpdateKnowledge)
			r.Get("/sync/status", s.SyncStatus)
			r.Get("/sync/history", s.SyncHistory)
			r.Post("/batch/create", s.BatchCreate)
			r.Put("/batch/update", s.BatchUpdate)
		})

		// Admin surface
		r.Group(func(r chi.Router) {
			r.Use(admin)
			r.Delete("/{id}", s.DeleteKnowledge)
			r.Post("/{id}/restore", s.RestoreVersion)
			r.Post("/sync/trigger", s.SyncTrigger)
			r.Post("/sync/resume", s.SyncResume)
			r.Post("/batch/delete", s.BatchDelete)
		})
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
