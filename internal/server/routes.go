package server

import (
	"github.com/go-chi/chi/v5"

	"github.com/dwsmith1983/riskcheck/internal/server/handlers"
)

func (s *Server) registerRoutes(r chi.Router) {
	h := handlers.New(s.runs, s.pinger, RequestIDFromContext)
	h.SetLogger(s.logger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		// Runs
		r.Post("/runs", h.SubmitRun)
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{runID}", h.GetRun)
		r.Post("/runs/{runID}/cancel", h.CancelRun)
		r.Get("/runs/{runID}/events", h.ListEvents)
	})
}
