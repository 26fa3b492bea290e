// Package server implements the riskcheck HTTP API server.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dwsmith1983/riskcheck/internal/server/handlers"
)

const defaultMaxBody = 1 << 20

// Server is the riskcheck HTTP API server.
type Server struct {
	runs   handlers.RunService
	pinger handlers.Pinger
	logger *slog.Logger
	router chi.Router
	addr   string
	srv    *http.Server
}

// New creates a new HTTP server. An empty apiKey disables authentication and a
// non-positive maxBody selects the 1 MiB default.
func New(addr string, runs handlers.RunService, pinger handlers.Pinger, apiKey string, maxBody int64, logger *slog.Logger) *Server {
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		runs:   runs,
		pinger: pinger,
		logger: logger,
		addr:   addr,
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(APIKeyMiddleware(apiKey))
	r.Use(MaxBodyMiddleware(maxBody))
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	s.router = r
	s.registerRoutes(r)
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info("riskcheck server listening", "addr", s.addr)
	return s.srv.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}
