// Package handlers implements HTTP request handlers for the riskcheck API.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// RunService is the run coordinator as seen by the API.
type RunService interface {
	Submit(ctx context.Context, req types.RunRequest) (types.RunHandle, error)
	Get(ctx context.Context, runID string) (types.Run, error)
	Cancel(ctx context.Context, runID string) (types.Run, error)
	Events(ctx context.Context, runID string, limit int) ([]types.Event, error)
	List(ctx context.Context, status types.RunStatus, limit int) ([]types.Run, error)
}

// Pinger reports run store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers contains all HTTP handler dependencies.
type Handlers struct {
	runs      RunService
	pinger    Pinger
	requestID func(context.Context) string
	logger    *slog.Logger
}

// New creates a new Handlers instance. requestID extracts the request ID that
// middleware placed on the context.
func New(runs RunService, pinger Pinger, requestID func(context.Context) string) *Handlers {
	if requestID == nil {
		requestID = func(context.Context) string { return "" }
	}
	return &Handlers{
		runs:      runs,
		pinger:    pinger,
		requestID: requestID,
		logger:    slog.Default(),
	}
}

// SetLogger overrides the default logger.
func (h *Handlers) SetLogger(l *slog.Logger) {
	if l != nil {
		h.logger = l
	}
}

// writeError logs the internal error and returns a sanitized JSON error to the client.
func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string, err error) {
	if err != nil && status >= http.StatusInternalServerError {
		h.logger.Error(msg, "error", err, "status", status)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
