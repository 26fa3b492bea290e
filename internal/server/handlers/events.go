package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dwsmith1983/riskcheck/internal/coordinator"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// ListEvents returns the audit trail of a run.
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	events, err := h.runs.Events(r.Context(), runID, queryLimit(r, 100, 1000))
	if err != nil {
		if errors.Is(err, coordinator.ErrRunNotFound) {
			h.writeError(w, http.StatusNotFound, "run not found", err)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "failed to list events", err)
		return
	}
	if events == nil {
		events = []types.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func queryLimit(r *http.Request, def, max int) int {
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= max {
			return n
		}
	}
	return def
}
