package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dwsmith1983/riskcheck/internal/coordinator"
	"github.com/dwsmith1983/riskcheck/internal/intake"
	"github.com/dwsmith1983/riskcheck/internal/lifecycle"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// SubmitRun accepts a trigger event and starts a run for it. A request that
// resolves to an existing run returns that run with 200 instead of 202.
func (h *Handlers) SubmitRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large", err)
			return
		}
		h.writeError(w, http.StatusBadRequest, "failed to read request body", err)
		return
	}

	ev, err := intake.Decode(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), err)
		return
	}
	if ev.Source == "" {
		ev.Source = "api"
	}

	handle, err := h.runs.Submit(r.Context(), intake.ToRunRequest(ev, h.requestID(r.Context())))
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, handle)
	case errors.Is(err, coordinator.ErrDuplicateRun):
		writeJSON(w, http.StatusOK, handle)
	case errors.Is(err, coordinator.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, err.Error(), err)
	case errors.Is(err, coordinator.ErrClosed):
		h.writeError(w, http.StatusServiceUnavailable, "shutting down", err)
	default:
		h.writeError(w, http.StatusInternalServerError, "failed to submit run", err)
	}
}

// GetRun returns the current record of a run.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		if errors.Is(err, coordinator.ErrRunNotFound) {
			h.writeError(w, http.StatusNotFound, "run not found", err)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "failed to get run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ListRuns returns runs in the status given by the status query parameter,
// RUNNING by default.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	status := types.RunStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = types.RunRunning
	}
	if !lifecycle.IsValidStatus(status) {
		h.writeError(w, http.StatusBadRequest, "unknown status "+string(status), nil)
		return
	}
	runs, err := h.runs.List(r.Context(), status, queryLimit(r, 50, 500))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []types.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// CancelRun cancels a non-terminal run. Cancelling a cancelled run succeeds.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.Cancel(r.Context(), chi.URLParam(r, "runID"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, run)
	case errors.Is(err, coordinator.ErrRunNotFound):
		h.writeError(w, http.StatusNotFound, "run not found", err)
	case errors.Is(err, coordinator.ErrRunTerminal):
		h.writeError(w, http.StatusConflict, err.Error(), err)
	default:
		h.writeError(w, http.StatusInternalServerError, "failed to cancel run", err)
	}
}
