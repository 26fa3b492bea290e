package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/dwsmith1983/riskcheck/internal/ids"
	"github.com/dwsmith1983/riskcheck/internal/lifecycle"
	"github.com/dwsmith1983/riskcheck/internal/provider"
	"github.com/dwsmith1983/riskcheck/internal/schedule"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

const maxCreateAttempts = 3

// Submit creates a run for the request and dispatches its stages. When a
// non-terminal or completed run already holds the request's dedup key, its
// handle is returned together with ErrDuplicateRun. Failed and cancelled runs
// release their key to the next submission. After Close it returns ErrClosed
// without creating a run.
func (c *Coordinator) Submit(ctx context.Context, req types.RunRequest) (types.RunHandle, error) {
	if c.isClosed() {
		return types.RunHandle{}, ErrClosed
	}
	req = schedule.NormalizeRequest(req)
	if req.Artifact.ArtifactID == "" || req.Artifact.Version == "" {
		return types.RunHandle{}, fmt.Errorf("%w: artifactId and version are required", ErrInvalidRequest)
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = c.now()
	}
	key := schedule.DedupKey(req)

	unlock := c.locks.lock("dedup#" + key)
	defer unlock()

	for i := 0; i < maxCreateAttempts; i++ {
		replace := ""
		holderID, err := c.provider.LookupDedup(ctx, key)
		switch {
		case err == nil:
			holder, err := c.provider.GetRun(ctx, holderID)
			switch {
			case err == nil && holder.Status != types.RunFailed && holder.Status != types.RunCancelled:
				return c.duplicate(ctx, req, *holder)
			case err != nil && !errors.Is(err, provider.ErrNotFound):
				return types.RunHandle{}, fmt.Errorf("loading run %q: %w", holderID, err)
			}
			replace = holderID
		case !errors.Is(err, provider.ErrNotFound):
			return types.RunHandle{}, fmt.Errorf("looking up dedup key %q: %w", key, err)
		}

		run := c.newRun(req, key)
		created, err := c.provider.CreateRun(ctx, run, replace)
		if err != nil {
			return types.RunHandle{}, fmt.Errorf("creating run: %w", err)
		}
		if !created {
			// Another process claimed the key between lookup and create.
			continue
		}

		c.recordEvent(ctx, types.Event{
			Kind:    types.EventRunCreated,
			RunID:   run.RunID,
			Status:  string(run.Status),
			Message: fmt.Sprintf("run created for %s@%s", run.Artifact.ArtifactID, run.Artifact.Version),
			Details: map[string]interface{}{
				"dedupKey":  key,
				"requestId": req.RequestID,
				"replaces":  replace,
			},
		})
		c.logger.Info("run created", "runID", run.RunID, "dedupKey", key, "replaces", replace)

		started, err := c.start(ctx, run.RunID)
		if err != nil {
			return handle(run), err
		}
		return handle(started), nil
	}
	return types.RunHandle{}, fmt.Errorf("%w: dedup key %q: claim contended", errStructural, key)
}

func (c *Coordinator) duplicate(ctx context.Context, req types.RunRequest, existing types.Run) (types.RunHandle, error) {
	c.recordEvent(ctx, types.Event{
		Kind:    types.EventDuplicateSubmit,
		RunID:   existing.RunID,
		Status:  string(existing.Status),
		Message: "submission resolved to existing run",
		Details: map[string]interface{}{"requestId": req.RequestID, "dedupKey": existing.DedupKey},
	})
	c.metrics.DuplicateSubmit(ctx)
	return handle(existing), fmt.Errorf("%w: run %s is %s", ErrDuplicateRun, existing.RunID, existing.Status)
}

func (c *Coordinator) newRun(req types.RunRequest, key string) types.Run {
	now := c.now()
	return types.Run{
		RunID:         ids.New(),
		DedupKey:      key,
		RequestID:     req.RequestID,
		Artifact:      req.Artifact,
		Status:        types.RunCreated,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
		RequestedAt:   req.RequestedAt,
		Deadline:      schedule.RunDeadline(now, c.runTimeout),
		StageAttempts: make(map[types.StageKind][]types.Attempt),
		StageResults:  make(map[types.StageKind]types.StageResult),
	}
}

// start moves a created run to RUNNING and dispatches all three stages. The
// CREATED to RUNNING transition is a compare-and-swap, so stages are
// dispatched by exactly one caller.
func (c *Coordinator) start(ctx context.Context, runID string) (types.Run, error) {
	run, changed, err := c.update(ctx, runID, func(r *types.Run) error {
		if r.Status != types.RunCreated {
			return errSkip
		}
		r.Status = types.RunRunning
		return nil
	})
	if err != nil {
		c.failStructural(ctx, runID, err)
		return run, err
	}
	if !changed {
		return run, nil
	}
	c.recordTransition(ctx, runID, types.RunCreated, types.RunRunning, "stages dispatched")
	c.metrics.RunStarted(ctx)

	starts := make(map[types.StageKind]int, len(types.AllStages))
	for _, stage := range types.AllStages {
		starts[stage] = 1
	}
	c.dispatch(run, starts)
	return run, nil
}

// dispatch launches one goroutine per stage, starting at the given attempt number.
func (c *Coordinator) dispatch(run types.Run, starts map[types.StageKind]int) {
	t := c.task(run, len(starts))
	if t == nil {
		c.logger.Warn("coordinator closed, run left for recovery", "runID", run.RunID)
		return
	}
	for _, stage := range types.AllStages {
		attempt, ok := starts[stage]
		if !ok {
			continue
		}
		go c.driveStage(t.ctx, run.RunID, run.Artifact, stage, attempt)
	}
}

func handle(run types.Run) types.RunHandle {
	return types.RunHandle{RunID: run.RunID, DedupKey: run.DedupKey, Status: run.Status}
}

// failStructural force-fails a run after a coordinator-internal failure.
func (c *Coordinator) failStructural(ctx context.Context, runID string, cause error) {
	if errors.Is(cause, ErrRunNotFound) {
		return
	}
	c.logger.Error("structural failure", "runID", runID, "error", cause)
	c.fail(ctx, runID, types.FailureStructural, cause.Error())
}

// fail moves a non-terminal run to FAILED. No report is emitted.
func (c *Coordinator) fail(ctx context.Context, runID string, category types.FailureCategory, reason string) {
	ctx = context.WithoutCancel(ctx)
	var from types.RunStatus
	run, changed, err := c.update(ctx, runID, func(r *types.Run) error {
		if lifecycle.IsTerminal(r.Status) {
			return errSkip
		}
		from = r.Status
		r.Status = types.RunFailed
		r.FailureCategory = category
		r.FailureReason = reason
		return nil
	})
	if err != nil {
		c.logger.Error("failed to mark run failed", "runID", runID, "reason", reason, "error", err)
		c.releaseTask(runID)
		return
	}
	if !changed {
		return
	}
	c.recordTransition(ctx, runID, from, types.RunFailed, reason)
	c.finish(ctx, run)
}
