package coordinator

import (
	"context"
	"fmt"

	"github.com/dwsmith1983/riskcheck/internal/provider"
	"github.com/dwsmith1983/riskcheck/internal/schedule"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

const recoverPageSize = 500

// Recover resumes runs left unfinished by a crash or shutdown:
//
//	CREATED   -> started
//	RUNNING   -> only stages without a recorded result are dispatched
//	JOINING   -> aggregated and completed
//	COMPLETED -> report republished when it was never acknowledged
//
// Every listed run is visited, page by page; runs already driven by this
// process are skipped. It returns the number of runs acted on.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	statuses := []types.RunStatus{types.RunCreated, types.RunRunning, types.RunJoining, types.RunCompleted}
	recovered := 0
	for _, status := range statuses {
		err := provider.WalkRuns(ctx, c.provider, status, c.recoverPageSize, func(listed types.Run) error {
			if c.hasTask(listed.RunID) {
				return nil
			}
			// Listing may lag the run record; act on the latest version.
			run, err := c.Get(ctx, listed.RunID)
			if err != nil {
				c.logger.Warn("skipping run during recovery", "runID", listed.RunID, "error", err)
				return nil
			}
			if c.recoverRun(ctx, run) {
				recovered++
			}
			return nil
		})
		if err != nil {
			return recovered, fmt.Errorf("listing %s runs: %w", status, err)
		}
	}
	if recovered > 0 {
		c.logger.Info("recovered runs", "count", recovered)
	}
	return recovered, nil
}

func (c *Coordinator) recoverRun(ctx context.Context, run types.Run) bool {
	if run.Status == types.RunCompleted {
		if run.ReportDispatched || run.Result == nil {
			return false
		}
		c.recovered(ctx, run, "republishing report")
		c.dispatchReport(ctx, run)
		return true
	}

	if schedule.IsBreached(run.Deadline, c.now()) {
		c.recovered(ctx, run, "deadline passed while unattended")
		c.onDeadline(run.RunID)
		return true
	}

	switch run.Status {
	case types.RunCreated:
		c.recovered(ctx, run, "starting")
		if _, err := c.start(ctx, run.RunID); err != nil {
			c.logger.Error("failed to start recovered run", "runID", run.RunID, "error", err)
		}
	case types.RunRunning:
		c.recovered(ctx, run, fmt.Sprintf("resuming %d missing stages", len(run.MissingStages())))
		c.resume(ctx, run)
	case types.RunJoining:
		c.recovered(ctx, run, "completing")
		c.complete(ctx, run)
	default:
		return false
	}
	return true
}

func (c *Coordinator) recovered(ctx context.Context, run types.Run, msg string) {
	c.recordEvent(ctx, types.Event{
		Kind:    types.EventRunRecovered,
		RunID:   run.RunID,
		Status:  string(run.Status),
		Message: msg,
	})
	c.logger.Info("recovering run", "runID", run.RunID, "status", run.Status, "action", msg)
}
