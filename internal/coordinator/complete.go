package coordinator

import (
	"context"
	"fmt"

	"github.com/dwsmith1983/riskcheck/internal/aggregate"
	"github.com/dwsmith1983/riskcheck/internal/lifecycle"
	"github.com/dwsmith1983/riskcheck/internal/notify"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// complete aggregates a JOINING run and moves it to COMPLETED. Only the caller
// that wins the JOINING to COMPLETED swap publishes the report request.
func (c *Coordinator) complete(ctx context.Context, run types.Run) {
	ctx = context.WithoutCancel(ctx)

	agg, err := aggregate.Aggregate(run.RunID, run.StageResults, c.now())
	if err != nil {
		c.failStructural(ctx, run.RunID, fmt.Errorf("%w: aggregating: %w", errStructural, err))
		return
	}

	completed, changed, err := c.update(ctx, run.RunID, func(r *types.Run) error {
		if r.Status != types.RunJoining {
			return errSkip
		}
		r.Status = types.RunCompleted
		res := agg
		r.Result = &res
		return nil
	})
	if err != nil {
		c.failStructural(ctx, run.RunID, err)
		return
	}
	if !changed {
		return
	}

	c.recordEvent(ctx, types.Event{
		Kind:    types.EventResultAggregated,
		RunID:   run.RunID,
		Status:  string(agg.OverallStatus),
		Message: "stage results aggregated",
	})
	c.recordTransition(ctx, run.RunID, types.RunJoining, types.RunCompleted, string(agg.OverallStatus))

	c.dispatchReport(ctx, completed)
	c.finish(ctx, completed)
}

// dispatchReport publishes the report request of a completed run and marks it
// dispatched. A failed publish leaves the flag unset for Recover to retry.
func (c *Coordinator) dispatchReport(ctx context.Context, run types.Run) {
	if run.Status != types.RunCompleted || run.Result == nil || run.ReportDispatched {
		return
	}
	if _, err := c.trigger.OnRunCompleted(ctx, *run.Result); err != nil {
		c.metrics.ReportDispatched(ctx, false)
		c.recordEvent(ctx, types.Event{
			Kind:    types.EventReportFailed,
			RunID:   run.RunID,
			Message: err.Error(),
		})
		c.logger.Error("report dispatch failed", "runID", run.RunID, "error", err)
		return
	}
	c.metrics.ReportDispatched(ctx, true)

	_, _, err := c.update(ctx, run.RunID, func(r *types.Run) error {
		if r.ReportDispatched {
			return errSkip
		}
		r.ReportDispatched = true
		return nil
	})
	if err != nil {
		c.logger.Error("failed to mark report dispatched", "runID", run.RunID, "error", err)
	}
	c.recordEvent(ctx, types.Event{
		Kind:   types.EventReportDispatched,
		RunID:  run.RunID,
		Status: string(run.Result.OverallStatus),
	})
}

// finish releases the in-process work of a terminal run and notifies.
func (c *Coordinator) finish(ctx context.Context, run types.Run) {
	c.releaseTask(run.RunID)
	var overall types.OverallStatus
	if run.Result != nil {
		overall = run.Result.OverallStatus
	}
	c.metrics.RunFinished(ctx, run.Status, overall)
	if c.notifier != nil {
		c.notifier.Notify(ctx, notify.ForRun(run, c.now()))
	}
}

// Cancel moves a run to CANCELLED and abandons its in-flight attempts. Their
// outcomes, when they arrive, are discarded and no report is produced.
// Cancelling a cancelled run is a no-op; other terminal runs return ErrRunTerminal.
func (c *Coordinator) Cancel(ctx context.Context, runID string) (types.Run, error) {
	var from types.RunStatus
	run, changed, err := c.update(ctx, runID, func(r *types.Run) error {
		if r.Status == types.RunCancelled {
			return errSkip
		}
		if lifecycle.IsTerminal(r.Status) {
			return fmt.Errorf("%w: run %s is %s", ErrRunTerminal, r.RunID, r.Status)
		}
		from = r.Status
		r.Status = types.RunCancelled
		r.FailureReason = "cancelled"
		return nil
	})
	if err != nil {
		return run, err
	}
	if changed {
		c.recordTransition(ctx, runID, from, types.RunCancelled, "cancelled")
		c.finish(ctx, run)
	}
	return run, nil
}

// onDeadline force-fails a run whose overall deadline passed, even when some
// stages are still retrying.
func (c *Coordinator) onDeadline(runID string) {
	ctx := c.ctx
	run, err := c.provider.GetRun(ctx, runID)
	if err != nil || lifecycle.IsTerminal(run.Status) {
		c.releaseTask(runID)
		return
	}
	c.recordEvent(ctx, types.Event{
		Kind:    types.EventDeadlineExceeded,
		RunID:   runID,
		Status:  string(run.Status),
		Message: fmt.Sprintf("run deadline %s exceeded", run.Deadline.Format("2006-01-02T15:04:05Z07:00")),
	})
	c.logger.Warn("run deadline exceeded", "runID", runID, "deadline", run.Deadline)
	c.fail(ctx, runID, types.FailureTimeout, "run deadline exceeded")
}
