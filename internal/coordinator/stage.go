package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// errRunClosed is returned by attempt recording when the run no longer
// accepts stage outcomes.
var errRunClosed = errors.New("run no longer accepts stage outcomes")

// driveStage runs attempts of one stage until the retry policy gives up or the
// stage succeeds, then delivers the stage result.
func (c *Coordinator) driveStage(ctx context.Context, runID string, artifact types.ModelArtifact, stage types.StageKind, attempt int) {
	defer c.wg.Done()
	logger := c.logger.With("runID", runID, "stage", stage)

	for {
		if ctx.Err() != nil {
			return
		}
		c.recordEvent(ctx, types.Event{
			Kind:    types.EventStageDispatched,
			RunID:   runID,
			Stage:   stage,
			Details: map[string]interface{}{"attempt": attempt},
		})

		att := c.executor.Execute(ctx, types.StageInput{
			RunID:    runID,
			Stage:    stage,
			Artifact: artifact,
			Attempt:  attempt,
		}, c.stageTimeoutFor(stage))

		if ctx.Err() != nil {
			c.discard(ctx, runID, stage, att, "run context done")
			return
		}
		c.metrics.AttemptFinished(ctx, stage, att)

		if err := c.recordAttempt(ctx, runID, stage, att); err != nil {
			if errors.Is(err, errRunClosed) {
				c.discard(ctx, runID, stage, att, err.Error())
				return
			}
			c.failStructural(ctx, runID, err)
			return
		}

		decision := c.policy.Decide(attempt, att.Outcome)
		if decision.Retry {
			c.recordEvent(ctx, types.Event{
				Kind:    types.EventRetryScheduled,
				RunID:   runID,
				Stage:   stage,
				Message: decision.Reason,
				Details: map[string]interface{}{
					"attempt": attempt,
					"delayMs": decision.Delay.Milliseconds(),
				},
			})
			c.metrics.RetryScheduled(ctx, stage)
			logger.Info("retrying stage", "attempt", attempt, "delay", decision.Delay, "reason", decision.Reason)
			if !sleep(ctx, decision.Delay) {
				return
			}
			attempt++
			continue
		}

		if !att.Outcome.Succeeded() {
			c.recordEvent(ctx, types.Event{
				Kind:    types.EventRetryExhausted,
				RunID:   runID,
				Stage:   stage,
				Message: decision.Reason,
				Details: map[string]interface{}{
					"attempt":  attempt,
					"category": string(att.Outcome.Category()),
				},
			})
		}

		result := types.StageResult{Stage: stage, Attempt: att, AttemptCount: attempt}
		if err := c.OnStageTerminal(ctx, runID, stage, result); err != nil {
			logger.Error("failed to record stage result", "error", err)
		}
		return
	}
}

// recordAttempt checkpoints a finished attempt on the run record so recovery
// can continue from the next attempt number.
func (c *Coordinator) recordAttempt(ctx context.Context, runID string, stage types.StageKind, att types.Attempt) error {
	_, changed, err := c.update(ctx, runID, func(r *types.Run) error {
		if r.Status != types.RunRunning {
			return fmt.Errorf("%w: run is %s", errRunClosed, r.Status)
		}
		if _, done := r.StageResults[stage]; done {
			return fmt.Errorf("%w: %s already has a result", errRunClosed, stage)
		}
		if r.StageAttempts == nil {
			r.StageAttempts = make(map[types.StageKind][]types.Attempt)
		}
		attempts := r.StageAttempts[stage]
		for i := range attempts {
			if attempts[i].Number == att.Number {
				attempts[i] = att
				return nil
			}
		}
		r.StageAttempts[stage] = append(attempts, att)
		return nil
	})
	if err != nil || !changed {
		return err
	}
	c.recordEvent(ctx, types.Event{
		Kind:   types.EventAttemptFinished,
		RunID:  runID,
		Stage:  stage,
		Status: string(att.Outcome.Kind),
		Details: map[string]interface{}{
			"attempt":  att.Number,
			"category": string(att.Outcome.Category()),
			"detail":   att.Outcome.Detail,
		},
	})
	return nil
}

// OnStageTerminal records the final result of a stage. The result slot of a
// stage is write-once: a second delivery for the same stage is a no-op, and a
// delivery after the run left RUNNING is discarded. The delivery that records
// the last missing result moves the run to JOINING in the same
// compare-and-swap and is the only one that aggregates and completes it.
func (c *Coordinator) OnStageTerminal(ctx context.Context, runID string, stage types.StageKind, result types.StageResult) error {
	if !stage.Valid() {
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidRequest, stage)
	}
	result.Stage = stage

	var duplicate, late, joined bool
	run, _, err := c.update(ctx, runID, func(r *types.Run) error {
		duplicate, late, joined = false, false, false
		if _, ok := r.StageResults[stage]; ok {
			duplicate = true
			return errSkip
		}
		if r.Status != types.RunRunning {
			late = true
			return errSkip
		}
		if r.StageResults == nil {
			r.StageResults = make(map[types.StageKind]types.StageResult)
		}
		r.StageResults[stage] = result
		if len(r.MissingStages()) == 0 {
			r.Status = types.RunJoining
			joined = true
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrRunNotFound) {
			c.failStructural(ctx, runID, err)
		}
		return err
	}

	switch {
	case duplicate:
		c.recordEvent(ctx, types.Event{
			Kind:    types.EventDuplicateStageResult,
			RunID:   runID,
			Stage:   stage,
			Message: "stage result already recorded",
		})
		return nil
	case late:
		c.discard(ctx, runID, stage, result.Attempt, "run is "+string(run.Status))
		return nil
	}

	c.recordEvent(ctx, types.Event{
		Kind:   types.EventStageResultRecorded,
		RunID:  runID,
		Stage:  stage,
		Status: string(result.Attempt.Outcome.Kind),
		Details: map[string]interface{}{
			"attempts": result.AttemptCount,
			"category": string(result.Attempt.Outcome.Category()),
		},
	})
	if joined {
		c.recordTransition(ctx, runID, types.RunRunning, types.RunJoining, "all stage results recorded")
		c.complete(ctx, run)
	}
	return nil
}

func (c *Coordinator) discard(ctx context.Context, runID string, stage types.StageKind, att types.Attempt, reason string) {
	c.recordEvent(ctx, types.Event{
		Kind:    types.EventLateOutcomeDiscarded,
		RunID:   runID,
		Stage:   stage,
		Status:  string(att.Outcome.Kind),
		Message: reason,
		Details: map[string]interface{}{"attempt": att.Number},
	})
}

// resume dispatches the stages of a RUNNING run that have no result yet.
// A stage whose last recorded attempt was already final is completed from
// that attempt instead of running again.
func (c *Coordinator) resume(ctx context.Context, run types.Run) {
	missing := run.MissingStages()
	if len(missing) == 0 {
		c.join(ctx, run.RunID)
		return
	}

	starts := make(map[types.StageKind]int, len(missing))
	for _, stage := range missing {
		attempts := run.StageAttempts[stage]
		if len(attempts) == 0 {
			starts[stage] = 1
			continue
		}
		last := attempts[len(attempts)-1]
		if c.policy.Decide(last.Number, last.Outcome).Retry {
			starts[stage] = last.Number + 1
			continue
		}
		result := types.StageResult{Stage: stage, Attempt: last, AttemptCount: last.Number}
		if err := c.OnStageTerminal(ctx, run.RunID, stage, result); err != nil {
			c.logger.Error("failed to record recovered stage result", "runID", run.RunID, "stage", stage, "error", err)
		}
	}
	if len(starts) > 0 {
		c.dispatch(run, starts)
	}
}

// join moves a RUNNING run whose results are all recorded to JOINING.
func (c *Coordinator) join(ctx context.Context, runID string) {
	run, changed, err := c.update(ctx, runID, func(r *types.Run) error {
		if r.Status != types.RunRunning || len(r.MissingStages()) > 0 {
			return errSkip
		}
		r.Status = types.RunJoining
		return nil
	})
	if err != nil {
		c.failStructural(ctx, runID, err)
		return
	}
	if changed {
		c.recordTransition(ctx, runID, types.RunRunning, types.RunJoining, "all stage results recorded")
	}
	if run.Status == types.RunJoining {
		c.complete(ctx, run)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
