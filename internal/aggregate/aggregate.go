// Package aggregate combines the three stage results of a run into one verdict.
package aggregate

import (
	"errors"
	"fmt"
	"time"

	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// ErrIncomplete is returned when a stage result is missing.
var ErrIncomplete = errors.New("stage results incomplete")

// Gating reports whether a failure of the given stage fails the whole run.
// Validation and back-testing gate a run; sensitivity analysis is advisory.
func Gating(stage types.StageKind) bool {
	switch stage {
	case types.StageValidation, types.StageBackTest:
		return true
	}
	return false
}

// Aggregate computes the overall verdict from exactly one result per stage.
// It is a pure function of its inputs; the order results were recorded in
// does not affect the verdict.
//
//	any stage failed permanently           -> FAILED
//	any gating stage failed                -> FAILED
//	only advisory stages exhausted retries -> PASSED_WITH_WARNINGS
//	every stage succeeded                  -> PASSED
func Aggregate(runID string, results map[types.StageKind]types.StageResult, computedAt time.Time) (types.AggregatedResult, error) {
	copied := make(map[types.StageKind]types.StageResult, len(types.AllStages))
	for _, stage := range types.AllStages {
		r, ok := results[stage]
		if !ok {
			return types.AggregatedResult{}, fmt.Errorf("%w: missing %s", ErrIncomplete, stage)
		}
		copied[stage] = r
	}
	for stage := range results {
		if !stage.Valid() {
			return types.AggregatedResult{}, fmt.Errorf("unknown stage %q", stage)
		}
	}

	status := types.StatusPassed
	for _, stage := range types.AllStages {
		if copied[stage].Succeeded() {
			continue
		}
		if Gating(stage) || copied[stage].Attempt.Outcome.Category() == types.FailurePermanent {
			status = types.StatusFailed
			break
		}
		status = types.StatusPassedWithWarnings
	}

	return types.AggregatedResult{
		RunID:         runID,
		OverallStatus: status,
		StageResults:  copied,
		ComputedAt:    computedAt,
	}, nil
}
