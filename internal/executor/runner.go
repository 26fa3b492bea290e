package executor

import (
	"context"
	"fmt"

	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// StageRunner runs one stage attempt against an artifact and returns the
// stage's result payload. Implementations must be safe to call again for the
// same artifact, stage and attempt.
type StageRunner interface {
	RunStage(ctx context.Context, in types.StageInput) (map[string]interface{}, error)
}

// RunnerFunc adapts a function to the StageRunner interface.
type RunnerFunc func(ctx context.Context, in types.StageInput) (map[string]interface{}, error)

// RunStage calls f.
func (f RunnerFunc) RunStage(ctx context.Context, in types.StageInput) (map[string]interface{}, error) {
	return f(ctx, in)
}

// StageError is a failure declared by a stage backend with an explicit category.
type StageError struct {
	Category types.FailureCategory
	Detail   string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Detail)
}

// Permanent returns a non-retryable stage failure.
func Permanent(format string, args ...interface{}) error {
	return &StageError{Category: types.FailurePermanent, Detail: fmt.Sprintf(format, args...)}
}

// Transient returns a retryable stage failure.
func Transient(format string, args ...interface{}) error {
	return &StageError{Category: types.FailureTransient, Detail: fmt.Sprintf(format, args...)}
}

// Router dispatches each stage to its configured runner.
type Router map[types.StageKind]StageRunner

// RunStage runs the stage on its runner. An unrouted stage is a permanent failure.
func (r Router) RunStage(ctx context.Context, in types.StageInput) (map[string]interface{}, error) {
	runner, ok := r[in.Stage]
	if !ok || runner == nil {
		return nil, Permanent("no runner configured for stage %s", in.Stage)
	}
	return runner.RunStage(ctx, in)
}
