package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/riskcheck/internal/artifact"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

type stubAccessor struct {
	handle artifact.Handle
	err    error
	calls  int
}

func (s *stubAccessor) Fetch(_ context.Context, a types.ModelArtifact) (artifact.Handle, error) {
	s.calls++
	if s.err != nil {
		return artifact.Handle{}, s.err
	}
	h := s.handle
	h.ArtifactID, h.Version = a.ArtifactID, a.Version
	return h, nil
}

func testInput() types.StageInput {
	return types.StageInput{
		RunID:    "run-1",
		Stage:    types.StageBackTest,
		Artifact: types.ModelArtifact{ArtifactID: "pd-model", Version: "v3"},
		Attempt:  1,
	}
}

func TestExecute_Success(t *testing.T) {
	acc := &stubAccessor{handle: artifact.Handle{Location: "s3://models/pd-model/v3"}}
	var seen types.StageInput
	exec := New(acc, RunnerFunc(func(_ context.Context, in types.StageInput) (map[string]interface{}, error) {
		seen = in
		return map[string]interface{}{"sharpe": 1.4}, nil
	}))

	att := exec.Execute(context.Background(), testInput(), time.Second)

	assert.Equal(t, 1, att.Number)
	assert.Equal(t, types.OutcomeSuccess, att.Outcome.Kind)
	assert.Equal(t, 1.4, att.Outcome.Payload["sharpe"])
	assert.Equal(t, "s3://models/pd-model/v3", seen.Artifact.Location)
	assert.False(t, att.FinishedAt.Before(att.StartedAt))
}

func TestExecute_ExplicitLocationKept(t *testing.T) {
	acc := &stubAccessor{handle: artifact.Handle{Location: "s3://models/other"}}
	var seen types.StageInput
	exec := New(acc, RunnerFunc(func(_ context.Context, in types.StageInput) (map[string]interface{}, error) {
		seen = in
		return nil, nil
	}))

	in := testInput()
	in.Artifact.Location = "s3://bucket/explicit"
	exec.Execute(context.Background(), in, 0)
	assert.Equal(t, "s3://bucket/explicit", seen.Artifact.Location)
}

func TestExecute_ArtifactNotFoundIsPermanent(t *testing.T) {
	acc := &stubAccessor{err: artifact.ErrNotFound}
	called := false
	exec := New(acc, RunnerFunc(func(context.Context, types.StageInput) (map[string]interface{}, error) {
		called = true
		return nil, nil
	}))

	att := exec.Execute(context.Background(), testInput(), time.Second)
	assert.False(t, called, "runner must not run when the artifact cannot be resolved")
	assert.Equal(t, types.OutcomeFailure, att.Outcome.Kind)
	assert.Equal(t, types.FailurePermanent, att.Outcome.ErrorKind)
}

func TestExecute_ArtifactStoreUnavailableIsTransient(t *testing.T) {
	acc := &stubAccessor{err: errors.Join(artifact.ErrUnavailable, errors.New("503"))}
	exec := New(acc, RunnerFunc(func(context.Context, types.StageInput) (map[string]interface{}, error) {
		return nil, nil
	}))

	att := exec.Execute(context.Background(), testInput(), time.Second)
	assert.Equal(t, types.FailureTransient, att.Outcome.ErrorKind)
}

func TestExecute_Timeout(t *testing.T) {
	exec := New(nil, RunnerFunc(func(ctx context.Context, _ types.StageInput) (map[string]interface{}, error) {
		<-ctx.Done()
		return nil, errors.New("backend gave up")
	}))

	att := exec.Execute(context.Background(), testInput(), 20*time.Millisecond)
	assert.Equal(t, types.OutcomeTimedOut, att.Outcome.Kind)
	assert.Equal(t, types.FailureTimeout, att.Outcome.Category())
}

func TestExecute_ParentCancelledIsNotTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec := New(nil, RunnerFunc(func(ctx context.Context, _ types.StageInput) (map[string]interface{}, error) {
		return nil, ctx.Err()
	}))

	att := exec.Execute(ctx, testInput(), time.Second)
	assert.Equal(t, types.OutcomeFailure, att.Outcome.Kind)
	assert.Equal(t, types.FailureTransient, att.Outcome.ErrorKind)
}

func TestExecute_StageErrorDetail(t *testing.T) {
	exec := New(nil, RunnerFunc(func(context.Context, types.StageInput) (map[string]interface{}, error) {
		return nil, Permanent("model %s rejected", "pd-model")
	}))

	att := exec.Execute(context.Background(), testInput(), 0)
	require.Equal(t, types.OutcomeFailure, att.Outcome.Kind)
	assert.Equal(t, types.FailurePermanent, att.Outcome.ErrorKind)
	assert.Equal(t, "model pd-model rejected", att.Outcome.Detail)
}

func TestExecute_Clock(t *testing.T) {
	fixed := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	exec := New(nil, RunnerFunc(func(context.Context, types.StageInput) (map[string]interface{}, error) {
		return nil, nil
	}), WithClock(func() time.Time { return fixed }))

	att := exec.Execute(context.Background(), testInput(), 0)
	assert.Equal(t, fixed, att.StartedAt)
	assert.Equal(t, fixed, att.FinishedAt)
}

func TestRouter(t *testing.T) {
	r := Router{
		types.StageValidation: RunnerFunc(func(context.Context, types.StageInput) (map[string]interface{}, error) {
			return map[string]interface{}{"ok": true}, nil
		}),
	}

	out, err := r.RunStage(context.Background(), types.StageInput{Stage: types.StageValidation})
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])

	_, err = r.RunStage(context.Background(), types.StageInput{Stage: types.StageSensitivity})
	require.Error(t, err)
	kind, cat := Classify(err)
	assert.Equal(t, types.OutcomeFailure, kind)
	assert.Equal(t, types.FailurePermanent, cat)
}
