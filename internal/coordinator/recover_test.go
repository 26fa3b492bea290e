package coordinator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/riskcheck/internal/testutil"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

var seedTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func succeeded(n int, payload map[string]interface{}) types.Attempt {
	return types.Attempt{Number: n, StartedAt: seedTime, FinishedAt: seedTime.Add(time.Second),
		Outcome: types.Outcome{Kind: types.OutcomeSuccess, Payload: payload}}
}

func seededRun(id string, status types.RunStatus) types.Run {
	return types.Run{
		RunID:         id,
		DedupKey:      "artifact:pd-model@" + id,
		Artifact:      types.ModelArtifact{ArtifactID: "pd-model", Version: id},
		Status:        status,
		Version:       4,
		CreatedAt:     seedTime,
		UpdatedAt:     seedTime,
		StageAttempts: map[types.StageKind][]types.Attempt{},
		StageResults:  map[types.StageKind]types.StageResult{},
	}
}

func TestRecover_DispatchesOnlyMissingStages(t *testing.T) {
	exec := newFakeExecutor()
	h := newHarness(t, exec)

	run := seededRun("crashed", types.RunRunning)
	val := succeeded(1, map[string]interface{}{"ks": 0.41})
	bt := succeeded(2, map[string]interface{}{"breaches": 1.0})
	run.StageAttempts[types.StageValidation] = []types.Attempt{val}
	run.StageAttempts[types.StageBackTest] = []types.Attempt{
		{Number: 1, Outcome: transient()},
		bt,
	}
	run.StageResults[types.StageValidation] = types.StageResult{Stage: types.StageValidation, Attempt: val, AttemptCount: 1}
	run.StageResults[types.StageBackTest] = types.StageResult{Stage: types.StageBackTest, Attempt: bt, AttemptCount: 2}
	h.prov.Seed(run)

	n, err := h.coord.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	final := testutil.WaitForRunStatus(t, h.prov, "crashed", types.RunCompleted, waitTimeout)
	assert.Equal(t, 0, exec.Calls(types.StageValidation))
	assert.Equal(t, 0, exec.Calls(types.StageBackTest))
	assert.Equal(t, 1, exec.Calls(types.StageSensitivity))

	require.NotNil(t, final.Result)
	assert.Equal(t, types.StatusPassed, final.Result.OverallStatus)
	assert.Equal(t, 0.41, final.Result.StageResults[types.StageValidation].Attempt.Outcome.Payload["ks"])
	assert.Equal(t, 2, final.Result.StageResults[types.StageBackTest].AttemptCount)
	testutil.WaitFor(t, waitTimeout, func() bool { return h.reports.Count("crashed") == 1 }, "report after recovery")
	testutil.WaitForEvent(t, h.prov, "crashed", types.EventRunRecovered, waitTimeout)
}

func TestRecover_ContinuesFromNextAttempt(t *testing.T) {
	exec := newFakeExecutor()
	h := newHarness(t, exec)

	run := seededRun("mid-retry", types.RunRunning)
	run.StageResults[types.StageValidation] = types.StageResult{Stage: types.StageValidation, Attempt: succeeded(1, nil), AttemptCount: 1}
	run.StageResults[types.StageBackTest] = types.StageResult{Stage: types.StageBackTest, Attempt: succeeded(1, nil), AttemptCount: 1}
	run.StageAttempts[types.StageSensitivity] = []types.Attempt{{Number: 1, Outcome: transient()}}
	h.prov.Seed(run)

	_, err := h.coord.Recover(context.Background())
	require.NoError(t, err)

	final := testutil.WaitForRunStatus(t, h.prov, "mid-retry", types.RunCompleted, waitTimeout)
	sens := final.StageResults[types.StageSensitivity]
	assert.Equal(t, 2, sens.Attempt.Number)
	assert.Equal(t, 2, sens.AttemptCount)
	assert.Len(t, final.StageAttempts[types.StageSensitivity], 2)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	require.Len(t, exec.inputs, 1)
	assert.Equal(t, 2, exec.inputs[0].Attempt)
}

func TestRecover_FinalAttemptWithoutResult(t *testing.T) {
	exec := newFakeExecutor()
	h := newHarness(t, exec)

	run := seededRun("unrecorded", types.RunRunning)
	run.StageResults[types.StageValidation] = types.StageResult{Stage: types.StageValidation, Attempt: succeeded(1, nil), AttemptCount: 1}
	run.StageResults[types.StageSensitivity] = types.StageResult{Stage: types.StageSensitivity, Attempt: succeeded(1, nil), AttemptCount: 1}
	run.StageAttempts[types.StageBackTest] = []types.Attempt{{Number: 1, Outcome: permanent()}}
	h.prov.Seed(run)

	_, err := h.coord.Recover(context.Background())
	require.NoError(t, err)

	final := testutil.WaitForRunStatus(t, h.prov, "unrecorded", types.RunCompleted, waitTimeout)
	assert.Equal(t, types.StatusFailed, final.Result.OverallStatus)
	assert.Equal(t, 0, exec.Calls(types.StageBackTest))
}

func TestRecover_CreatedAndJoining(t *testing.T) {
	exec := newFakeExecutor()
	h := newHarness(t, exec)

	h.prov.Seed(seededRun("never-started", types.RunCreated))

	joining := seededRun("joining", types.RunJoining)
	for _, s := range types.AllStages {
		joining.StageResults[s] = types.StageResult{Stage: s, Attempt: succeeded(1, nil), AttemptCount: 1}
	}
	h.prov.Seed(joining)

	n, err := h.coord.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	testutil.WaitForRunStatus(t, h.prov, "never-started", types.RunCompleted, waitTimeout)
	final := testutil.WaitForRunStatus(t, h.prov, "joining", types.RunCompleted, waitTimeout)
	assert.Equal(t, types.StatusPassed, final.Result.OverallStatus)
	for _, s := range types.AllStages {
		assert.Equal(t, 1, exec.Calls(s), "only the created run dispatches %s", s)
	}
	assert.Equal(t, 1, h.reports.Count("joining"))
}

func TestRecover_ExpiredDeadlineFailsRun(t *testing.T) {
	exec := newFakeExecutor()
	h := newHarness(t, exec)

	run := seededRun("expired", types.RunRunning)
	run.Deadline = time.Now().Add(-time.Minute)
	h.prov.Seed(run)

	_, err := h.coord.Recover(context.Background())
	require.NoError(t, err)

	final := testutil.WaitForRunStatus(t, h.prov, "expired", types.RunFailed, waitTimeout)
	assert.Equal(t, types.FailureTimeout, final.FailureCategory)
	for _, s := range types.AllStages {
		assert.Equal(t, 0, exec.Calls(s))
	}
}

func TestRecover_SkipsTerminalRuns(t *testing.T) {
	h := newHarness(t, newFakeExecutor())
	done := seededRun("done", types.RunCompleted)
	done.Result = &types.AggregatedResult{RunID: "done", OverallStatus: types.StatusPassed}
	done.ReportDispatched = true
	h.prov.Seed(done)
	h.prov.Seed(seededRun("cancelled", types.RunCancelled))

	n, err := h.coord.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, h.reports.Count("done"))
}

func TestRecover_PagesPastRunsAlreadyDriven(t *testing.T) {
	exec := newFakeExecutor()
	exec.block[types.StageBackTest] = true
	h := newHarness(t, exec)
	h.coord.recoverPageSize = 2

	// Newer runs driven by this process fill the first pages of the listing.
	for i := 0; i < 5; i++ {
		req := pdRequest()
		req.IdempotencyToken = fmt.Sprintf("live-%d", i)
		_, err := h.coord.Submit(context.Background(), req)
		require.NoError(t, err)
	}

	orphan := seededRun("orphan", types.RunRunning)
	orphan.CreatedAt = seedTime.Add(-24 * time.Hour)
	h.prov.Seed(orphan)

	n, err := h.coord.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, h.coord.hasTask("orphan"))
	testutil.WaitForEvent(t, h.prov, "orphan", types.EventRunRecovered, waitTimeout)
}
