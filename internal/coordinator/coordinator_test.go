package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dwsmith1983/riskcheck/internal/provider/memory"
	"github.com/dwsmith1983/riskcheck/internal/report"
	"github.com/dwsmith1983/riskcheck/internal/schedule"
	"github.com/dwsmith1983/riskcheck/internal/testutil"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitTimeout = 2 * time.Second

// fakeExecutor returns scripted outcomes per stage; the last outcome repeats.
type fakeExecutor struct {
	mu       sync.Mutex
	outcomes map[types.StageKind][]types.Outcome
	calls    map[types.StageKind]int
	inputs   []types.StageInput
	block    map[types.StageKind]bool
	started  chan types.StageInput
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		outcomes: make(map[types.StageKind][]types.Outcome),
		calls:    make(map[types.StageKind]int),
		block:    make(map[types.StageKind]bool),
	}
}

func (f *fakeExecutor) script(stage types.StageKind, outcomes ...types.Outcome) *fakeExecutor {
	f.outcomes[stage] = outcomes
	return f
}

func (f *fakeExecutor) Execute(ctx context.Context, in types.StageInput, _ time.Duration) types.Attempt {
	f.mu.Lock()
	f.calls[in.Stage]++
	f.inputs = append(f.inputs, in)
	n := f.calls[in.Stage]
	blocked := f.block[in.Stage]
	outs := f.outcomes[in.Stage]
	started := f.started
	f.mu.Unlock()

	if started != nil {
		started <- in
	}
	start := time.Now()
	if blocked {
		<-ctx.Done()
		return types.Attempt{Number: in.Attempt, StartedAt: start, FinishedAt: time.Now(),
			Outcome: types.Outcome{Kind: types.OutcomeFailure, ErrorKind: types.FailureTransient, Detail: ctx.Err().Error()}}
	}

	out := types.Outcome{Kind: types.OutcomeSuccess, Payload: map[string]interface{}{"stage": string(in.Stage)}}
	if len(outs) > 0 {
		idx := n - 1
		if idx >= len(outs) {
			idx = len(outs) - 1
		}
		out = outs[idx]
	}
	return types.Attempt{Number: in.Attempt, StartedAt: start, FinishedAt: time.Now(), Outcome: out}
}

func (f *fakeExecutor) Calls(stage types.StageKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stage]
}

func transient() types.Outcome {
	return types.Outcome{Kind: types.OutcomeFailure, ErrorKind: types.FailureTransient, Detail: "backend unavailable"}
}

func permanent() types.Outcome {
	return types.Outcome{Kind: types.OutcomeFailure, ErrorKind: types.FailurePermanent, Detail: "malformed artifact"}
}

func fastPolicy() schedule.Policy {
	return schedule.NewPolicy(types.RetryPolicy{MaxAttempts: 3, BackoffSeconds: 0.001, MaxBackoffSeconds: 0.01})
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []types.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n types.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recordingNotifier) All() []types.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Notification(nil), r.got...)
}

type harness struct {
	prov     *memory.Provider
	exec     *fakeExecutor
	reports  *report.Recorder
	notifier *recordingNotifier
	coord    *Coordinator
}

func newHarness(t *testing.T, exec *fakeExecutor, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		prov:     memory.New(),
		exec:     exec,
		reports:  report.NewRecorder(),
		notifier: &recordingNotifier{},
	}
	opts = append([]Option{WithNotifier(h.notifier)}, opts...)
	h.coord = New(h.prov, exec, report.NewTrigger(h.reports, nil), fastPolicy(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		require.NoError(t, h.coord.Close(ctx))
	})
	return h
}

func pdRequest() types.RunRequest {
	return types.RunRequest{
		RequestID: "req-1",
		Artifact:  types.ModelArtifact{ArtifactID: "pd-model", Version: "v3", Location: "s3://models/pd-model/v3"},
	}
}

func TestSubmit_AllStagesPass(t *testing.T) {
	h := newHarness(t, newFakeExecutor())

	hdl, err := h.coord.Submit(context.Background(), pdRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, hdl.RunID)
	assert.Equal(t, "artifact:8:pd-model@v3", hdl.DedupKey)

	run := testutil.WaitForRunStatus(t, h.prov, hdl.RunID, types.RunCompleted, waitTimeout)
	require.NotNil(t, run.Result)
	assert.Equal(t, types.StatusPassed, run.Result.OverallStatus)
	assert.Len(t, run.StageResults, 3)

	testutil.WaitFor(t, waitTimeout, func() bool {
		r, _ := h.coord.Get(context.Background(), hdl.RunID)
		return r.ReportDispatched
	}, "report dispatched flag")
	assert.Equal(t, 1, h.reports.Count(hdl.RunID))
	for _, stage := range types.AllStages {
		assert.Equal(t, 1, h.exec.Calls(stage))
	}

	testutil.WaitFor(t, waitTimeout, func() bool { return len(h.notifier.All()) == 1 }, "completion notification")
	n := h.notifier.All()[0]
	assert.Equal(t, types.RunCompleted, n.Status)
	assert.Equal(t, types.AlertLevelInfo, n.Level)
}

func TestSubmit_InvalidRequest(t *testing.T) {
	h := newHarness(t, newFakeExecutor())
	_, err := h.coord.Submit(context.Background(), types.RunRequest{Artifact: types.ModelArtifact{ArtifactID: " "}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, 0, h.prov.RunCount())
}

func TestSubmit_ConcurrentDuplicatesCreateOneRun(t *testing.T) {
	exec := newFakeExecutor()
	exec.block[types.StageValidation] = true
	h := newHarness(t, exec)

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		handles []types.RunHandle
		created int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hdl, err := h.coord.Submit(context.Background(), pdRequest())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrDuplicateRun):
			default:
				t.Errorf("unexpected error: %v", err)
			}
			handles = append(handles, hdl)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 1, h.prov.RunCount())
	require.Len(t, handles, callers)
	for _, hdl := range handles {
		assert.Equal(t, handles[0].RunID, hdl.RunID)
	}
	assert.Equal(t, callers-1, testutil.CountEvents(t, h.prov, handles[0].RunID, types.EventDuplicateSubmit))
}

func TestSubmit_CompletedRunIsDuplicate(t *testing.T) {
	h := newHarness(t, newFakeExecutor())

	first, err := h.coord.Submit(context.Background(), pdRequest())
	require.NoError(t, err)
	testutil.WaitForRunStatus(t, h.prov, first.RunID, types.RunCompleted, waitTimeout)

	again, err := h.coord.Submit(context.Background(), pdRequest())
	require.ErrorIs(t, err, ErrDuplicateRun)
	assert.Equal(t, first.RunID, again.RunID)
	assert.Equal(t, types.RunCompleted, again.Status)
	assert.Equal(t, 1, h.prov.RunCount())
}

func TestSubmit_AfterCloseIsRejected(t *testing.T) {
	h := newHarness(t, newFakeExecutor())
	require.NoError(t, h.coord.Close(context.Background()))

	_, err := h.coord.Submit(context.Background(), pdRequest())
	require.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, h.prov.RunCount())
}

func TestSubmit_AtSignInIdentifiersKeepsRunsApart(t *testing.T) {
	h := newHarness(t, newFakeExecutor())

	a, err := h.coord.Submit(context.Background(), types.RunRequest{
		Artifact: types.ModelArtifact{ArtifactID: "pd@model", Version: "v3"},
	})
	require.NoError(t, err)
	testutil.WaitForRunStatus(t, h.prov, a.RunID, types.RunCompleted, waitTimeout)

	b, err := h.coord.Submit(context.Background(), types.RunRequest{
		Artifact: types.ModelArtifact{ArtifactID: "pd", Version: "model@v3"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, a.RunID, b.RunID)
	assert.NotEqual(t, a.DedupKey, b.DedupKey)
	testutil.WaitForRunStatus(t, h.prov, b.RunID, types.RunCompleted, waitTimeout)
}

func TestSubmit_IdempotencyTokenSeparatesRuns(t *testing.T) {
	h := newHarness(t, newFakeExecutor())

	a := pdRequest()
	a.IdempotencyToken = "daily-2026-03-02"
	b := pdRequest()
	b.IdempotencyToken = "daily-2026-03-03"

	ha, err := h.coord.Submit(context.Background(), a)
	require.NoError(t, err)
	hb, err := h.coord.Submit(context.Background(), b)
	require.NoError(t, err)
	assert.NotEqual(t, ha.RunID, hb.RunID)
	assert.Equal(t, "token:daily-2026-03-02", ha.DedupKey)

	testutil.WaitForRunStatus(t, h.prov, ha.RunID, types.RunCompleted, waitTimeout)
	testutil.WaitForRunStatus(t, h.prov, hb.RunID, types.RunCompleted, waitTimeout)
}

func TestSubmit_CancelledRunIsReplaced(t *testing.T) {
	exec := newFakeExecutor()
	exec.block[types.StageBackTest] = true
	h := newHarness(t, exec)

	first, err := h.coord.Submit(context.Background(), pdRequest())
	require.NoError(t, err)
	_, err = h.coord.Cancel(context.Background(), first.RunID)
	require.NoError(t, err)

	exec.mu.Lock()
	exec.block[types.StageBackTest] = false
	exec.mu.Unlock()

	second, err := h.coord.Submit(context.Background(), pdRequest())
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	testutil.WaitForRunStatus(t, h.prov, second.RunID, types.RunCompleted, waitTimeout)

	holder, err := h.prov.LookupDedup(context.Background(), second.DedupKey)
	require.NoError(t, err)
	assert.Equal(t, second.RunID, holder)

	created := testutil.WaitForEvent(t, h.prov, second.RunID, types.EventRunCreated, waitTimeout)
	assert.Equal(t, first.RunID, created.Details["replaces"])
}

func TestRun_AdvisoryFailureAfterRetriesPassesWithWarnings(t *testing.T) {
	exec := newFakeExecutor().script(types.StageSensitivity, transient())
	h := newHarness(t, exec)

	hdl, err := h.coord.Submit(context.Background(), pdRequest())
	require.NoError(t, err)

	run := testutil.WaitForRunStatus(t, h.prov, hdl.RunID, types.RunCompleted, waitTimeout)
	require.NotNil(t, run.Result)
	assert.Equal(t, types.StatusPassedWithWarnings, run.Result.OverallStatus)

	assert.Equal(t, 3, exec.Calls(types.StageSensitivity))
	sens := run.StageResults[types.StageSensitivity]
	assert.Equal(t, 3, sens.AttemptCount)
	assert.Equal(t, 3, sens.Attempt.Number)
	assert.Len(t, run.StageAttempts[types.StageSensitivity], 3)
	assert.Equal(t, 2, testutil.CountEvents(t, h.prov, hdl.RunID, types.EventRetryScheduled))
	assert.Equal(t, 1, testutil.CountEvents(t, h.prov, hdl.RunID, types.EventRetryExhausted))
}

func TestRun_PermanentBackTestFailureIsNotRetried(t *testing.T) {
	exec := newFakeExecutor().script(types.StageBackTest, permanent())
	h := newHarness(t, exec)

	hdl, err := h.coord.Submit(context.Background(), pdRequest())
	require.NoError(t, err)

	run := testutil.WaitForRunStatus(t, h.prov, hdl.RunID, types.RunCompleted, waitTimeout)
	assert.Equal(t, types.StatusFailed, run.Result.OverallStatus)
	assert.Equal(t, 1, exec.Calls(types.StageBackTest))
	assert.Equal(t, 1, run.StageResults[types.StageBackTest].AttemptCount)

	testutil.WaitFor(t, waitTimeout, func() bool { return h.reports.Count(hdl.RunID) == 1 }, "report for failed verdict")
}

func TestRun_TransientRecovers(t *testing.T) {
	exec := newFakeExecutor().script(types.StageValidation, transient(), types.Outcome{Kind: types.OutcomeSuccess})
	h := newHarness(t, exec)

	hdl, err := h.coord.Submit(context.Background(), pdRequest())
	require.NoError(t, err)

	run := testutil.WaitForRunStatus(t, h.prov, hdl.RunID, types.RunCompleted, waitTimeout)
	assert.Equal(t, types.StatusPassed, run.Result.OverallStatus)
	assert.Equal(t, 2, run.StageResults[types.StageValidation].AttemptCount)
}

func TestOnStageTerminal_DuplicateDeliveryYieldsOneReport(t *testing.T) {
	exec := newFakeExecutor()
	for _, s := range types.AllStages {
		exec.block[s] = true
	}
	h := newHarness(t, exec)

	hdl, err := h.coord.Submit(context.Background(), pdRequest())
	require.NoError(t, err)

	result := func(stage types.StageKind) types.StageResult {
		return types.StageResult{Stage: stage, AttemptCount: 1, Attempt: types.Attempt{
			Number: 1, Outcome: types.Outcome{Kind: types.OutcomeSuccess},
		}}
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		for _, stage := range types.AllStages {
			wg.Add(1)
			go func(stage types.StageKind) {
				defer wg.Done()
				assert.NoError(t, h.coord.OnStageTerminal(context.Background(), hdl.RunID, stage, result(stage)))
			}(stage)
		}
	}
	wg.Wait()

	run := testutil.WaitForRunStatus(t, h.prov, hdl.RunID, types.RunCompleted, waitTimeout)
	assert.Equal(t, types.StatusPassed, run.Result.OverallStatus)
	assert.Equal(t, 1, h.reports.Count(hdl.RunID))
	assert.Equal(t, 9, testutil.CountEvents(t, h.prov, hdl.RunID, types.EventDuplicateStageResult))
	assert.Equal(t, 1, testutil.CountEvents(t, h.prov, hdl.RunID, types.EventResultAggregated))
}

func TestOnStageTerminal_UnknownRunAndStage(t *testing.T) {
	h := newHarness(t, newFakeExecutor())
	err := h.coord.OnStageTerminal(context.Background(), "missing", types.StageValidation, types.StageResult{})
	assert.ErrorIs(t, err, ErrRunNotFound)

	err = h.coord.OnStageTerminal(context.Background(), "missing", "STRESS", types.StageResult{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCancel_InFlightStagesProduceNoReport(t *testing.T) {
	exec := newFakeExecutor()
	for _, s := range types.AllStages {
		exec.block[s] = true
	}
	exec.started = make(chan types.StageInput, 3)
	h := newHarness(t, exec)

	hdl, err := h.coord.Submit(context.Background(), pdRequest())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		select {
		case <-exec.started:
		case <-time.After(waitTimeout):
			t.Fatal("stages were not dispatched")
		}
	}

	run, err := h.coord.Cancel(context.Background(), hdl.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCancelled, run.Status)

	testutil.WaitFor(t, waitTimeout, func() bool {
		return testutil.CountEvents(t, h.prov, hdl.RunID, types.EventLateOutcomeDiscarded) == 3
	}, "abandoned attempts discarded")

	// A late delivery after cancellation is discarded too.
	require.NoError(t, h.coord.OnStageTerminal(context.Background(), hdl.RunID, types.StageValidation, types.StageResult{
		Attempt: types.Attempt{Number: 1, Outcome: types.Outcome{Kind: types.OutcomeSuccess}},
	}))

	final, err := h.coord.Get(context.Background(), hdl.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCancelled, final.Status)
	assert.Empty(t, final.StageResults)
	assert.Nil(t, final.Result)
	assert.Equal(t, 0, h.reports.Count(hdl.RunID))

	again, err := h.coord.Cancel(context.Background(), hdl.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCancelled, again.Status)
}

func TestCancel_TerminalAndMissing(t *testing.T) {
	h := newHarness(t, newFakeExecutor())
	hdl, err := h.coord.Submit(context.Background(), pdRequest())
	require.NoError(t, err)
	testutil.WaitForRunStatus(t, h.prov, hdl.RunID, types.RunCompleted, waitTimeout)

	_, err = h.coord.Cancel(context.Background(), hdl.RunID)
	assert.ErrorIs(t, err, ErrRunTerminal)

	_, err = h.coord.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRunDeadline_ForceFails(t *testing.T) {
	exec := newFakeExecutor()
	exec.block[types.StageSensitivity] = true
	h := newHarness(t, exec, WithRunTimeout(50*time.Millisecond))

	hdl, err := h.coord.Submit(context.Background(), pdRequest())
	require.NoError(t, err)

	run := testutil.WaitForRunStatus(t, h.prov, hdl.RunID, types.RunFailed, waitTimeout)
	assert.Equal(t, types.FailureTimeout, run.FailureCategory)
	assert.Nil(t, run.Result)
	assert.Equal(t, 0, h.reports.Count(hdl.RunID))
	testutil.WaitForEvent(t, h.prov, hdl.RunID, types.EventDeadlineExceeded, waitTimeout)

	testutil.WaitFor(t, waitTimeout, func() bool { return len(h.notifier.All()) == 1 }, "failure notification")
	assert.Equal(t, types.AlertLevelError, h.notifier.All()[0].Level)
}

func TestReportFailure_RetriedByRecover(t *testing.T) {
	h := newHarness(t, newFakeExecutor())
	h.reports.FailWith(errors.New("queue unavailable"))

	hdl, err := h.coord.Submit(context.Background(), pdRequest())
	require.NoError(t, err)
	testutil.WaitForRunStatus(t, h.prov, hdl.RunID, types.RunCompleted, waitTimeout)
	testutil.WaitForEvent(t, h.prov, hdl.RunID, types.EventReportFailed, waitTimeout)
	assert.Equal(t, 0, h.reports.Count(hdl.RunID))

	h.reports.FailWith(nil)
	n, err := h.coord.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.reports.Count(hdl.RunID))

	run, err := h.coord.Get(context.Background(), hdl.RunID)
	require.NoError(t, err)
	assert.True(t, run.ReportDispatched)

	// A second sweep finds nothing to do.
	n, err = h.coord.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, h.reports.Count(hdl.RunID))
}

func TestEvents_AuditTrail(t *testing.T) {
	h := newHarness(t, newFakeExecutor())
	hdl, err := h.coord.Submit(context.Background(), pdRequest())
	require.NoError(t, err)
	testutil.WaitForRunStatus(t, h.prov, hdl.RunID, types.RunCompleted, waitTimeout)
	testutil.WaitForEvent(t, h.prov, hdl.RunID, types.EventReportDispatched, waitTimeout)

	events, err := h.coord.Events(context.Background(), hdl.RunID, 100)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, types.EventRunCreated, events[0].Kind)

	var transitions []string
	for _, e := range events {
		if e.Kind == types.EventRunStateChanged {
			transitions = append(transitions, e.Status)
		}
	}
	assert.Equal(t, []string{"RUNNING", "JOINING", "COMPLETED"}, transitions)

	_, err = h.coord.Events(context.Background(), "missing", 10)
	assert.ErrorIs(t, err, ErrRunNotFound)
}
