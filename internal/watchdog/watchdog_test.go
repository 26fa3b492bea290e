package watchdog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/riskcheck/internal/provider/memory"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

type countingRecoverer struct {
	calls atomic.Int32
	err   error
}

func (c *countingRecoverer) Recover(context.Context) (int, error) {
	c.calls.Add(1)
	return 0, c.err
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []types.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n types.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

var baseTime = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func seedRun(t *testing.T, prov *memory.Provider, id string, status types.RunStatus, updated time.Time) {
	t.Helper()
	ok, err := prov.CreateRun(context.Background(), types.Run{
		RunID:     id,
		DedupKey:  "artifact:" + id + "@1",
		Artifact:  types.ModelArtifact{ArtifactID: id, Version: "1"},
		Status:    status,
		Version:   1,
		CreatedAt: updated,
		UpdatedAt: updated,
	}, "")
	require.NoError(t, err)
	require.True(t, ok)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestCheckStuckRuns(t *testing.T) {
	prov := memory.New()
	seedRun(t, prov, "old-running", types.RunRunning, baseTime.Add(-2*time.Hour))
	seedRun(t, prov, "old-joining", types.RunJoining, baseTime.Add(-45*time.Minute))
	seedRun(t, prov, "fresh", types.RunRunning, baseTime.Add(-time.Minute))
	seedRun(t, prov, "old-done", types.RunCompleted, baseTime.Add(-3*time.Hour))

	stuck := CheckStuckRuns(context.Background(), CheckOptions{
		Provider: prov,
		Logger:   quiet(),
		Now:      baseTime,
	})
	ids := make([]string, 0, len(stuck))
	for _, s := range stuck {
		ids = append(ids, s.RunID)
	}
	assert.ElementsMatch(t, []string{"old-running", "old-joining"}, ids)
}

func TestCheckStuckRuns_CustomThreshold(t *testing.T) {
	prov := memory.New()
	seedRun(t, prov, "r", types.RunCreated, baseTime.Add(-5*time.Minute))

	stuck := CheckStuckRuns(context.Background(), CheckOptions{
		Provider:          prov,
		Logger:            quiet(),
		Now:               baseTime,
		StuckRunThreshold: time.Minute,
	})
	require.Len(t, stuck, 1)
	assert.Equal(t, 5*time.Minute, stuck[0].Idle)
}

func TestCheckStuckRuns_ScansEveryPage(t *testing.T) {
	prov := memory.New()
	seedRun(t, prov, "oldest", types.RunRunning, baseTime.Add(-6*time.Hour))
	for i := 0; i < 5; i++ {
		seedRun(t, prov, fmt.Sprintf("recent-%d", i), types.RunRunning, baseTime.Add(-time.Duration(i+1)*time.Minute))
	}

	stuck := CheckStuckRuns(context.Background(), CheckOptions{
		Provider: prov,
		Logger:   quiet(),
		Now:      baseTime,
		PageSize: 2,
	})
	require.Len(t, stuck, 1)
	assert.Equal(t, "oldest", stuck[0].RunID)
}

func TestScan_AlertsOncePerVersion(t *testing.T) {
	prov := memory.New()
	seedRun(t, prov, "r1", types.RunRunning, baseTime.Add(-time.Hour))
	rec := &countingRecoverer{}
	n := &recordingNotifier{}

	w := New(rec, prov, n, quiet(), time.Minute, 30*time.Minute)
	w.now = func() time.Time { return baseTime }

	fresh := w.Scan(context.Background())
	require.Len(t, fresh, 1)
	assert.Equal(t, int32(1), rec.calls.Load())
	require.Equal(t, 1, n.count())
	assert.Equal(t, types.AlertLevelWarning, n.sent[0].Level)
	assert.Contains(t, n.sent[0].Message, "stuck in RUNNING for 1h0m0s")

	assert.Empty(t, w.Scan(context.Background()))
	assert.Equal(t, 1, n.count())

	run, err := prov.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	next := run.Clone()
	next.Version = 2
	ok, err := prov.CompareAndSwapRun(context.Background(), "r1", 1, next)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Len(t, w.Scan(context.Background()), 1)
	assert.Equal(t, 2, n.count())
}

func TestScan_RecoverErrorStillScans(t *testing.T) {
	prov := memory.New()
	seedRun(t, prov, "r1", types.RunRunning, baseTime.Add(-time.Hour))
	w := New(&countingRecoverer{err: errors.New("throttled")}, prov, nil, quiet(), time.Minute, 0)
	w.now = func() time.Time { return baseTime }

	assert.Len(t, w.Scan(context.Background()), 1)
}

func TestStartStop(t *testing.T) {
	rec := &countingRecoverer{}
	w := New(rec, memory.New(), nil, quiet(), 5*time.Millisecond, time.Hour)
	w.Start(context.Background())
	require.Eventually(t, func() bool { return rec.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	w.Stop(context.Background())

	after := rec.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, rec.calls.Load())
}
