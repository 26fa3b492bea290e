package providertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/riskcheck/internal/provider"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

func newRun(runID, dedupKey string, status types.RunStatus, createdAt time.Time) types.Run {
	return types.Run{
		RunID:     runID,
		DedupKey:  dedupKey,
		Artifact:  types.ModelArtifact{ArtifactID: "pd-model", Version: "v1"},
		Status:    status,
		Version:   1,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

// TestCreateAndGet verifies create, get, and not-found behavior.
func TestCreateAndGet(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	run := newRun("ct-run-cg", "ct-dedup-cg", types.RunCreated, time.Now())
	run.StageAttempts = map[types.StageKind][]types.Attempt{
		types.StageValidation: {{Number: 1, Outcome: types.Outcome{Kind: types.OutcomeSuccess}}},
	}
	ok, err := prov.CreateRun(ctx, run, "")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := prov.GetRun(ctx, "ct-run-cg")
	require.NoError(t, err)
	assert.Equal(t, "ct-run-cg", got.RunID)
	assert.Equal(t, types.RunCreated, got.Status)
	assert.Equal(t, 1, got.Version)
	assert.Len(t, got.StageAttempts[types.StageValidation], 1)

	_, err = prov.GetRun(ctx, "ct-nonexistent-run")
	assert.ErrorIs(t, err, provider.ErrNotFound)

	_, err = prov.LookupDedup(ctx, "ct-nonexistent-key")
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

// TestDedupClaim verifies a dedup key maps to at most one run.
func TestDedupClaim(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	ok, err := prov.CreateRun(ctx, newRun("ct-dedup-a", "ct-dedup-key", types.RunCreated, time.Now()), "")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = prov.CreateRun(ctx, newRun("ct-dedup-b", "ct-dedup-key", types.RunCreated, time.Now()), "")
	require.NoError(t, err)
	assert.False(t, ok, "second claim on the same key must fail")

	holder, err := prov.LookupDedup(ctx, "ct-dedup-key")
	require.NoError(t, err)
	assert.Equal(t, "ct-dedup-a", holder)

	_, err = prov.GetRun(ctx, "ct-dedup-b")
	assert.ErrorIs(t, err, provider.ErrNotFound, "losing create must not store the run")
}

// TestDedupReplace verifies a claim can be moved off a named previous run only.
func TestDedupReplace(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	ok, err := prov.CreateRun(ctx, newRun("ct-repl-a", "ct-repl-key", types.RunFailed, time.Now()), "")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = prov.CreateRun(ctx, newRun("ct-repl-b", "ct-repl-key", types.RunCreated, time.Now()), "ct-other")
	require.NoError(t, err)
	assert.False(t, ok, "replace must name the current holder")

	ok, err = prov.CreateRun(ctx, newRun("ct-repl-c", "ct-repl-key", types.RunCreated, time.Now()), "ct-repl-a")
	require.NoError(t, err)
	assert.True(t, ok)

	holder, err := prov.LookupDedup(ctx, "ct-repl-key")
	require.NoError(t, err)
	assert.Equal(t, "ct-repl-c", holder)

	old, err := prov.GetRun(ctx, "ct-repl-a")
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, old.Status, "replaced run stays readable")
}

// TestCreateRace verifies exactly 1 goroutine wins a concurrent dedup claim.
func TestCreateRace(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			run := newRun(fmt.Sprintf("ct-create-race-%d", id), "ct-create-race-key", types.RunCreated, time.Now())
			ok, err := prov.CreateRun(ctx, run, "")
			if err == nil && ok {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load(), "exactly 1 goroutine should win the dedup claim")
}

// TestCompareAndSwap verifies CAS with correct and stale versions.
func TestCompareAndSwap(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	run := newRun("ct-cas", "ct-cas-key", types.RunCreated, time.Now())
	ok, err := prov.CreateRun(ctx, run, "")
	require.NoError(t, err)
	require.True(t, ok)

	run2 := run.Clone()
	run2.Status = types.RunRunning
	run2.Version = 2
	run2.UpdatedAt = time.Now()
	ok, err = prov.CompareAndSwapRun(ctx, "ct-cas", 1, run2)
	require.NoError(t, err)
	assert.True(t, ok)

	run3 := run2.Clone()
	run3.Status = types.RunJoining
	run3.Version = 3
	ok, err = prov.CompareAndSwapRun(ctx, "ct-cas", 1, run3) // version 1 is stale
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := prov.GetRun(ctx, "ct-cas")
	require.NoError(t, err)
	assert.Equal(t, types.RunRunning, got.Status)
	assert.Equal(t, 2, got.Version)
}

// TestCASRaceCondition verifies exactly 1 goroutine wins a concurrent CAS.
func TestCASRaceCondition(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	run := newRun("ct-race", "ct-race-key", types.RunRunning, time.Now())
	ok, err := prov.CreateRun(ctx, run, "")
	require.NoError(t, err)
	require.True(t, ok)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			newRun := run.Clone()
			newRun.Version = 2
			newRun.FailureReason = fmt.Sprintf("winner-%d", id)
			ok, err := prov.CompareAndSwapRun(ctx, "ct-race", 1, newRun)
			if err == nil && ok {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load(), "exactly 1 goroutine should win the CAS")
}

// TestListRunsByStatus verifies status filtering, limit, and newest-first ordering.
func TestListRunsByStatus(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		run := newRun(fmt.Sprintf("ct-list-%d", i), fmt.Sprintf("ct-list-key-%d", i), types.RunCancelled, base.Add(time.Duration(i)*time.Second))
		ok, err := prov.CreateRun(ctx, run, "")
		require.NoError(t, err)
		require.True(t, ok)
	}

	runs, err := prov.ListRuns(ctx, types.RunCancelled, 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "ct-list-4", runs[0].RunID)
	assert.Equal(t, "ct-list-3", runs[1].RunID)
	assert.Equal(t, "ct-list-2", runs[2].RunID)

	// A status change moves the run between lists.
	moved := runs[0].Clone()
	moved.Status = types.RunFailed
	moved.Version = 2
	ok, err := prov.CompareAndSwapRun(ctx, moved.RunID, 1, moved)
	require.NoError(t, err)
	require.True(t, ok)

	runs, err = prov.ListRuns(ctx, types.RunCancelled, 10)
	require.NoError(t, err)
	for _, r := range runs {
		assert.NotEqual(t, "ct-list-4", r.RunID)
	}
}

// TestListRunsPaging verifies that paging visits every run exactly once in
// newest-first order, including runs sharing a creation time.
func TestListRunsPaging(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	var want []string
	for i := 6; i >= 0; i-- {
		created := base.Add(time.Duration(i/2) * time.Second)
		run := newRun(fmt.Sprintf("ct-page-%d", i), fmt.Sprintf("ct-page-key-%d", i), types.RunJoining, created)
		ok, err := prov.CreateRun(ctx, run, "")
		require.NoError(t, err)
		require.True(t, ok)
		want = append(want, run.RunID)
	}

	var got []string
	err := provider.WalkRuns(ctx, prov, types.RunJoining, 2, func(r types.Run) error {
		if strings.HasPrefix(r.RunID, "ct-page-") {
			got = append(got, r.RunID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)

	page, err := prov.ListRunsPage(ctx, types.RunJoining, 3, "")
	require.NoError(t, err)
	require.Len(t, page.Runs, 3)
	assert.NotEmpty(t, page.Next)
}
