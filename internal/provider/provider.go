// Package provider defines the run state store interface for riskcheck.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// ErrNotFound is returned when a run or dedup claim does not exist.
var ErrNotFound = errors.New("not found")

// Provider is the storage backend interface. It is the single source of truth
// for run state, idempotency claims and the audit trail.
type Provider interface {
	// Run state (with CAS for serialized mutation)

	// CreateRun stores a new run together with its dedup claim in one atomic
	// write. The claim is taken only if no claim exists for run.DedupKey, or if
	// the existing claim points at replaceRunID. Returns false when the claim is
	// held by another run.
	CreateRun(ctx context.Context, run types.Run, replaceRunID string) (bool, error)
	GetRun(ctx context.Context, runID string) (*types.Run, error)
	// LookupDedup returns the run ID currently holding the dedup claim.
	LookupDedup(ctx context.Context, dedupKey string) (string, error)
	// CompareAndSwapRun replaces the run if its stored version equals expectedVersion.
	CompareAndSwapRun(ctx context.Context, runID string, expectedVersion int, newRun types.Run) (bool, error)
	// ListRuns returns runs in the given status, newest first.
	ListRuns(ctx context.Context, status types.RunStatus, limit int) ([]types.Run, error)
	// ListRunsPage returns up to limit runs in the given status, newest first,
	// starting after cursor. An empty cursor starts from the newest run.
	ListRunsPage(ctx context.Context, status types.RunStatus, limit int, cursor string) (RunPage, error)

	// Event log, append-only audit trail
	AppendEvent(ctx context.Context, event types.Event) error
	ListEvents(ctx context.Context, runID string, limit int) ([]types.Event, error)

	// Lifecycle
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Ping(ctx context.Context) error
}

// RunPage is one page of a status listing. Next is empty once the listing is
// exhausted; a page may hold fewer than limit runs and still have a Next.
type RunPage struct {
	Runs []types.Run
	Next string
}

// listTimeLayout is fixed width so list keys sort lexically in time order.
const listTimeLayout = "2006-01-02T15:04:05.000000000Z"

// ListKey orders runs within a status listing: creation time, then run ID.
func ListKey(createdAt time.Time, runID string) string {
	return createdAt.UTC().Format(listTimeLayout) + "#" + runID
}

// WalkRuns calls fn for every run in a status, newest first, reading the
// listing one page at a time. It stops at the first error from fn.
func WalkRuns(ctx context.Context, p Provider, status types.RunStatus, pageSize int, fn func(types.Run) error) error {
	cursor := ""
	for {
		page, err := p.ListRunsPage(ctx, status, pageSize, cursor)
		if err != nil {
			return err
		}
		for _, run := range page.Runs {
			if err := fn(run); err != nil {
				return err
			}
		}
		if page.Next == "" || page.Next == cursor {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		cursor = page.Next
	}
}
