// Package memory implements the Provider interface in process memory.
// It backs tests and single-process deployments that do not need durability.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dwsmith1983/riskcheck/internal/provider"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// Compile-time interface satisfaction check.
var _ provider.Provider = (*Provider)(nil)

// Provider is an in-memory run store.
type Provider struct {
	mu     sync.Mutex
	runs   map[string]types.Run
	dedup  map[string]string
	events map[string][]types.Event

	casCount int
}

// New creates an empty in-memory provider.
func New() *Provider {
	return &Provider{
		runs:   make(map[string]types.Run),
		dedup:  make(map[string]string),
		events: make(map[string][]types.Event),
	}
}

func (p *Provider) CreateRun(_ context.Context, run types.Run, replaceRunID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.runs[run.RunID]; exists {
		return false, fmt.Errorf("run %q already exists", run.RunID)
	}
	if holder, claimed := p.dedup[run.DedupKey]; claimed {
		if replaceRunID == "" || holder != replaceRunID {
			return false, nil
		}
	}
	p.runs[run.RunID] = run.Clone()
	p.dedup[run.DedupKey] = run.RunID
	return true, nil
}

func (p *Provider) GetRun(_ context.Context, runID string) (*types.Run, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	run, ok := p.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %q: %w", runID, provider.ErrNotFound)
	}
	cp := run.Clone()
	return &cp, nil
}

func (p *Provider) LookupDedup(_ context.Context, dedupKey string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	runID, ok := p.dedup[dedupKey]
	if !ok {
		return "", fmt.Errorf("dedup key %q: %w", dedupKey, provider.ErrNotFound)
	}
	return runID, nil
}

func (p *Provider) CompareAndSwapRun(_ context.Context, runID string, expectedVersion int, newRun types.Run) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.casCount++
	current, ok := p.runs[runID]
	if !ok {
		return false, fmt.Errorf("run %q: %w", runID, provider.ErrNotFound)
	}
	if current.Version != expectedVersion {
		return false, nil
	}
	p.runs[runID] = newRun.Clone()
	return true, nil
}

func (p *Provider) ListRuns(ctx context.Context, status types.RunStatus, limit int) ([]types.Run, error) {
	page, err := p.ListRunsPage(ctx, status, limit, "")
	return page.Runs, err
}

// ListRunsPage pages through runs in a status. The cursor is the list key of
// the last run returned.
func (p *Provider) ListRunsPage(_ context.Context, status types.RunStatus, limit int, cursor string) (provider.RunPage, error) {
	if limit <= 0 {
		limit = 100
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	type keyed struct {
		key string
		run types.Run
	}
	var matched []keyed
	for _, run := range p.runs {
		if run.Status != status {
			continue
		}
		key := provider.ListKey(run.CreatedAt, run.RunID)
		if cursor != "" && key >= cursor {
			continue
		}
		matched = append(matched, keyed{key: key, run: run})
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].key > matched[j].key })

	var page provider.RunPage
	if len(matched) > limit {
		matched = matched[:limit]
		page.Next = matched[limit-1].key
	}
	for _, m := range matched {
		page.Runs = append(page.Runs, m.run.Clone())
	}
	return page, nil
}

func (p *Provider) AppendEvent(_ context.Context, event types.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[event.RunID] = append(p.events[event.RunID], event)
	return nil
}

// ListEvents returns the most recent events for a run in chronological order.
func (p *Provider) ListEvents(_ context.Context, runID string, limit int) ([]types.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	all := p.events[runID]
	start := 0
	if len(all) > limit {
		start = len(all) - limit
	}
	out := make([]types.Event, len(all)-start)
	copy(out, all[start:])
	return out, nil
}

func (p *Provider) Start(_ context.Context) error { return nil }
func (p *Provider) Stop(_ context.Context) error  { return nil }
func (p *Provider) Ping(_ context.Context) error  { return nil }

// Seed stores a run as-is, bypassing the dedup claim rules. Used to set up
// recovery scenarios in tests.
func (p *Provider) Seed(run types.Run) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs[run.RunID] = run.Clone()
	if run.DedupKey != "" {
		p.dedup[run.DedupKey] = run.RunID
	}
}

// Events returns every event recorded for a run.
func (p *Provider) Events(runID string) []types.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.Event(nil), p.events[runID]...)
}

// RunCount returns the number of stored runs.
func (p *Provider) RunCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.runs)
}

// CASCount returns how many compare-and-swap calls were made.
func (p *Provider) CASCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.casCount
}
