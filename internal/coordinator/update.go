package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dwsmith1983/riskcheck/internal/lifecycle"
	"github.com/dwsmith1983/riskcheck/internal/provider"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

const maxCASRetries = 5

// errSkip tells update that the mutation is already applied or no longer applies.
var errSkip = errors.New("skip update")

// errStructural marks failures of the coordinator itself: lost races it
// cannot resolve and state it cannot persist.
var errStructural = errors.New("structural failure")

// update applies fn to the latest run record and writes it back with a
// version compare-and-swap, re-reading and re-applying on conflict. fn may run
// more than once and must only look at the run it is given. It returns the
// stored run and whether this call changed it.
func (c *Coordinator) update(ctx context.Context, runID string, fn func(*types.Run) error) (types.Run, bool, error) {
	unlock := c.locks.lock(runID)
	defer unlock()

	for i := 0; i < maxCASRetries; i++ {
		current, err := c.provider.GetRun(ctx, runID)
		if err != nil {
			if errors.Is(err, provider.ErrNotFound) {
				return types.Run{}, false, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
			}
			return types.Run{}, false, fmt.Errorf("%w: loading run %q: %w", errStructural, runID, err)
		}

		next := current.Clone()
		if err := fn(&next); err != nil {
			if errors.Is(err, errSkip) {
				return *current, false, nil
			}
			return *current, false, err
		}
		if next.Status != current.Status {
			if err := lifecycle.Transition(current.Status, next.Status); err != nil {
				return *current, false, fmt.Errorf("%w: run %q: %w", errStructural, runID, err)
			}
		}
		next.Version = current.Version + 1
		next.UpdatedAt = c.now()

		ok, err := c.provider.CompareAndSwapRun(ctx, runID, current.Version, next)
		if err != nil {
			return *current, false, fmt.Errorf("%w: writing run %q: %w", errStructural, runID, err)
		}
		if ok {
			return next, true, nil
		}
		c.logger.Debug("run version conflict, retrying", "runID", runID, "version", current.Version)
	}
	return types.Run{}, false, fmt.Errorf("%w: run %q: compare-and-swap retries exhausted", errStructural, runID)
}

// runLocks is a per-key mutex so updates of one run are linearized without
// contending with other runs.
type runLocks struct {
	mu sync.Mutex
	m  map[string]*runLock
}

type runLock struct {
	sync.Mutex
	refs int
}

func (l *runLocks) lock(key string) func() {
	l.mu.Lock()
	rl, ok := l.m[key]
	if !ok {
		rl = &runLock{}
		l.m[key] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
	}
}
