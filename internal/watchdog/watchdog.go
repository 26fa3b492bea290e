// Package watchdog periodically re-drives orphaned runs and alerts on runs
// that have made no progress for too long. A run is orphaned when the process
// driving it died; the coordinator that owns a run never needs the watchdog.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dwsmith1983/riskcheck/internal/lifecycle"
	"github.com/dwsmith1983/riskcheck/internal/notify"
	"github.com/dwsmith1983/riskcheck/internal/provider"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

const (
	defaultInterval       = 5 * time.Minute
	defaultStuckThreshold = 30 * time.Minute
	listPageSize          = 500
)

// Recoverer re-drives runs left in flight.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// StuckRun records a run whose record has not changed within the threshold.
type StuckRun struct {
	RunID   string
	Status  types.RunStatus
	Version int
	Idle    time.Duration
}

// CheckOptions configures a single stuck-run scan.
type CheckOptions struct {
	Provider          provider.Provider
	Logger            *slog.Logger
	Now               time.Time     // injectable for testing
	StuckRunThreshold time.Duration // defaults to 30m if zero
	PageSize          int           // listing page size, defaults to 500
}

// CheckStuckRuns lists active runs whose last update is older than the
// threshold. It is a pure scan suitable for any execution mode.
func CheckStuckRuns(ctx context.Context, opts CheckOptions) []StuckRun {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	threshold := opts.StuckRunThreshold
	if threshold <= 0 {
		threshold = defaultStuckThreshold
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = listPageSize
	}

	var stuck []StuckRun
	for _, status := range lifecycle.Active() {
		err := provider.WalkRuns(ctx, opts.Provider, status, pageSize, func(r types.Run) error {
			idle := opts.Now.Sub(r.UpdatedAt)
			if idle >= threshold {
				stuck = append(stuck, StuckRun{RunID: r.RunID, Status: r.Status, Version: r.Version, Idle: idle})
			}
			return nil
		})
		if err != nil {
			opts.Logger.Error("watchdog: failed to list runs", "status", status, "error", err)
		}
	}
	return stuck
}

// Watchdog runs the recovery sweep and the stuck-run scan on an interval.
type Watchdog struct {
	recoverer Recoverer
	provider  provider.Provider
	notifier  notify.Notifier
	logger    *slog.Logger
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time

	mu      sync.Mutex
	alerted map[string]int // runID -> version already alerted on

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Watchdog. A nil notifier only logs stuck runs.
func New(rec Recoverer, prov provider.Provider, notifier notify.Notifier, logger *slog.Logger, interval, threshold time.Duration) *Watchdog {
	if interval <= 0 {
		interval = defaultInterval
	}
	if threshold <= 0 {
		threshold = defaultStuckThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		recoverer: rec,
		provider:  prov,
		notifier:  notifier,
		logger:    logger,
		interval:  interval,
		threshold: threshold,
		now:       time.Now,
		alerted:   make(map[string]int),
	}
}

// Start begins the watchdog background loop.
func (w *Watchdog) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("watchdog started", "interval", w.interval, "stuckThreshold", w.threshold)
}

// Stop signals the watchdog to stop and waits for it to finish.
func (w *Watchdog) Stop(_ context.Context) {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("watchdog stopped")
}

func (w *Watchdog) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

// Scan runs one recovery sweep followed by one stuck-run scan, and returns
// the runs newly reported as stuck.
func (w *Watchdog) Scan(ctx context.Context) []StuckRun {
	if n, err := w.recoverer.Recover(ctx); err != nil {
		w.logger.Error("watchdog: recovery sweep failed", "error", err)
	} else if n > 0 {
		w.logger.Info("watchdog: re-drove orphaned runs", "count", n)
	}

	stuck := CheckStuckRuns(ctx, CheckOptions{
		Provider:          w.provider,
		Logger:            w.logger,
		Now:               w.now(),
		StuckRunThreshold: w.threshold,
	})

	var fresh []StuckRun
	w.mu.Lock()
	seen := make(map[string]bool, len(stuck))
	for _, s := range stuck {
		seen[s.RunID] = true
		if v, ok := w.alerted[s.RunID]; ok && v == s.Version {
			continue
		}
		w.alerted[s.RunID] = s.Version
		fresh = append(fresh, s)
	}
	// Forget runs that finished or moved on.
	for id := range w.alerted {
		if !seen[id] {
			delete(w.alerted, id)
		}
	}
	w.mu.Unlock()

	for _, s := range fresh {
		w.logger.Warn("watchdog: run stuck", "runID", s.RunID, "status", s.Status, "idle", s.Idle)
		if w.notifier != nil {
			w.notifier.Notify(ctx, types.Notification{
				Level:     types.AlertLevelWarning,
				RunID:     s.RunID,
				Status:    s.Status,
				Message:   fmt.Sprintf("run %s stuck in %s for %s", s.RunID, s.Status, s.Idle.Round(time.Second)),
				Timestamp: w.now(),
			})
		}
	}
	return fresh
}
