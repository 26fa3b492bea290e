// Package archiver provides a background process that copies terminal runs and
// their audit events from the run store to Postgres for long-term retention.
package archiver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dwsmith1983/riskcheck/internal/lifecycle"
	"github.com/dwsmith1983/riskcheck/internal/provider"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

const (
	defaultInterval = 5 * time.Minute
	runBatchSize    = 200
	eventBatchSize  = 1000
)

// Destination defines the write interface for the archival backend.
type Destination interface {
	ArchivedVersion(ctx context.Context, runID string) (int, error)
	UpsertRun(ctx context.Context, run types.Run) error
	InsertEvents(ctx context.Context, events []types.Event) error
}

// Archiver periodically archives terminal runs to Postgres.
type Archiver struct {
	source   provider.Provider
	dest     Destination
	interval time.Duration
	pageSize int
	logger   *slog.Logger
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a new Archiver.
func New(source provider.Provider, dest Destination, interval time.Duration, logger *slog.Logger) *Archiver {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		source:   source,
		dest:     dest,
		interval: interval,
		pageSize: runBatchSize,
		logger:   logger,
	}
}

// Start begins the archiver background loop.
func (a *Archiver) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.loop(ctx)
	a.logger.Info("archiver started", "interval", a.interval)
}

// Stop signals the archiver to stop and waits for it to finish.
func (a *Archiver) Stop(_ context.Context) {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.logger.Info("archiver stopped")
}

func (a *Archiver) loop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	// Run once immediately on start
	a.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick archives every terminal run whose latest version is not yet archived and
// returns how many runs were written. Each status listing is read to the end.
func (a *Archiver) Tick(ctx context.Context) int {
	archived := 0
	for _, status := range lifecycle.Terminal() {
		err := provider.WalkRuns(ctx, a.source, status, a.pageSize, func(run types.Run) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if a.archiveRun(ctx, run) {
				archived++
			}
			return nil
		})
		if ctx.Err() != nil {
			return archived
		}
		if err != nil {
			a.logger.Error("archiver: list runs failed", "status", status, "error", err)
		}
	}
	return archived
}

// archiveRun writes events before the run row so a partially archived run is
// retried on the next tick.
func (a *Archiver) archiveRun(ctx context.Context, run types.Run) bool {
	version, err := a.dest.ArchivedVersion(ctx, run.RunID)
	if err != nil {
		a.logger.Error("archiver: archived version lookup failed", "runID", run.RunID, "error", err)
		return false
	}
	if version >= run.Version {
		return false
	}

	events, err := a.source.ListEvents(ctx, run.RunID, eventBatchSize)
	if err != nil {
		a.logger.Error("archiver: list events failed", "runID", run.RunID, "error", err)
		return false
	}
	if err := a.dest.InsertEvents(ctx, events); err != nil {
		a.logger.Error("archiver: insert events failed", "runID", run.RunID, "error", err)
		return false
	}
	if err := a.dest.UpsertRun(ctx, run); err != nil {
		a.logger.Error("archiver: upsert run failed", "runID", run.RunID, "error", err)
		return false
	}
	return true
}
