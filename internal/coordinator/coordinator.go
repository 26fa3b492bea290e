// Package coordinator drives each run through its state machine: it creates
// runs, fans the three stages out to the executor under the retry policy,
// joins their results and emits the report request once.
//
// All run mutations go through a version compare-and-swap on the run record,
// serialized per run ID inside the process. The store record is the only
// source of truth, so any process can resume a run with Recover.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dwsmith1983/riskcheck/internal/ids"
	"github.com/dwsmith1983/riskcheck/internal/metrics"
	"github.com/dwsmith1983/riskcheck/internal/notify"
	"github.com/dwsmith1983/riskcheck/internal/provider"
	"github.com/dwsmith1983/riskcheck/internal/schedule"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// Sentinel errors returned by coordinator operations.
var (
	ErrDuplicateRun   = errors.New("duplicate run")
	ErrRunNotFound    = errors.New("run not found")
	ErrRunTerminal    = errors.New("run already terminal")
	ErrInvalidRequest = errors.New("invalid run request")
	ErrClosed         = errors.New("coordinator closed")
)

// StageExecutor runs one stage attempt and always returns a finished attempt.
type StageExecutor interface {
	Execute(ctx context.Context, in types.StageInput, timeout time.Duration) types.Attempt
}

// ReportTrigger hands an aggregated result to the report builder.
type ReportTrigger interface {
	OnRunCompleted(ctx context.Context, agg types.AggregatedResult) (types.ReportRequest, error)
}

// Coordinator owns the lifecycle of every run it creates or recovers.
type Coordinator struct {
	provider provider.Provider
	executor StageExecutor
	trigger  ReportTrigger
	notifier notify.Notifier
	policy   schedule.Policy
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	stageTimeout  time.Duration
	stageTimeouts map[types.StageKind]time.Duration
	runTimeout    time.Duration

	locks runLocks

	recoverPageSize int

	mu     sync.Mutex
	tasks  map[string]*runTask
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// runTask tracks the in-process work of one run.
type runTask struct {
	ctx      context.Context
	cancel   context.CancelFunc
	deadline *time.Timer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithMetrics records run and stage instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithNotifier sets the sink for terminal run notifications.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithStageTimeout bounds every stage attempt. Per-stage overrides win.
func WithStageTimeout(d time.Duration, perStage map[types.StageKind]time.Duration) Option {
	return func(c *Coordinator) {
		c.stageTimeout = d
		c.stageTimeouts = perStage
	}
}

// WithRunTimeout sets the overall run deadline, measured from creation.
func WithRunTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.runTimeout = d }
}

// New creates a Coordinator.
func New(p provider.Provider, exec StageExecutor, trigger ReportTrigger, policy schedule.Policy, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		provider: p,
		executor: exec,
		trigger:  trigger,
		policy:   policy,
		logger:   slog.Default(),
		now:      time.Now,
		tasks:    make(map[string]*runTask),
		ctx:      ctx,
		cancel:   cancel,

		recoverPageSize: recoverPageSize,
	}
	c.locks.m = make(map[string]*runLock)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the current record of a run.
func (c *Coordinator) Get(ctx context.Context, runID string) (types.Run, error) {
	run, err := c.provider.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return types.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return types.Run{}, fmt.Errorf("loading run %q: %w", runID, err)
	}
	return *run, nil
}

// Events returns the audit trail of a run, oldest first.
func (c *Coordinator) Events(ctx context.Context, runID string, limit int) ([]types.Event, error) {
	if _, err := c.Get(ctx, runID); err != nil {
		return nil, err
	}
	return c.provider.ListEvents(ctx, runID, limit)
}

// List returns runs in a status, newest first.
func (c *Coordinator) List(ctx context.Context, status types.RunStatus, limit int) ([]types.Run, error) {
	return c.provider.ListRuns(ctx, status, limit)
}

// Close stops dispatching, abandons in-flight attempts and waits for stage
// goroutines to exit. Runs left non-terminal are picked up by Recover.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	for id, t := range c.tasks {
		if t.deadline != nil {
			t.deadline.Stop()
		}
		t.cancel()
		delete(c.tasks, id)
	}
	c.mu.Unlock()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) stageTimeoutFor(stage types.StageKind) time.Duration {
	if d, ok := c.stageTimeouts[stage]; ok && d > 0 {
		return d
	}
	return c.stageTimeout
}

// task returns the in-process task of a run, creating it (and arming the run
// deadline) when missing, and reserves n stage goroutines on the wait group.
// Returns nil after Close.
func (c *Coordinator) task(run types.Run, n int) *runTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.wg.Add(n)
	if t, ok := c.tasks[run.RunID]; ok {
		return t
	}
	ctx, cancel := context.WithCancel(c.ctx)
	t := &runTask{ctx: ctx, cancel: cancel}
	if !run.Deadline.IsZero() {
		runID := run.RunID
		t.deadline = time.AfterFunc(schedule.Remaining(run.Deadline, c.now()), func() {
			c.onDeadline(runID)
		})
	}
	c.tasks[run.RunID] = t
	return t
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) hasTask(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tasks[runID]
	return ok
}

// releaseTask abandons the in-flight attempts of a run.
func (c *Coordinator) releaseTask(runID string) {
	c.mu.Lock()
	t, ok := c.tasks[runID]
	delete(c.tasks, runID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if t.deadline != nil {
		t.deadline.Stop()
	}
	t.cancel()
}

// recordEvent appends an audit event. Failures are logged, never returned:
// the run record, not the event log, carries correctness.
func (c *Coordinator) recordEvent(ctx context.Context, ev types.Event) {
	if ev.EventID == "" {
		ev.EventID = ids.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now()
	}
	if err := c.provider.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		c.logger.Warn("failed to append event", "runID", ev.RunID, "kind", ev.Kind, "error", err)
	}
}

func (c *Coordinator) recordTransition(ctx context.Context, runID string, from, to types.RunStatus, msg string) {
	c.recordEvent(ctx, types.Event{
		Kind:    types.EventRunStateChanged,
		RunID:   runID,
		Status:  string(to),
		Message: msg,
		Details: map[string]interface{}{"from": string(from), "to": string(to)},
	})
	c.logger.Info("run state changed", "runID", runID, "from", from, "to", to)
}
