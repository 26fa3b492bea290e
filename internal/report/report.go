// Package report hands aggregated run results to the downstream report builder.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// ErrNoResult is returned when a trigger is asked to publish an empty result.
var ErrNoResult = errors.New("report: aggregated result has no run id")

// Publisher delivers a report request downstream. Consumers deduplicate on
// RunID, so publishing the same request twice is harmless.
type Publisher interface {
	Publish(ctx context.Context, req types.ReportRequest) error
}

// Trigger turns completed runs into report requests.
type Trigger struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewTrigger creates a trigger over the given publisher.
func NewTrigger(p Publisher, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{publisher: p, logger: logger}
}

// OnRunCompleted publishes the report request for an aggregated result.
// The caller guarantees it is invoked once per run under normal operation and
// persists the dispatch so recovery only republishes unacknowledged requests.
func (t *Trigger) OnRunCompleted(ctx context.Context, agg types.AggregatedResult) (types.ReportRequest, error) {
	if agg.RunID == "" {
		return types.ReportRequest{}, ErrNoResult
	}
	req := types.ReportRequest{RunID: agg.RunID, Result: agg}
	if err := t.publisher.Publish(ctx, req); err != nil {
		return req, fmt.Errorf("publishing report for run %q: %w", agg.RunID, err)
	}
	t.logger.Info("report requested", "runID", agg.RunID, "overallStatus", agg.OverallStatus)
	return req, nil
}

// LogPublisher writes report requests to the log. Used when no queue is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a log publisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs the request.
func (p *LogPublisher) Publish(_ context.Context, req types.ReportRequest) error {
	p.logger.Info("report request", "runID", req.RunID, "overallStatus", req.Result.OverallStatus,
		"computedAt", req.Result.ComputedAt)
	return nil
}

// Recorder keeps published requests in memory and counts publishes per run.
type Recorder struct {
	mu       sync.Mutex
	requests []types.ReportRequest
	counts   map[string]int
	err      error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{counts: make(map[string]int)}
}

// FailWith makes subsequent publishes return err (nil restores success).
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Publish records the request.
func (r *Recorder) Publish(_ context.Context, req types.ReportRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.requests = append(r.requests, req)
	r.counts[req.RunID]++
	return nil
}

// Count returns how many times a report was published for runID.
func (r *Recorder) Count(runID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[runID]
}

// Requests returns a copy of every published request.
func (r *Recorder) Requests() []types.ReportRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.ReportRequest(nil), r.requests...)
}
