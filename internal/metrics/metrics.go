// Package metrics records run orchestration counters and latencies as
// OpenTelemetry instruments. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dwsmith1983/riskcheck/pkg/types"
)

const meterName = "github.com/dwsmith1983/riskcheck"

// Metrics holds the instruments used by the coordinator.
type Metrics struct {
	runsStarted      metric.Int64Counter
	runsFinished     metric.Int64Counter
	duplicateSubmits metric.Int64Counter
	attempts         metric.Int64Counter
	attemptDuration  metric.Float64Histogram
	retries          metric.Int64Counter
	reports          metric.Int64Counter
	activeRuns       metric.Int64UpDownCounter
}

// NewFromGlobal creates instruments on the global meter provider.
func NewFromGlobal() (*Metrics, error) {
	return New(otel.Meter(meterName))
}

// New creates instruments on the given meter.
func New(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.runsStarted, err = meter.Int64Counter("riskcheck.runs.started",
		metric.WithDescription("Runs created and dispatched")); err != nil {
		return nil, fmt.Errorf("creating runs.started: %w", err)
	}
	if m.runsFinished, err = meter.Int64Counter("riskcheck.runs.finished",
		metric.WithDescription("Runs that reached a terminal status")); err != nil {
		return nil, fmt.Errorf("creating runs.finished: %w", err)
	}
	if m.duplicateSubmits, err = meter.Int64Counter("riskcheck.runs.duplicate_submits",
		metric.WithDescription("Submissions answered with an existing run")); err != nil {
		return nil, fmt.Errorf("creating runs.duplicate_submits: %w", err)
	}
	if m.attempts, err = meter.Int64Counter("riskcheck.stage.attempts",
		metric.WithDescription("Stage attempts by outcome")); err != nil {
		return nil, fmt.Errorf("creating stage.attempts: %w", err)
	}
	if m.attemptDuration, err = meter.Float64Histogram("riskcheck.stage.attempt.duration",
		metric.WithDescription("Stage attempt wall time"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("creating stage.attempt.duration: %w", err)
	}
	if m.retries, err = meter.Int64Counter("riskcheck.stage.retries",
		metric.WithDescription("Stage retries scheduled")); err != nil {
		return nil, fmt.Errorf("creating stage.retries: %w", err)
	}
	if m.reports, err = meter.Int64Counter("riskcheck.reports.dispatched",
		metric.WithDescription("Report requests by delivery result")); err != nil {
		return nil, fmt.Errorf("creating reports.dispatched: %w", err)
	}
	if m.activeRuns, err = meter.Int64UpDownCounter("riskcheck.runs.active",
		metric.WithDescription("Runs with stages in flight on this process")); err != nil {
		return nil, fmt.Errorf("creating runs.active: %w", err)
	}
	return &m, nil
}

// RunStarted counts a dispatched run.
func (m *Metrics) RunStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.runsStarted.Add(ctx, 1)
	m.activeRuns.Add(ctx, 1)
}

// RunFinished counts a run reaching a terminal status.
func (m *Metrics) RunFinished(ctx context.Context, status types.RunStatus, overall types.OverallStatus) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("status", string(status))}
	if overall != "" {
		attrs = append(attrs, attribute.String("overall_status", string(overall)))
	}
	m.runsFinished.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.activeRuns.Add(ctx, -1)
}

// DuplicateSubmit counts a submission resolved to an existing run.
func (m *Metrics) DuplicateSubmit(ctx context.Context) {
	if m == nil {
		return
	}
	m.duplicateSubmits.Add(ctx, 1)
}

// AttemptFinished records one stage attempt.
func (m *Metrics) AttemptFinished(ctx context.Context, stage types.StageKind, a types.Attempt) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.String("outcome", string(a.Outcome.Kind)),
	)
	m.attempts.Add(ctx, 1, attrs)
	m.attemptDuration.Record(ctx, a.FinishedAt.Sub(a.StartedAt).Seconds(), attrs)
}

// RetryScheduled counts a retry of a stage.
func (m *Metrics) RetryScheduled(ctx context.Context, stage types.StageKind) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(stage))))
}

// ReportDispatched counts a report publish attempt.
func (m *Metrics) ReportDispatched(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	m.reports.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}
