// Package executor runs single stage attempts against model artifacts.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dwsmith1983/riskcheck/internal/artifact"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

const tracerName = "github.com/dwsmith1983/riskcheck/internal/executor"

// Executor resolves the artifact and invokes the stage runner for one attempt.
type Executor struct {
	accessor artifact.Accessor
	runner   StageRunner
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithClock overrides the time source used for attempt timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Executor) { e.tracer = tp.Tracer(tracerName) }
}

// New creates an Executor. A nil accessor skips artifact resolution.
func New(accessor artifact.Accessor, runner StageRunner, opts ...Option) *Executor {
	if accessor == nil {
		accessor = artifact.Passthrough{}
	}
	e := &Executor{
		accessor: accessor,
		runner:   runner,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one attempt bounded by timeout (0 means no per-attempt limit)
// and always returns a finished Attempt. Errors are folded into the outcome.
func (e *Executor) Execute(ctx context.Context, in types.StageInput, timeout time.Duration) types.Attempt {
	started := e.now()
	ctx, span := e.tracer.Start(ctx, "stage.attempt", trace.WithAttributes(
		attribute.String("riskcheck.run_id", in.RunID),
		attribute.String("riskcheck.stage", string(in.Stage)),
		attribute.Int("riskcheck.attempt", in.Attempt),
	))
	defer span.End()

	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	payload, err := e.run(attemptCtx, in)
	// A deadline on the attempt context is a timeout even when the runner
	// wrapped it into something else.
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		err = context.DeadlineExceeded
	}

	outcome := toOutcome(payload, err)
	attempt := types.Attempt{
		Number:     in.Attempt,
		StartedAt:  started,
		FinishedAt: e.now(),
		Outcome:    outcome,
	}

	span.SetAttributes(attribute.String("riskcheck.outcome", string(outcome.Kind)))
	if outcome.Succeeded() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetAttributes(attribute.String("riskcheck.failure_category", string(outcome.ErrorKind)))
		span.SetStatus(codes.Error, outcome.Detail)
		e.logger.Warn("stage attempt failed",
			"runID", in.RunID, "stage", in.Stage, "attempt", in.Attempt,
			"kind", outcome.Kind, "category", outcome.ErrorKind, "error", outcome.Detail)
	}
	return attempt
}

func (e *Executor) run(ctx context.Context, in types.StageInput) (map[string]interface{}, error) {
	h, err := e.accessor.Fetch(ctx, in.Artifact)
	if err != nil {
		return nil, err
	}
	if in.Artifact.Location == "" {
		in.Artifact.Location = h.Location
	}
	return e.runner.RunStage(ctx, in)
}

func toOutcome(payload map[string]interface{}, err error) types.Outcome {
	if err == nil {
		return types.Outcome{Kind: types.OutcomeSuccess, Payload: payload}
	}
	kind, category := Classify(err)
	detail := err.Error()
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		detail = stageErr.Detail
	}
	if kind == types.OutcomeTimedOut {
		return types.Outcome{Kind: types.OutcomeTimedOut, ErrorKind: types.FailureTimeout, Detail: detail}
	}
	return types.Outcome{Kind: kind, ErrorKind: category, Detail: detail}
}
