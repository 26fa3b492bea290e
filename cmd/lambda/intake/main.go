// intake Lambda consumes trigger events from SQS, submits a run for each and
// drives the runs until the invocation deadline approaches.
package main

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	awslambda "github.com/aws/aws-lambda-go/lambda"

	"github.com/dwsmith1983/riskcheck/internal/app"
	"github.com/dwsmith1983/riskcheck/internal/intake"
)

// deadlineMargin is kept back from the Lambda deadline so the response can be
// returned before the runtime freezes the container.
const deadlineMargin = 15 * time.Second

var (
	deps     *app.Deps
	depsOnce sync.Once
	depsErr  error
)

func getDeps() (*app.Deps, error) {
	depsOnce.Do(func() {
		ctx := context.Background()
		cfg, err := app.ConfigFromEnv()
		if err != nil {
			depsErr = err
			return
		}
		deps, depsErr = app.Build(ctx, cfg)
		if depsErr == nil {
			depsErr = deps.Start(ctx)
		}
	})
	return deps, depsErr
}

// handleSQS submits one run per record. Invalid events are dropped; other
// failures are reported as batch item failures so SQS redelivers them.
func handleSQS(ctx context.Context, d *app.Deps, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var (
		resp   events.SQSEventResponse
		runIDs []string
	)
	for _, rec := range ev.Records {
		h, err := intake.Handle(ctx, d.Coordinator, []byte(rec.Body), rec.MessageId)
		switch {
		case intake.Unprocessable(err):
			d.Logger.Warn("dropping invalid trigger event", "messageId", rec.MessageId, "error", err)
		case err != nil:
			d.Logger.Error("submit failed", "messageId", rec.MessageId, "error", err)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		default:
			runIDs = append(runIDs, h.RunID)
		}
	}

	waitCtx := ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, deadline.Add(-deadlineMargin))
		defer cancel()
	}
	if pending := d.WaitForRuns(waitCtx, runIDs, time.Second); len(pending) > 0 {
		d.Logger.Info("runs still in flight at invocation end", "count", len(pending))
	}
	return resp, nil
}

func main() {
	awslambda.Start(func(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
		d, err := getDeps()
		if err != nil {
			slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("init failed", "error", err)
			return events.SQSEventResponse{}, err
		}
		return handleSQS(ctx, d, ev)
	})
}
