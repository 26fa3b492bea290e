// recover Lambda runs on a schedule and resumes runs that a previous
// invocation or process left in flight.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	awslambda "github.com/aws/aws-lambda-go/lambda"

	"github.com/dwsmith1983/riskcheck/internal/app"
	"github.com/dwsmith1983/riskcheck/internal/lifecycle"
)

const deadlineMargin = 15 * time.Second

// Response summarizes one recovery sweep.
type Response struct {
	Recovered int `json:"recovered"`
	InFlight  int `json:"inFlight"`
}

func handleRecover(ctx context.Context, d *app.Deps) (Response, error) {
	n, err := d.Coordinator.Recover(ctx)
	if err != nil {
		return Response{}, err
	}

	var ids []string
	for _, status := range lifecycle.Active() {
		runs, err := d.Coordinator.List(ctx, status, 500)
		if err != nil {
			return Response{Recovered: n}, err
		}
		for _, r := range runs {
			ids = append(ids, r.RunID)
		}
	}

	waitCtx := ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, deadline.Add(-deadlineMargin))
		defer cancel()
	}
	pending := d.WaitForRuns(waitCtx, ids, time.Second)
	d.Logger.Info("recovery sweep finished", "recovered", n, "inFlight", len(pending))
	return Response{Recovered: n, InFlight: len(pending)}, nil
}

func main() {
	ctx := context.Background()
	cfg, err := app.ConfigFromEnv()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("config failed", "error", err)
		os.Exit(1)
	}
	d, err := app.Build(ctx, cfg)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("init failed", "error", err)
		os.Exit(1)
	}
	if err := d.Provider.Start(ctx); err != nil {
		d.Logger.Error("provider start failed", "error", err)
		os.Exit(1)
	}
	awslambda.Start(func(ctx context.Context) (Response, error) {
		return handleRecover(ctx, d)
	})
}
