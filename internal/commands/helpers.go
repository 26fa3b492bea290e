// Package commands implements the CLI subcommands for the riskcheck binary.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/riskcheck/internal/config"
	"github.com/dwsmith1983/riskcheck/internal/lifecycle"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

const defaultPollInterval = 250 * time.Millisecond

func addConfigFlag(cmd *cobra.Command, dir *string) {
	cmd.Flags().StringVarP(dir, "config", "c", ".", "Directory containing "+config.FileName)
}

func loadConfig(dir string) (*types.ProjectConfig, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no %s in %s (run `riskcheck init` first): %w", config.FileName, dir, err)
		}
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// runGetter is satisfied by the coordinator.
type runGetter interface {
	Get(ctx context.Context, runID string) (types.Run, error)
}

// waitTerminal polls until the run reaches a terminal state or ctx ends.
func waitTerminal(ctx context.Context, runs runGetter, runID string, interval time.Duration) (types.Run, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := runs.Get(ctx, runID)
		if err != nil {
			return run, err
		}
		if lifecycle.IsTerminal(run.Status) {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, fmt.Errorf("waiting for run %s: %w", runID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func statusColor(status types.RunStatus) *color.Color {
	switch status {
	case types.RunCompleted:
		return color.New(color.FgGreen)
	case types.RunFailed:
		return color.New(color.FgRed)
	case types.RunCancelled:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}

func overallColor(status types.OverallStatus) *color.Color {
	switch status {
	case types.StatusPassed:
		return color.New(color.FgGreen, color.Bold)
	case types.StatusPassedWithWarnings:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}

func printRun(w io.Writer, run types.Run) {
	bold := color.New(color.Bold)
	_, _ = bold.Fprintf(w, "Run %s\n", run.RunID)
	_, _ = fmt.Fprintf(w, "  Artifact:  %s@%s\n", run.Artifact.ArtifactID, run.Artifact.Version)
	_, _ = fmt.Fprint(w, "  Status:    ")
	_, _ = statusColor(run.Status).Fprintln(w, run.Status)
	_, _ = fmt.Fprintf(w, "  Created:   %s\n", run.CreatedAt.Format(time.RFC3339))
	if !run.Deadline.IsZero() {
		_, _ = fmt.Fprintf(w, "  Deadline:  %s\n", run.Deadline.Format(time.RFC3339))
	}
	if run.FailureReason != "" {
		_, _ = fmt.Fprintf(w, "  Reason:    %s (%s)\n", run.FailureReason, run.FailureCategory)
	}
	if run.Result != nil {
		_, _ = fmt.Fprint(w, "  Verdict:   ")
		_, _ = overallColor(run.Result.OverallStatus).Fprintln(w, run.Result.OverallStatus)
	}

	_, _ = fmt.Fprintln(w, "  Stages:")
	for _, stage := range types.AllStages {
		attempts := run.StageAttempts[stage]
		res, done := run.StageResults[stage]
		switch {
		case done && res.Succeeded():
			_, _ = color.New(color.FgGreen).Fprintf(w, "    ✓ %-22s %d attempt(s)\n", stage, res.AttemptCount)
		case done:
			out := res.Attempt.Outcome
			_, _ = color.New(color.FgRed).Fprintf(w, "    ✗ %-22s %d attempt(s) %s: %s\n", stage, res.AttemptCount, out.Category(), out.Detail)
		default:
			_, _ = fmt.Fprintf(w, "    … %-22s %d attempt(s)\n", stage, len(attempts))
		}
	}
}

func printEvents(w io.Writer, events []types.Event) {
	for _, ev := range events {
		line := fmt.Sprintf("  %s  %-24s", ev.Timestamp.Format("15:04:05.000"), ev.Kind)
		if ev.Stage != "" {
			line += " " + string(ev.Stage)
		}
		if ev.Message != "" {
			line += "  " + ev.Message
		}
		_, _ = fmt.Fprintln(w, line)
	}
}

func printRunTable(w io.Writer, runs []types.Run) {
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	for _, r := range runs {
		verdict := "-"
		if r.Result != nil {
			verdict = string(r.Result.OverallStatus)
		}
		_, _ = fmt.Fprintf(w, "  %s  %-28s %-10s ", r.CreatedAt.Format(time.RFC3339), r.Artifact.ArtifactID+"@"+r.Artifact.Version, r.RunID)
		_, _ = statusColor(r.Status).Fprintf(w, "%-10s", r.Status)
		_, _ = fmt.Fprintf(w, " %s\n", verdict)
	}
}
