package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/riskcheck/internal/app"
	"github.com/dwsmith1983/riskcheck/internal/lifecycle"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// NewRecoverCmd creates the recover command.
func NewRecoverCmd() *cobra.Command {
	var (
		dir     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Resume runs left in flight by a stopped coordinator",
		Long: `Scans the run store for runs that are not terminal, or completed without a
dispatched report, and drives them to completion in this process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(dir)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return runRecover(ctx, cmd.OutOrStdout(), cfg)
		},
	}
	addConfigFlag(cmd, &dir)
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "How long to wait for recovered runs")
	return cmd
}

func runRecover(ctx context.Context, w io.Writer, cfg *types.ProjectConfig, buildOpts ...app.Option) error {
	deps, err := app.Build(ctx, cfg, buildOpts...)
	if err != nil {
		return err
	}
	// Start runs the recovery sweep.
	if err := deps.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = deps.Shutdown(context.Background()) }()

	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()
	for {
		n, err := countActive(ctx, deps.Coordinator)
		if err != nil {
			return err
		}
		if n == 0 {
			_, _ = fmt.Fprintln(w, "No runs in flight.")
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d runs still in flight: %w", n, ctx.Err())
		case <-ticker.C:
		}
	}
}

type runLister interface {
	List(ctx context.Context, status types.RunStatus, limit int) ([]types.Run, error)
}

func countActive(ctx context.Context, runs runLister) (int, error) {
	total := 0
	for _, status := range lifecycle.Active() {
		list, err := runs.List(ctx, status, 100)
		if err != nil {
			return 0, fmt.Errorf("listing %s runs: %w", status, err)
		}
		total += len(list)
	}
	return total, nil
}
