package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/riskcheck/internal/app"
	"github.com/dwsmith1983/riskcheck/internal/lifecycle"
	"github.com/dwsmith1983/riskcheck/internal/provider"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	var (
		dir    string
		events int
	)
	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show a run, or all active runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(dir)
			if err != nil {
				return err
			}
			prov, err := app.NewProvider(cfg)
			if err != nil {
				return fmt.Errorf("creating provider: %w", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := prov.Start(ctx); err != nil {
				return fmt.Errorf("connecting to provider: %w", err)
			}
			defer func() { _ = prov.Stop(ctx) }()

			if len(args) > 0 {
				return showRun(ctx, cmd.OutOrStdout(), prov, args[0], events)
			}
			return showActive(ctx, cmd.OutOrStdout(), prov)
		},
	}
	addConfigFlag(cmd, &dir)
	cmd.Flags().IntVar(&events, "events", 20, "Number of audit events to show")
	return cmd
}

func showRun(ctx context.Context, w io.Writer, prov provider.Provider, runID string, events int) error {
	run, err := prov.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading run %s: %w", runID, err)
	}
	printRun(w, *run)
	if events <= 0 {
		return nil
	}
	evs, err := prov.ListEvents(ctx, runID, events)
	if err != nil {
		return fmt.Errorf("listing events: %w", err)
	}
	if len(evs) > 0 {
		_, _ = fmt.Fprintln(w, "  Events:")
		printEvents(w, evs)
	}
	return nil
}

func showActive(ctx context.Context, w io.Writer, prov provider.Provider) error {
	var active []types.Run
	for _, status := range lifecycle.Active() {
		runs, err := prov.ListRuns(ctx, status, 100)
		if err != nil {
			return fmt.Errorf("listing %s runs: %w", status, err)
		}
		active = append(active, runs...)
	}
	if len(active) == 0 {
		_, _ = fmt.Fprintln(w, "No active runs.")
		return nil
	}
	_, _ = color.New(color.Bold).Fprintln(w, "Active runs:")
	printRunTable(w, active)
	return nil
}
