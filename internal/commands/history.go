package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/riskcheck/internal/app"
)

// NewHistoryCmd creates the history command.
func NewHistoryCmd() *cobra.Command {
	var (
		dir   string
		limit int
		runID string
	)
	cmd := &cobra.Command{
		Use:   "history [artifact-id] [version]",
		Short: "Show archived runs of an artifact from the Postgres archive",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" && len(args) == 0 {
				return fmt.Errorf("an artifact ID or --run is required")
			}
			cfg, err := loadConfig(dir)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			store, err := app.OpenArchive(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			w := cmd.OutOrStdout()
			if runID != "" {
				events, err := store.QueryRunEvents(ctx, runID)
				if err != nil {
					return fmt.Errorf("querying events: %w", err)
				}
				_, _ = color.New(color.Bold).Fprintf(w, "Archived events of %s:\n", runID)
				printEvents(w, events)
				return nil
			}

			version := ""
			if len(args) > 1 {
				version = args[1]
			}
			runs, err := store.QueryRunHistory(ctx, args[0], version, limit)
			if err != nil {
				return fmt.Errorf("querying history: %w", err)
			}
			if len(runs) == 0 {
				_, _ = fmt.Fprintln(w, "No archived runs.")
				return nil
			}
			printRunTable(w, runs)
			return nil
		},
	}
	addConfigFlag(cmd, &dir)
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to show")
	cmd.Flags().StringVar(&runID, "run", "", "Show the archived audit trail of one run")
	return cmd
}
