package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/riskcheck/internal/app"
	"github.com/dwsmith1983/riskcheck/internal/coordinator"
	"github.com/dwsmith1983/riskcheck/internal/ids"
	"github.com/dwsmith1983/riskcheck/pkg/types"
)

type submitOptions struct {
	dir      string
	location string
	token    string
	detach   bool
	timeout  time.Duration
}

// NewSubmitCmd creates the submit command.
func NewSubmitCmd() *cobra.Command {
	var opts submitOptions
	cmd := &cobra.Command{
		Use:   "submit [artifact-id] [version]",
		Short: "Submit a model artifact for risk checks",
		Long: `Submits a run for the artifact and, unless --detach is set, drives it in
this process until it reaches a terminal state.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.dir)
			if err != nil {
				return err
			}
			art := types.ModelArtifact{ArtifactID: args[0], Version: args[1], Location: opts.location}
			return runSubmit(cmd.Context(), cmd.OutOrStdout(), cfg, art, opts)
		},
	}
	addConfigFlag(cmd, &opts.dir)
	cmd.Flags().StringVar(&opts.location, "location", "", "Artifact location (s3://bucket/key or object key)")
	cmd.Flags().StringVar(&opts.token, "token", "", "Idempotency token")
	cmd.Flags().BoolVar(&opts.detach, "detach", false, "Return after submission; a serve process picks the run up")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Minute, "How long to wait for the run")
	return cmd
}

func runSubmit(ctx context.Context, w io.Writer, cfg *types.ProjectConfig, art types.ModelArtifact, opts submitOptions, buildOpts ...app.Option) error {
	if ctx == nil {
		ctx = context.Background()
	}
	deps, err := app.Build(ctx, cfg, buildOpts...)
	if err != nil {
		return err
	}
	if err := deps.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = deps.Shutdown(context.Background()) }()

	host, _ := os.Hostname()
	h, err := deps.Coordinator.Submit(ctx, types.RunRequest{
		RequestID:        "cli-" + host + "-" + ids.New(),
		Artifact:         art,
		IdempotencyToken: opts.token,
		RequestedAt:      time.Now(),
	})
	switch {
	case errors.Is(err, coordinator.ErrDuplicateRun):
		_, _ = fmt.Fprintf(w, "Existing run %s is %s\n", h.RunID, h.Status)
	case err != nil:
		return fmt.Errorf("submitting run: %w", err)
	default:
		_, _ = fmt.Fprintf(w, "Submitted run %s\n", h.RunID)
	}
	if opts.detach {
		return nil
	}

	if opts.timeout <= 0 {
		opts.timeout = 30 * time.Minute
	}
	waitCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	run, err := waitTerminal(waitCtx, deps.Coordinator, h.RunID, defaultPollInterval)
	if err != nil {
		return err
	}
	printRun(w, run)
	if run.Status != types.RunCompleted {
		return fmt.Errorf("run %s ended %s", run.RunID, run.Status)
	}
	return nil
}
