package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/riskcheck/internal/app"
	"github.com/dwsmith1983/riskcheck/internal/server"
)

const (
	defaultAddr     = ":3000"
	shutdownTimeout = 30 * time.Second
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the riskcheck coordinator and HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(dir)
		},
	}
	addConfigFlag(cmd, &dir)
	return cmd
}

func runServe(dir string) error {
	cfg, err := loadConfig(dir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	if err := deps.Start(ctx); err != nil {
		return err
	}

	addr, apiKey, maxBody := defaultAddr, "", int64(0)
	if s := cfg.Server; s != nil {
		if s.Addr != "" {
			addr = s.Addr
		}
		apiKey, maxBody = s.APIKey, s.MaxRequestBody
	}
	srv := server.New(addr, deps.Coordinator, deps.Provider, apiKey, maxBody, deps.Logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	case <-ctx.Done():
		deps.Logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Stop(shutdownCtx); serr != nil {
		deps.Logger.Error("server shutdown failed", "error", serr)
	}
	if derr := deps.Shutdown(shutdownCtx); derr != nil {
		deps.Logger.Error("shutdown failed", "error", derr)
	}
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
