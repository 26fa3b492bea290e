package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/riskcheck/internal/config"
)

const starterConfig = `# riskcheck project configuration.
provider: memory

coordinator:
  stageTimeout: 10m
  stageTimeouts:
    BACKTEST: 30m
  runTimeout: 1h
  recoveryInterval: 5m
  stuckThreshold: 30m

retry:
  maxAttempts: 3
  backoffSeconds: 5
  backoffMultiplier: 2
  maxBackoffSeconds: 60
  jitter: 0.2

stages:
  VALIDATION:
    type: http
    url: http://localhost:8081/validation
  BACKTEST:
    type: http
    url: http://localhost:8081/backtest
  SENSITIVITY_ANALYSIS:
    type: http
    url: http://localhost:8081/sensitivity

circuitBreaker:
  failThreshold: 5
  cooldown: 30s

artifacts:
  type: passthrough

report:
  type: log

server:
  addr: ":3000"

notifications:
  - type: console
`

// NewInitCmd creates the init command.
func NewInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [project-dir]",
		Short: "Initialize a new riskcheck project",
		Long:  "Writes a starter " + config.FileName + " that runs every stage against local HTTP backends.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(args[0], force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	return cmd
}

func runInit(dir string, force bool) error {
	bold := color.New(color.Bold)
	_, _ = bold.Printf("Initializing riskcheck project: %s\n", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, config.FileName)
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	color.Green("  ✓ Wrote %s", path)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  cd %s\n", dir)
	fmt.Println("  riskcheck serve")
	return nil
}
