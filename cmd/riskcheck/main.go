package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/riskcheck/internal/commands"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "riskcheck",
		Short: "Run orchestration for financial risk-model checks",
		Long: `riskcheck runs Validation, BackTest and Sensitivity Analysis against a
submitted model artifact in parallel, retries transient stage failures, joins
the results into one verdict and hands exactly one report request downstream.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		commands.NewInitCmd(),
		commands.NewServeCmd(),
		commands.NewSubmitCmd(),
		commands.NewStatusCmd(),
		commands.NewRecoverCmd(),
		commands.NewHistoryCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
