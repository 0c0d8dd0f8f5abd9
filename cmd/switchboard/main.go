// ABOUTME: Entry point for the switchboard coordination daemon and CLI
// ABOUTME: Dispatches to serve, status, and cleanup subcommands

package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "switchboard",
		Short:         "Coordination and scheduling control plane for local agents",
		Long:          "switchboard coordinates concurrent agent sessions: resource locks, rate-limit budgets, agent process orchestration, and multi-account scheduling.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newCleanupCmd(),
	)

	return rootCmd
}
