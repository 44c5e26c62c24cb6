// Package commands implements the agentgate CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentgate",
		Short: "agentgate - AI agent orchestration gateway",
		Long: `agentgate routes conversations to personas, drives them through a
prioritized provider chain with circuit breaking, and keeps durable
per-conversation turn logs with automatic context compaction.

Examples:
  agentgate serve
  agentgate chat "What is on the agenda today?"
  agentgate schedule list
  agentgate health`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newScheduleCmd(),
		newHealthCmd(),
		newConfigCmd(),
		newSetupCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
