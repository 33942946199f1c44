package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kudzu",
		Short: "Kudzu - configuration management agent",
		Long: `Kudzu keeps a node converged with its server-compiled catalog.

Each run retrieves the node's catalog (falling back to a local cache
when the server is unreachable), applies it resource by resource, and
reports the outcome back to the server.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	// Add subcommands
	rootCmd.AddCommand(newAgentCommand(version))
	rootCmd.AddCommand(newDaemonCommand(version))
	rootCmd.AddCommand(newFactsCommand())
	rootCmd.AddCommand(newReportCommand(version))

	return rootCmd
}
