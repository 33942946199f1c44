package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/kudzuproject/kudzu/pkg/agent"
	"github.com/kudzuproject/kudzu/pkg/config"
	"github.com/kudzuproject/kudzu/pkg/report"
)

func newAgentCommand(version string) *cobra.Command {
	var (
		noop             bool
		summarize        bool
		useCachedCatalog bool
		noCacheFallback  bool
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the agent once",
		Long: `Execute a single agent run: retrieve the node's catalog, apply it,
and send the run report.

Retrieval prefers the server and falls back to the locally cached
catalog when the server is unreachable. A second concurrent run on the
same node fails immediately instead of waiting for the lock.`,
		Example: `  # Converge the node once
  kudzu agent

  # Simulate without making changes
  kudzu agent --noop

  # Apply the cached catalog without contacting the server
  kudzu agent --use-cached-catalog

  # Print a run summary to the console
  kudzu agent --summarize`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(version, func(s *config.Settings) {
				if summarize {
					s.Summarize = true
				}
				if useCachedCatalog {
					s.UseCachedCatalog = true
				}
				if noCacheFallback {
					s.UseCacheOnFailure = false
				}
			})
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			ctx := cmd.Context()
			if timeout := rt.settings.RunTimeout.Std(); timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			r, err := rt.agent.Run(ctx, agent.RunOptions{Noop: noop})
			if err != nil {
				return err
			}
			if r.Status == report.StatusFailed {
				rt.log.Error("Run finished with failures")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noop, "noop", false, "simulate changes without applying them")
	cmd.Flags().BoolVar(&summarize, "summarize", false, "print a run summary to the console")
	cmd.Flags().BoolVar(&useCachedCatalog, "use-cached-catalog", false, "apply the cached catalog without contacting the server")
	cmd.Flags().BoolVar(&noCacheFallback, "no-usecacheonfailure", false, "do not fall back to the cached catalog on retrieval failure")

	return cmd
}
