package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kudzuproject/kudzu/pkg/stores"
)

func newReportCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Inspect locally stored run reports",
	}

	cmd.AddCommand(newReportListCommand(version))
	cmd.AddCommand(newReportShowCommand(version))

	return cmd
}

// openStore builds just the local store, for commands that do not need
// the full agent stack.
func openStore(ctx context.Context, version string) (*runtime, error) {
	rt, err := newRuntime(version, nil)
	if err != nil {
		return nil, err
	}
	if err := rt.store.Init(ctx); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	if err := rt.store.Migrate(ctx); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	return rt, nil
}

func newReportListCommand(version string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reports recorded on this node",
		Example: `  # Show the last ten runs
  kudzu report list

  # Show more history
  kudzu report list --limit 50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openStore(ctx, version)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			reports, err := rt.store.ListReports(ctx, rt.settings.Certname, limit, 0)
			if err != nil {
				return err
			}
			if len(reports) == 0 {
				fmt.Println("No reports recorded.")
				return nil
			}

			for _, r := range reports {
				fmt.Printf("%s  %-8s  %s\n", r.CreatedAt.Format("2006-01-02 15:04:05"), r.Status, r.ID)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of reports to list")

	return cmd
}

func newReportShowCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <report-id>",
		Short: "Print a stored report as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openStore(ctx, version)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			stored, err := rt.store.GetReport(ctx, args[0])
			if err != nil {
				if errors.Is(err, stores.ErrNotFound) {
					return fmt.Errorf("no report with id %s", args[0])
				}
				return err
			}

			var pretty json.RawMessage = stored.Payload
			out, err := json.MarshalIndent(pretty, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	return cmd
}
