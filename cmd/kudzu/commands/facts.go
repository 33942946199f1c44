package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kudzuproject/kudzu/pkg/facts"
	"github.com/kudzuproject/kudzu/pkg/telemetry"
)

func newFactsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Collect and print local facts",
		Long: `Collect facts from the local system and print them as JSON.

Fact namespaces:
  - os.basic: OS name, version, kernel, architecture, hostname
  - hw.memory: RAM and swap sizes
  - net.ifaces: network interfaces with addresses

This is the same fact set uploaded with catalog requests.`,
		Example: `  kudzu facts`,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := "warn"
			if verbose {
				level = "debug"
			}
			log, err := telemetry.NewLogger(telemetry.LoggingConfig{
				Level:  level,
				Format: "console",
				Output: "stderr",
			})
			if err != nil {
				return err
			}

			collected := facts.NewCollector(log).Collect()
			out, err := json.MarshalIndent(collected, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	return cmd
}
