package main

import (
	"fmt"

	"github.com/felixgeelhaar/kubeboot/internal/app"
	"github.com/felixgeelhaar/kubeboot/internal/report"
	"github.com/spf13/cobra"
)

var (
	statePath string
	stateHost string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored convergence records",
	Long: `Status prints the per-host, per-step records kept in the state file:
what completed, what failed and the last error of each step.`,
	Example: `  bootstrap status
  bootstrap status --host w1 --json`,
	RunE: runStatus,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget convergence records so steps run again",
	Long: `Reset deletes stored convergence records, for one host with --host or
for every host. The next run re-applies those steps. Nothing on the hosts
is changed.`,
	Example: `  bootstrap reset --host w1
  bootstrap reset`,
	RunE: runReset,
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, resetCmd} {
		c.Flags().StringVar(&statePath, "state", app.DefaultStatePath, "convergence state file")
		c.Flags().StringVar(&stateHost, "host", "", "limit to one host")
		rootCmd.AddCommand(c)
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	records, err := app.Status(statePath, stateHost)
	if err != nil {
		return err
	}
	if jsonOut {
		return report.RenderRecordsJSON(cmd.OutOrStdout(), records)
	}
	return report.RenderRecords(cmd.OutOrStdout(), records)
}

func runReset(cmd *cobra.Command, _ []string) error {
	n, err := app.Reset(statePath, stateHost)
	if err != nil {
		return err
	}

	target := "all hosts"
	if stateHost != "" {
		target = stateHost
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d record(s) for %s\n", n, target)
	return err
}
