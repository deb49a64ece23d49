package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/felixgeelhaar/kubeboot/internal/app"
	"github.com/felixgeelhaar/kubeboot/internal/domain/bootstrap"
	"github.com/felixgeelhaar/kubeboot/internal/provider/overlay"
	"github.com/felixgeelhaar/kubeboot/internal/report"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Provision the cluster described by an inventory",
	Long: `Run provisions every host in the inventory.

The run goes through these phases:
1. Control-plane hosts: container runtime, kubelet packages, kubeadm init
2. Join credential: a fresh bootstrap token from a healthy control-plane host
3. Workers: the same node preparation, then kubeadm join
4. Network overlay: applied once through the control plane

Exit codes: 0 converged, 1 failed, 2 configuration error, 3 converged with
failed workers or overlay when --strict is set.

Use --dry-run to see which steps would apply without touching any host.`,
	Example: `  bootstrap run --inventory cluster.yaml
  bootstrap run --inventory cluster.yaml --concurrency 10 --timeout 30m
  bootstrap run --inventory cluster.yaml --dry-run --json`,
	RunE: runBootstrap,
}

var (
	runOpts   app.RunOptions
	runStrict bool
)

// newBootstrapper is replaced in tests to avoid dialing hosts.
var newBootstrapper = app.New

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runOpts.InventoryPath, "inventory", "i", "inventory.yaml", "inventory file")
	runCmd.Flags().StringVar(&runOpts.StatePath, "state", app.DefaultStatePath, "convergence state file")
	runCmd.Flags().IntVar(&runOpts.Concurrency, "concurrency", 0, "maximum hosts provisioned at once per role (0 = all)")
	runCmd.Flags().DurationVar(&runOpts.RoleTimeout, "timeout", time.Hour, "deadline for each role (0 = none)")
	runCmd.Flags().DurationVar(&runOpts.RunTimeout, "run-timeout", 0, "deadline for the whole run (0 = none)")
	runCmd.Flags().DurationVar(&runOpts.StepTimeout, "step-timeout", 10*time.Minute, "timeout of a single step attempt")
	runCmd.Flags().IntVar(&runOpts.Attempts, "attempts", 3, "attempts per step before it fails")
	runCmd.Flags().BoolVar(&runOpts.DryRun, "dry-run", false, "show what would be done without making changes")
	runCmd.Flags().StringVar(&runOpts.OverlayMode, "overlay-mode", string(overlay.ModeKubectl), "how the overlay manifest is applied (kubectl, api)")
	runCmd.Flags().StringVar(&runOpts.MetricsFile, "metrics-file", "", "write Prometheus metrics to this file")
	runCmd.Flags().StringVar(&runOpts.KnownHostsFile, "known-hosts", "", "verify SSH host keys against this known_hosts file")
	runCmd.Flags().BoolVar(&runStrict, "strict", false, "exit 3 when workers failed or the overlay was not applied")

	_ = runCmd.RegisterFlagCompletionFunc("inventory", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"yaml", "yml"}, cobra.ShellCompDirectiveFilterFileExt
	})
	_ = runCmd.RegisterFlagCompletionFunc("overlay-mode", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{
			"kubectl\tRun kubectl apply on the control-plane host",
			"api\tServer-side apply through the API server",
		}, cobra.ShellCompDirectiveNoFileComp
	})
}

func runBootstrap(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	r, err := newBootstrapper(logger).Run(ctx, runOpts)
	if err != nil {
		return err
	}

	if err := renderReport(cmd, r); err != nil {
		return err
	}
	if code := r.ExitCode(runStrict); code != bootstrap.ExitConverged {
		return &exitCodeError{code: code}
	}
	return nil
}

func renderReport(cmd *cobra.Command, r *bootstrap.Report) error {
	if jsonOut {
		return report.RenderJSON(cmd.OutOrStdout(), r)
	}
	return report.RenderText(cmd.OutOrStdout(), r)
}

