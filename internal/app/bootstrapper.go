// Package app wires the inventory, transport, convergence store and step
// catalogs into a bootstrap run.
package app

import (
	"context"
	"fmt"
	"time"

	convergenceadapter "github.com/felixgeelhaar/kubeboot/internal/adapters/convergence"
	"github.com/felixgeelhaar/kubeboot/internal/adapters/logging"
	"github.com/felixgeelhaar/kubeboot/internal/adapters/metrics"
	"github.com/felixgeelhaar/kubeboot/internal/domain/bootstrap"
	"github.com/felixgeelhaar/kubeboot/internal/domain/config"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet/execution"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet/transport"
	"github.com/felixgeelhaar/kubeboot/internal/ports"
	"github.com/felixgeelhaar/kubeboot/internal/provider/kubeadm"
	"github.com/felixgeelhaar/kubeboot/internal/provider/overlay"
)

// DefaultStatePath is where convergence records are kept when no path is given.
const DefaultStatePath = "kubeboot-state.yaml"

// RunOptions configures one bootstrap run.
type RunOptions struct {
	InventoryPath string
	StatePath     string
	// Concurrency caps hosts in flight per role. Zero means one per host.
	Concurrency int
	// RoleTimeout is the deadline for each role. Zero disables it.
	RoleTimeout time.Duration
	// RunTimeout bounds the whole run. Zero disables it.
	RunTimeout  time.Duration
	StepTimeout time.Duration
	Attempts    int
	DryRun      bool
	OverlayMode string
	// MetricsFile receives Prometheus metrics in textfile format when set.
	MetricsFile string
	// KnownHostsFile enables SSH host key verification when set.
	KnownHostsFile string
}

// Bootstrapper runs bootstrap end to end.
type Bootstrapper struct {
	logger ports.Logger
	remote transport.RemoteExecutor
}

// New creates a bootstrapper that reaches hosts over SSH.
func New(logger ports.Logger) *Bootstrapper {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Bootstrapper{logger: logger}
}

// WithRemoteExecutor replaces the SSH executor.
func (b *Bootstrapper) WithRemoteExecutor(remote transport.RemoteExecutor) *Bootstrapper {
	b.remote = remote
	return b
}

// Run loads the inventory and drives the cluster to convergence. The error
// is non-nil only when the run could not start; a failed run is reported
// through the returned report.
func (b *Bootstrapper) Run(ctx context.Context, opts RunOptions) (*bootstrap.Report, error) {
	inv, cluster, err := LoadInventory(opts.InventoryPath)
	if err != nil {
		return nil, err
	}
	mode, err := overlay.ParseMode(opts.OverlayMode)
	if err != nil {
		return nil, config.NewUserError(config.ErrCodeValidationFailed, err.Error()).
			WithContext("--overlay-mode").
			WithSuggestion(fmt.Sprintf("Use one of %v.", overlay.Modes()))
	}

	statePath := opts.StatePath
	if statePath == "" {
		statePath = DefaultStatePath
	}
	store, err := convergenceadapter.OpenYAMLStore(statePath, convergenceadapter.WithLogger(b.logger))
	if err != nil {
		return nil, config.NewStateUnreadableError(statePath, err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			b.logger.Warn(ctx, "failed to close state file", ports.Err(cerr))
		}
	}()

	remote := b.remote
	if remote == nil {
		ssh := transport.NewSSHTransport()
		ssh.KnownHostsFile = opts.KnownHostsFile
		pooled := transport.NewPooledExecutor(transport.NewRoutedTransport(ssh, transport.NewLocalTransport()))
		defer func() { _ = pooled.Close() }()
		remote = pooled
	}

	recorder := metrics.NewRecorder()
	execCfg := execution.DefaultExecutorConfig()
	execCfg.DryRun = opts.DryRun
	if opts.StepTimeout > 0 {
		execCfg.StepTimeout = opts.StepTimeout
	}
	if opts.Attempts > 0 {
		execCfg.Retry.Attempts = opts.Attempts
	}
	executor := execution.NewStepExecutor(remote, store, execCfg,
		execution.WithLogger(b.logger),
		execution.WithObserver(recorder),
	)
	coordinator := execution.NewRoleCoordinator(executor, execution.CoordinatorConfig{
		Concurrency: opts.Concurrency,
		RoleTimeout: opts.RoleTimeout,
	})

	plan, err := kubeadm.NewCatalog(cluster).Plan()
	if err != nil {
		return nil, err
	}
	applier, err := overlay.NewApplier(mode)
	if err != nil {
		return nil, err
	}

	orchestrator, err := bootstrap.NewOrchestrator(coordinator, store, plan,
		bootstrap.WithLogger(b.logger),
		bootstrap.WithStateObserver(recorder),
		bootstrap.WithOverlay(overlay.Step(applier, cluster.OverlayManifestURL)),
		bootstrap.WithRunTimeout(opts.RunTimeout),
	)
	if err != nil {
		return nil, err
	}

	report := orchestrator.Run(ctx, inv, execution.NewParams())

	recorder.ObserveReport(report)
	if opts.MetricsFile != "" {
		if err := recorder.WriteTextfile(opts.MetricsFile); err != nil {
			b.logger.Warn(ctx, "failed to write metrics", ports.F("path", opts.MetricsFile), ports.Err(err))
		}
	}
	return report, nil
}
