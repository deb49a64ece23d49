// Package overlay applies the pod network manifest once the control plane
// is up and workers have joined.
package overlay

import (
	"context"
	"fmt"

	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet/execution"
	"github.com/felixgeelhaar/kubeboot/internal/validation"
)

// StepID is the convergence key of the overlay step.
const StepID = "network-overlay"

// AdminKubeconfig is where kubeadm leaves the cluster-admin kubeconfig.
const AdminKubeconfig = "/etc/kubernetes/admin.conf"

// Applier applies a manifest to the cluster reachable from a control-plane host.
type Applier interface {
	// Mode names the applier.
	Mode() Mode
	// Apply applies the manifest at manifestURL. It must be safe to repeat.
	Apply(ctx context.Context, env execution.Env, manifestURL string) error
}

// Mode selects how the overlay manifest reaches the cluster.
type Mode string

const (
	// ModeKubectl runs kubectl apply on the control-plane host.
	ModeKubectl Mode = "kubectl"
	// ModeAPI server-side applies the manifest from this process.
	ModeAPI Mode = "api"
)

// Modes returns every supported mode.
func Modes() []Mode {
	return []Mode{ModeKubectl, ModeAPI}
}

// ParseMode parses an overlay mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeKubectl, ModeAPI:
		return m, nil
	case "":
		return ModeKubectl, nil
	default:
		return "", fmt.Errorf("unknown overlay mode %q (want %s or %s)", s, ModeKubectl, ModeAPI)
	}
}

// NewApplier returns the default applier for mode.
func NewApplier(mode Mode) (Applier, error) {
	switch mode {
	case ModeKubectl, "":
		return NewKubectlApplier(), nil
	case ModeAPI:
		return NewAPIServerApplier(), nil
	default:
		return nil, fmt.Errorf("unknown overlay mode %q", mode)
	}
}

// Step wraps applier in the single step the orchestrator runs on the
// control-plane host the join credential came from.
func Step(applier Applier, manifestURL string) *execution.Step {
	return execution.NewStep(StepID, func(ctx context.Context, env execution.Env) (execution.Output, error) {
		if err := validation.ValidateURL(manifestURL); err != nil {
			return execution.Output{}, execution.Permanent(fmt.Errorf("overlay manifest: %w", err))
		}
		if err := applier.Apply(ctx, env, manifestURL); err != nil {
			return execution.Output{}, err
		}
		return execution.Output{}, nil
	}).
		WithDescription(fmt.Sprintf("Apply the network overlay (%s)", applier.Mode())).
		ForRoles(fleet.RoleControlPlane)
}
