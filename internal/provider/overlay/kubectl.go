package overlay

import (
	"context"
	"fmt"

	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet/execution"
	"github.com/felixgeelhaar/kubeboot/internal/validation"
)

// KubectlApplier runs kubectl on the control-plane host against the local
// admin kubeconfig.
type KubectlApplier struct{}

// NewKubectlApplier creates a new KubectlApplier.
func NewKubectlApplier() *KubectlApplier {
	return &KubectlApplier{}
}

// Mode implements Applier.
func (a *KubectlApplier) Mode() Mode {
	return ModeKubectl
}

// Apply implements Applier.
func (a *KubectlApplier) Apply(ctx context.Context, env execution.Env, manifestURL string) error {
	cmd := fmt.Sprintf("kubectl --kubeconfig %s apply -f %s", AdminKubeconfig, validation.ShellQuote(manifestURL))
	if _, err := execution.RunChecked(ctx, env, cmd); err != nil {
		return fmt.Errorf("kubectl apply failed: %w", err)
	}
	return nil
}

var _ Applier = (*KubectlApplier)(nil)
