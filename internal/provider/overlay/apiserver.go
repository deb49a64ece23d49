package overlay

import (
	"context"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet/execution"
	"github.com/felixgeelhaar/kubeboot/internal/ports"
	"github.com/felixgeelhaar/kubeboot/internal/validation"
)

// DefaultFieldManager identifies kubeboot as the owner of applied fields.
const DefaultFieldManager = "kubeboot"

// APIServerApplier reads the admin kubeconfig and the manifest through the
// control-plane host, then server-side applies every object from this
// process. The API server must be reachable from here.
type APIServerApplier struct {
	fieldManager string
	newClient    ClientFactory
}

// APIServerOption configures an APIServerApplier.
type APIServerOption func(*APIServerApplier)

// WithFieldManager sets the server-side apply field manager.
func WithFieldManager(name string) APIServerOption {
	return func(a *APIServerApplier) {
		a.fieldManager = name
	}
}

// WithClientFactory overrides how the cluster client is built.
func WithClientFactory(f ClientFactory) APIServerOption {
	return func(a *APIServerApplier) {
		a.newClient = f
	}
}

// NewAPIServerApplier creates a new APIServerApplier.
func NewAPIServerApplier(opts ...APIServerOption) *APIServerApplier {
	a := &APIServerApplier{
		fieldManager: DefaultFieldManager,
		newClient:    NewClientFromKubeconfig,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Mode implements Applier.
func (a *APIServerApplier) Mode() Mode {
	return ModeAPI
}

// Apply implements Applier.
func (a *APIServerApplier) Apply(ctx context.Context, env execution.Env, manifestURL string) error {
	kubeconfig, err := execution.RunChecked(ctx, env, "cat "+AdminKubeconfig)
	if err != nil {
		return fmt.Errorf("failed to read admin kubeconfig: %w", err)
	}
	manifest, err := execution.RunChecked(ctx, env, "curl -fsSL --retry 3 "+validation.ShellQuote(manifestURL))
	if err != nil {
		return fmt.Errorf("failed to fetch overlay manifest: %w", err)
	}

	client, err := a.newClient([]byte(kubeconfig.Stdout))
	if err != nil {
		return err
	}
	applied, err := client.ApplyManifests(ctx, []byte(manifest.Stdout), a.fieldManager)
	if err != nil {
		if errors.Is(err, ErrInvalidManifest) {
			return execution.Permanent(err)
		}
		return err
	}
	if env.Logger != nil {
		env.Logger.Info(ctx, "overlay applied", ports.F("objects", applied), ports.F("field_manager", a.fieldManager))
	}
	return nil
}

var _ Applier = (*APIServerApplier)(nil)
