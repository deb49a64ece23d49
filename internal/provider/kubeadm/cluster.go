package kubeadm

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/felixgeelhaar/kubeboot/internal/domain/bootstrap"
	"github.com/felixgeelhaar/kubeboot/internal/domain/credential"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet/execution"
	"github.com/felixgeelhaar/kubeboot/internal/validation"
)

// applyKubeadmInit initializes the control plane unless admin.conf shows
// it already ran.
func (c *Catalog) applyKubeadmInit(ctx context.Context, env execution.Env) (execution.Output, error) {
	if ok, err := converged(ctx, env, "test -f "+AdminKubeconfig); err != nil || ok {
		return execution.Output{}, err
	}

	prefix, err := netip.ParsePrefix(c.cfg.PodNetworkCIDR)
	if err != nil {
		return execution.Output{}, execution.Permanent(fmt.Errorf("invalid pod network CIDR: %w", err))
	}
	args := []string{
		"kubeadm", "init",
		"--kubernetes-version", validation.ShellQuote(c.cfg.KubernetesVersion),
		"--pod-network-cidr", prefix.String(),
	}
	if addr, err := netip.ParseAddr(env.Host.Address()); err == nil {
		args = append(args, "--apiserver-advertise-address", addr.String())
	}
	return execution.RunChecked(ctx, env, strings.Join(args, " "))
}

// applyKubeadmJoin joins a worker with the credential the orchestrator
// handed over. The command line is rebuilt from the credential's validated
// fields; nothing from the control plane's output is replayed verbatim.
func applyKubeadmJoin(ctx context.Context, env execution.Env) (execution.Output, error) {
	if ok, err := converged(ctx, env, "test -f "+KubeletKubeconfig); err != nil || ok {
		return execution.Output{}, err
	}

	v, _ := env.Params.Value(bootstrap.ParamJoinCredential)
	cred, ok := v.(*credential.JoinCredential)
	if !ok || cred == nil {
		return execution.Output{}, execution.Permanent(bootstrap.ErrCredentialMissing)
	}
	args, err := cred.JoinArgs()
	if err != nil {
		return execution.Output{}, execution.Permanent(err)
	}
	for i, a := range args {
		args[i] = validation.ShellQuote(a)
	}
	return execution.RunChecked(ctx, env, strings.Join(args, " "))
}
