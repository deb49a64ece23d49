// Package kubeadm provides the step catalog that turns a bare Linux host
// into a kubeadm control-plane node or worker: container runtime, kubelet
// packages, cluster init and join.
package kubeadm

import (
	"fmt"
	"time"

	"github.com/felixgeelhaar/kubeboot/internal/domain/bootstrap"
	"github.com/felixgeelhaar/kubeboot/internal/domain/config"
	"github.com/felixgeelhaar/kubeboot/internal/domain/convergence"
	"github.com/felixgeelhaar/kubeboot/internal/domain/credential"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet/execution"
)

// Step IDs in the order they run.
const (
	StepSwapOff            = "swap-off"
	StepKernelModules      = "kernel-modules"
	StepSysctl             = "sysctl"
	StepBasePackages       = "base-packages"
	StepContainerdInstall  = "containerd-install"
	StepRuncInstall        = "runc-install"
	StepCNIPlugins         = "cni-plugins"
	StepContainerdConfig   = "containerd-config"
	StepKubernetesRepo     = "kubernetes-repo"
	StepKubernetesPackages = "kubernetes-packages"
	StepKubeletEnable      = "kubelet-enable"
	StepKubeadmInit        = "kubeadm-init"
	StepAdminKubeconfig    = "admin-kubeconfig"
	StepJoinCommand        = "join-command"
	StepKubeadmJoin        = bootstrap.DefaultJoinStep
)

// Well-known paths on provisioned hosts.
const (
	AdminKubeconfig   = "/etc/kubernetes/admin.conf"
	KubeletKubeconfig = "/etc/kubernetes/kubelet.conf"
	stagingDir        = "/var/tmp/kubeboot"
)

const (
	initTimeout = 15 * time.Minute
	joinTimeout = 10 * time.Minute
)

// Catalog builds the kubeadm provisioning steps for one cluster config.
type Catalog struct {
	cfg   config.ClusterConfig
	facts *osFacts
}

// NewCatalog creates a catalog. Defaults are applied to cfg; callers are
// expected to have validated it.
func NewCatalog(cfg config.ClusterConfig) *Catalog {
	return &Catalog{cfg: cfg.WithDefaults(), facts: newOSFacts()}
}

// Config returns the cluster config the catalog was built from.
func (c *Catalog) Config() config.ClusterConfig {
	return c.cfg
}

// Steps returns every step: the shared node preparation, then the
// control-plane steps, then the worker join.
func (c *Catalog) Steps() []*execution.Step {
	shared := []*execution.Step{
		c.swapOff(),
		c.kernelModules(),
		c.sysctl(),
		c.basePackages(),
		c.containerdInstall(),
		c.runcInstall(),
		c.cniPlugins(),
		c.containerdConfig(),
		c.kubernetesRepo(),
		c.kubernetesPackages(),
		c.kubeletEnable(),
	}
	for i := 1; i < len(shared); i++ {
		shared[i].After(shared[i-1].ID())
	}

	return append(shared,
		c.kubeadmInit(),
		c.adminKubeconfig(),
		c.joinCommand(),
		c.kubeadmJoin(),
	)
}

// Plan returns the validated host plan for the catalog.
func (c *Catalog) Plan() (*execution.HostPlan, error) {
	plan, err := execution.NewHostPlan(c.Steps()...)
	if err != nil {
		return nil, fmt.Errorf("kubeadm catalog: %w", err)
	}
	return plan, nil
}

func (c *Catalog) kubeadmInit() *execution.Step {
	return execution.NewStep(StepKubeadmInit, c.applyKubeadmInit).
		WithDescription("Initialize the control plane with kubeadm").
		ForRoles(fleet.RoleControlPlane).
		After(StepKubeletEnable).
		WithTimeout(initTimeout)
}

func (c *Catalog) adminKubeconfig() *execution.Step {
	return execution.NewStep(StepAdminKubeconfig, execution.Ensure(
		"test -s /root/.kube/config",
		"mkdir -p /root/.kube && install -m 600 "+AdminKubeconfig+" /root/.kube/config",
	)).
		WithDescription("Install the admin kubeconfig for root").
		ForRoles(fleet.RoleControlPlane).
		After(StepKubeadmInit)
}

// joinCommand mints a fresh bootstrap token on every run that has a worker
// left to join. Tokens expire, so the step never counts as converged.
func (c *Catalog) joinCommand() *execution.Step {
	return execution.NewStep(StepJoinCommand, execution.Run("kubeadm token create --print-join-command")).
		WithDescription("Create a bootstrap token and print the join command").
		ForRoles(fleet.RoleControlPlane).
		After(StepAdminKubeconfig).
		Refresh().
		When(func(_ *fleet.Host, _ convergence.Record, p execution.Params) bool {
			return p.Bool(bootstrap.ParamCredentialRequired)
		}).
		Produces(bootstrap.OutputJoinCredential, func(out execution.Output) (any, error) {
			return credential.Parse(out.Stdout)
		})
}

func (c *Catalog) kubeadmJoin() *execution.Step {
	return execution.NewStep(StepKubeadmJoin, applyKubeadmJoin).
		WithDescription("Join the cluster as a worker").
		ForRoles(fleet.RoleWorker).
		After(StepKubeletEnable).
		WithTimeout(joinTimeout)
}
