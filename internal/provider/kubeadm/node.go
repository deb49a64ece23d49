package kubeadm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet/execution"
	"github.com/felixgeelhaar/kubeboot/internal/validation"
)

const (
	modulesLoadFile = "/etc/modules-load.d/kubeboot.conf"
	sysctlFile      = "/etc/sysctl.d/99-kubeboot.conf"
	containerdUnit  = "/etc/systemd/system/containerd.service"
	cniBinDir       = "/opt/cni/bin"
)

// basePackages are installed before any artifact is fetched.
var basePackages = map[PackageManager][]string{
	PackageManagerApt: {"apt-transport-https", "ca-certificates", "curl", "gpg", "conntrack", "socat"},
	PackageManagerDnf: {"ca-certificates", "curl", "conntrack-tools", "socat", "iproute-tc"},
}

// converged runs check on the host and reports whether it exited zero.
func converged(ctx context.Context, env execution.Env, check string) (bool, error) {
	res, err := env.Remote.RunCommand(ctx, env.Host, check, 0)
	if err != nil {
		return false, fmt.Errorf("check command failed: %w", err)
	}
	return res.Success(), nil
}

func (c *Catalog) swapOff() *execution.Step {
	return execution.NewStep(StepSwapOff, execution.Ensure(
		`test -z "$(swapon --noheadings --show)"`,
		`swapoff -a && sed -i.kubeboot '/\sswap\s/ s/^#*/#/' /etc/fstab`,
	)).WithDescription("Disable swap now and across reboots")
}

func (c *Catalog) kernelModules() *execution.Step {
	return execution.NewStep(StepKernelModules, func(ctx context.Context, env execution.Env) (execution.Output, error) {
		modules := c.cfg.KernelModules
		quoted := make([]string, len(modules))
		checks := make([]string, len(modules))
		for i, m := range modules {
			if err := validation.ValidateKernelModule(m); err != nil {
				return execution.Output{}, execution.Permanent(err)
			}
			quoted[i] = validation.ShellQuote(m)
			checks[i] = fmt.Sprintf("grep -qx %s %s", quoted[i], modulesLoadFile)
		}
		if len(modules) == 0 {
			return execution.Output{}, nil
		}

		check := strings.Join(checks, " && ") + " && " + fmt.Sprintf("modprobe -n -a %s", strings.Join(quoted, " "))
		if ok, err := converged(ctx, env, check); err != nil || ok {
			return execution.Output{}, err
		}
		return execution.RunChecked(ctx, env, fmt.Sprintf(
			"modprobe -a %s && printf '%%s\\n' %s > %s",
			strings.Join(quoted, " "), strings.Join(quoted, " "), modulesLoadFile,
		))
	}).WithDescription("Load the kernel modules container networking needs")
}

func (c *Catalog) sysctl() *execution.Step {
	return execution.NewStep(StepSysctl, func(ctx context.Context, env execution.Env) (execution.Output, error) {
		keys := c.cfg.SysctlKeys()
		if len(keys) == 0 {
			return execution.Output{}, nil
		}
		checks := make([]string, 0, len(keys))
		lines := make([]string, 0, len(keys))
		for _, k := range keys {
			v := c.cfg.Sysctls[k]
			if err := validation.ValidateSysctl(k, v); err != nil {
				return execution.Output{}, execution.Permanent(err)
			}
			checks = append(checks, fmt.Sprintf(`test "$(sysctl -n %s)" = %s`, k, validation.ShellQuote(v)))
			lines = append(lines, validation.ShellQuote(k+" = "+v))
		}

		check := fmt.Sprintf("test -f %s && %s", sysctlFile, strings.Join(checks, " && "))
		if ok, err := converged(ctx, env, check); err != nil || ok {
			return execution.Output{}, err
		}
		return execution.RunChecked(ctx, env, fmt.Sprintf(
			"printf '%%s\\n' %s > %s && sysctl --system",
			strings.Join(lines, " "), sysctlFile,
		))
	}).WithDescription("Persist and apply the kernel parameters kubelet requires")
}

func (c *Catalog) basePackages() *execution.Step {
	return execution.NewStep(StepBasePackages, func(ctx context.Context, env execution.Env) (execution.Output, error) {
		pm, err := c.facts.packageManager(ctx, env)
		if err != nil {
			return execution.Output{}, err
		}
		pkgs := basePackages[pm]
		list := strings.Join(pkgs, " ")

		var check, install string
		switch pm {
		case PackageManagerApt:
			check = "dpkg -s " + list + " >/dev/null 2>&1"
			install = "apt-get update && DEBIAN_FRONTEND=noninteractive apt-get install -y " + list
		default:
			check = "rpm -q " + list + " >/dev/null 2>&1"
			install = "dnf install -y " + list
		}
		if ok, err := converged(ctx, env, check); err != nil || ok {
			return execution.Output{}, err
		}
		return execution.RunChecked(ctx, env, install)
	}).WithDescription("Install the packages the node bootstrap relies on")
}

// fetchArtifact downloads url into the staging directory and returns the
// path it landed at.
func fetchArtifact(ctx context.Context, env execution.Env, url, name string) (string, error) {
	if err := validation.ValidateURL(url); err != nil {
		return "", execution.Permanent(err)
	}
	dest := stagingDir + "/" + name
	if err := env.Remote.FetchURL(ctx, env.Host, url, dest); err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", name, err)
	}
	return dest, nil
}

func (c *Catalog) containerdInstall() *execution.Step {
	return execution.NewStep(StepContainerdInstall, func(ctx context.Context, env execution.Env) (execution.Output, error) {
		if ok, err := converged(ctx, env, "test -x /usr/local/bin/containerd && test -f "+containerdUnit); err != nil || ok {
			return execution.Output{}, err
		}
		archive, err := fetchArtifact(ctx, env, c.cfg.ContainerdURL, "containerd.tar.gz")
		if err != nil {
			return execution.Output{}, err
		}
		if _, err := execution.RunChecked(ctx, env, "tar Cxzf /usr/local "+archive); err != nil {
			return execution.Output{}, err
		}
		if err := validation.ValidateURL(c.cfg.ContainerdServiceURL); err != nil {
			return execution.Output{}, execution.Permanent(err)
		}
		if err := env.Remote.FetchURL(ctx, env.Host, c.cfg.ContainerdServiceURL, containerdUnit); err != nil {
			return execution.Output{}, fmt.Errorf("failed to fetch containerd unit: %w", err)
		}
		return execution.RunChecked(ctx, env, "systemctl daemon-reload && systemctl enable --now containerd")
	}).WithDescription("Install containerd and its systemd unit")
}

func (c *Catalog) runcInstall() *execution.Step {
	return execution.NewStep(StepRuncInstall, func(ctx context.Context, env execution.Env) (execution.Output, error) {
		if ok, err := converged(ctx, env, "test -x /usr/local/sbin/runc"); err != nil || ok {
			return execution.Output{}, err
		}
		bin, err := fetchArtifact(ctx, env, c.cfg.RuncURL, "runc")
		if err != nil {
			return execution.Output{}, err
		}
		return execution.RunChecked(ctx, env, "install -m 755 "+bin+" /usr/local/sbin/runc")
	}).WithDescription("Install the runc container runtime")
}

func (c *Catalog) cniPlugins() *execution.Step {
	return execution.NewStep(StepCNIPlugins, func(ctx context.Context, env execution.Env) (execution.Output, error) {
		if ok, err := converged(ctx, env, "test -x "+cniBinDir+"/bridge"); err != nil || ok {
			return execution.Output{}, err
		}
		archive, err := fetchArtifact(ctx, env, c.cfg.CNIPluginsURL, "cni-plugins.tgz")
		if err != nil {
			return execution.Output{}, err
		}
		return execution.RunChecked(ctx, env, "mkdir -p "+cniBinDir+" && tar Cxzf "+cniBinDir+" "+archive)
	}).WithDescription("Install the reference CNI plugins")
}

func (c *Catalog) containerdConfig() *execution.Step {
	return execution.NewStep(StepContainerdConfig, func(ctx context.Context, env execution.Env) (execution.Output, error) {
		if ok, err := converged(ctx, env, "grep -q 'SystemdCgroup = true' "+containerdConfigPath); err != nil || ok {
			return execution.Output{}, err
		}
		data, err := RenderContainerdConfig("")
		if err != nil {
			return execution.Output{}, execution.Permanent(fmt.Errorf("failed to render containerd config: %w", err))
		}

		f, err := os.CreateTemp("", "kubeboot-containerd-*.toml")
		if err != nil {
			return execution.Output{}, err
		}
		defer os.Remove(f.Name())
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return execution.Output{}, err
		}
		if err := f.Close(); err != nil {
			return execution.Output{}, err
		}

		if _, err := execution.RunChecked(ctx, env, "mkdir -p /etc/containerd"); err != nil {
			return execution.Output{}, err
		}
		if err := env.Remote.CopyFile(ctx, env.Host, f.Name(), containerdConfigPath, 0o644); err != nil {
			return execution.Output{}, fmt.Errorf("failed to copy containerd config: %w", err)
		}
		return execution.RunChecked(ctx, env, "systemctl restart containerd")
	}).WithDescription("Configure containerd for the systemd cgroup driver")
}

func (c *Catalog) kubernetesRepo() *execution.Step {
	return execution.NewStep(StepKubernetesRepo, func(ctx context.Context, env execution.Env) (execution.Output, error) {
		pm, err := c.facts.packageManager(ctx, env)
		if err != nil {
			return execution.Output{}, err
		}
		minor := c.cfg.MinorVersion()
		if minor == "" {
			return execution.Output{}, execution.Permanent(fmt.Errorf("invalid kubernetes version %q", c.cfg.KubernetesVersion))
		}
		base := "https://pkgs.k8s.io/core:/stable:/" + minor

		var check, install string
		switch pm {
		case PackageManagerApt:
			list := "/etc/apt/sources.list.d/kubernetes.list"
			keyring := "/etc/apt/keyrings/kubernetes-apt-keyring.gpg"
			check = fmt.Sprintf("grep -qF %s %s", validation.ShellQuote(base+"/deb/"), list)
			install = fmt.Sprintf(
				"mkdir -p -m 755 /etc/apt/keyrings && curl -fsSL %s | gpg --batch --yes --dearmor -o %s && echo %s > %s && apt-get update",
				validation.ShellQuote(base+"/deb/Release.key"), keyring,
				validation.ShellQuote("deb [signed-by="+keyring+"] "+base+"/deb/ /"), list,
			)
		default:
			repo := "/etc/yum.repos.d/kubernetes.repo"
			check = fmt.Sprintf("grep -qF %s %s", validation.ShellQuote(base+"/rpm/"), repo)
			install = fmt.Sprintf("printf '%%s\\n' %s %s %s %s %s %s > %s",
				validation.ShellQuote("[kubernetes]"),
				validation.ShellQuote("name=Kubernetes"),
				validation.ShellQuote("baseurl="+base+"/rpm/"),
				validation.ShellQuote("enabled=1"),
				validation.ShellQuote("gpgcheck=1"),
				validation.ShellQuote("gpgkey="+base+"/rpm/repodata/repomd.xml.key"),
				repo,
			)
		}
		if ok, err := converged(ctx, env, check); err != nil || ok {
			return execution.Output{}, err
		}
		return execution.RunChecked(ctx, env, install)
	}).WithDescription("Add the Kubernetes package repository for the release line")
}

func (c *Catalog) kubernetesPackages() *execution.Step {
	return execution.NewStep(StepKubernetesPackages, func(ctx context.Context, env execution.Env) (execution.Output, error) {
		pm, err := c.facts.packageManager(ctx, env)
		if err != nil {
			return execution.Output{}, err
		}
		version := c.cfg.PackageVersion()
		if err := validation.ValidatePackageName(version); err != nil {
			return execution.Output{}, execution.Permanent(err)
		}

		check := fmt.Sprintf(`test "$(kubeadm version -o short 2>/dev/null)" = %s`, validation.ShellQuote(c.cfg.KubernetesVersion))
		if ok, err := converged(ctx, env, check); err != nil || ok {
			return execution.Output{}, err
		}

		var install string
		switch pm {
		case PackageManagerApt:
			install = fmt.Sprintf(
				"apt-mark unhold kubelet kubeadm kubectl >/dev/null 2>&1; DEBIAN_FRONTEND=noninteractive apt-get install -y kubelet=%[1]s-* kubeadm=%[1]s-* kubectl=%[1]s-* && apt-mark hold kubelet kubeadm kubectl",
				version,
			)
		default:
			install = fmt.Sprintf("dnf install -y kubelet-%[1]s kubeadm-%[1]s kubectl-%[1]s --disableexcludes=kubernetes", version)
		}
		return execution.RunChecked(ctx, env, install)
	}).WithDescription("Install the Kubernetes node packages at the cluster version")
}

func (c *Catalog) kubeletEnable() *execution.Step {
	return execution.NewStep(StepKubeletEnable, execution.Ensure(
		"systemctl is-enabled --quiet kubelet",
		"systemctl enable --now kubelet",
	)).WithDescription("Enable the kubelet service")
}
