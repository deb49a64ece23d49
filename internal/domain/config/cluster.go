package config

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/felixgeelhaar/kubeboot/internal/validation"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// Defaults for ClusterConfig.
const (
	DefaultKubernetesVersion    = "v1.30.2"
	DefaultPodNetworkCIDR       = "10.244.0.0/16"
	DefaultContainerdURL        = "https://github.com/containerd/containerd/releases/download/v1.7.20/containerd-1.7.20-linux-amd64.tar.gz"
	DefaultRuncURL              = "https://github.com/opencontainers/runc/releases/download/v1.1.13/runc.amd64"
	DefaultCNIPluginsURL        = "https://github.com/containernetworking/plugins/releases/download/v1.5.1/cni-plugins-linux-amd64-v1.5.1.tgz"
	DefaultContainerdServiceURL = "https://raw.githubusercontent.com/containerd/containerd/main/containerd.service"
	DefaultOverlayManifestURL   = "https://github.com/flannel-io/flannel/releases/latest/download/kube-flannel.yml"
)

// DefaultKernelModules are loaded on every host.
func DefaultKernelModules() []string {
	return []string{"overlay", "br_netfilter"}
}

// DefaultSysctls are applied on every host.
func DefaultSysctls() map[string]string {
	return map[string]string{
		"net.bridge.bridge-nf-call-iptables":  "1",
		"net.bridge.bridge-nf-call-ip6tables": "1",
		"net.ipv4.ip_forward":                 "1",
	}
}

// ClusterConfig describes what gets installed on the hosts.
type ClusterConfig struct {
	KubernetesVersion    string            `yaml:"kubernetes_version,omitempty" json:"kubernetes_version"`
	PodNetworkCIDR       string            `yaml:"pod_network_cidr,omitempty" json:"pod_network_cidr"`
	ContainerdURL        string            `yaml:"containerd_url,omitempty" json:"containerd_url"`
	RuncURL              string            `yaml:"runc_url,omitempty" json:"runc_url"`
	CNIPluginsURL        string            `yaml:"cni_plugins_url,omitempty" json:"cni_plugins_url"`
	ContainerdServiceURL string            `yaml:"containerd_service_url,omitempty" json:"containerd_service_url"`
	OverlayManifestURL   string            `yaml:"overlay_manifest_url,omitempty" json:"overlay_manifest_url"`
	KernelModules        []string          `yaml:"kernel_modules,omitempty" json:"kernel_modules"`
	Sysctls              map[string]string `yaml:"sysctls,omitempty" json:"sysctls"`
}

// DefaultClusterConfig returns a config with every field set to its default.
func DefaultClusterConfig() ClusterConfig {
	return ClusterConfig{}.WithDefaults()
}

// WithDefaults returns a copy with zero fields filled in and the version
// normalized to carry a "v" prefix.
func (c ClusterConfig) WithDefaults() ClusterConfig {
	if c.KubernetesVersion == "" {
		c.KubernetesVersion = DefaultKubernetesVersion
	}
	if !strings.HasPrefix(c.KubernetesVersion, "v") {
		c.KubernetesVersion = "v" + c.KubernetesVersion
	}
	if c.PodNetworkCIDR == "" {
		c.PodNetworkCIDR = DefaultPodNetworkCIDR
	}
	if c.ContainerdURL == "" {
		c.ContainerdURL = DefaultContainerdURL
	}
	if c.RuncURL == "" {
		c.RuncURL = DefaultRuncURL
	}
	if c.CNIPluginsURL == "" {
		c.CNIPluginsURL = DefaultCNIPluginsURL
	}
	if c.ContainerdServiceURL == "" {
		c.ContainerdServiceURL = DefaultContainerdServiceURL
	}
	if c.OverlayManifestURL == "" {
		c.OverlayManifestURL = DefaultOverlayManifestURL
	}
	if len(c.KernelModules) == 0 {
		c.KernelModules = DefaultKernelModules()
	}
	if len(c.Sysctls) == 0 {
		c.Sysctls = DefaultSysctls()
	}
	return c
}

// Validate checks every field and reports all problems at once.
func (c ClusterConfig) Validate() error {
	errs := NewErrorList()

	if !semver.IsValid(c.KubernetesVersion) || semver.Prerelease(c.KubernetesVersion) != "" {
		errs.AddValidation("cluster.kubernetes_version",
			fmt.Sprintf("%q is not a release version", c.KubernetesVersion),
			"Use a full release version such as v1.30.2.")
	} else if semver.Compare(c.KubernetesVersion, MinKubernetesVersion) < 0 {
		errs.AddValidation("cluster.kubernetes_version",
			fmt.Sprintf("%s is older than the oldest supported release %s", c.KubernetesVersion, MinKubernetesVersion),
			"Upgrade the configured version; package repositories for older releases are gone.")
	}

	if _, _, err := net.ParseCIDR(c.PodNetworkCIDR); err != nil {
		errs.AddValidation("cluster.pod_network_cidr", err.Error(), "Use CIDR notation such as 10.244.0.0/16.")
	}

	urls := []struct{ field, value string }{
		{"cluster.containerd_url", c.ContainerdURL},
		{"cluster.runc_url", c.RuncURL},
		{"cluster.cni_plugins_url", c.CNIPluginsURL},
		{"cluster.containerd_service_url", c.ContainerdServiceURL},
		{"cluster.overlay_manifest_url", c.OverlayManifestURL},
	}
	for _, u := range urls {
		if err := validation.ValidateURL(u.value); err != nil {
			errs.AddValidation(u.field, err.Error(), "Use a plain http(s) URL without shell metacharacters.")
		}
	}

	for _, m := range c.KernelModules {
		if err := validation.ValidateKernelModule(m); err != nil {
			errs.AddValidation("cluster.kernel_modules", err.Error(), "Kernel module names contain only letters, digits, '-' and '_'.")
		}
	}
	for _, key := range c.SysctlKeys() {
		if err := validation.ValidateSysctl(key, c.Sysctls[key]); err != nil {
			errs.AddValidation("cluster.sysctls", err.Error(), "Use dotted sysctl keys with simple values.")
		}
	}

	return errs.AsError()
}

// MinKubernetesVersion is the oldest release served by the community
// package repositories.
const MinKubernetesVersion = "v1.24.0"

// MinorVersion returns the major.minor release line, e.g. "v1.30".
func (c ClusterConfig) MinorVersion() string {
	return semver.MajorMinor(c.KubernetesVersion)
}

// PackageVersion returns the version without the "v" prefix, as package
// managers expect it.
func (c ClusterConfig) PackageVersion() string {
	return strings.TrimPrefix(c.KubernetesVersion, "v")
}

// SysctlKeys returns the sysctl keys in sorted order.
func (c ClusterConfig) SysctlKeys() []string {
	keys := make([]string, 0, len(c.Sysctls))
	for k := range c.Sysctls {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParseClusterConfig reads the cluster section of an inventory document.
// Bare host lists have no cluster section and yield the defaults. The
// result has defaults applied but is not validated.
func ParseClusterConfig(data []byte) (ClusterConfig, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return ClusterConfig{}, err
	}

	var doc struct {
		Cluster ClusterConfig `yaml:"cluster"`
	}
	if len(node.Content) > 0 && node.Content[0].Kind == yaml.MappingNode {
		if err := node.Content[0].Decode(&doc); err != nil {
			return ClusterConfig{}, err
		}
	}
	return doc.Cluster.WithDefaults(), nil
}
