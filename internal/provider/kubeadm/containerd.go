package kubeadm

import (
	"github.com/pelletier/go-toml/v2"
)

const (
	containerdConfigPath = "/etc/containerd/config.toml"
	criPlugin            = "io.containerd.grpc.v1.cri"
)

type containerdConfig struct {
	Version int                  `toml:"version"`
	Plugins map[string]criConfig `toml:"plugins"`
}

type criConfig struct {
	SandboxImage string            `toml:"sandbox_image,omitempty"`
	Containerd   containerdRuntime `toml:"containerd"`
}

type containerdRuntime struct {
	DefaultRuntimeName string                   `toml:"default_runtime_name"`
	Runtimes           map[string]runtimeConfig `toml:"runtimes"`
}

type runtimeConfig struct {
	RuntimeType string      `toml:"runtime_type"`
	Options     runcOptions `toml:"options"`
}

type runcOptions struct {
	SystemdCgroup bool `toml:"SystemdCgroup"`
}

// RenderContainerdConfig returns a containerd config.toml that runs
// containers through runc with the systemd cgroup driver, which kubelet
// expects by default.
func RenderContainerdConfig(sandboxImage string) ([]byte, error) {
	cfg := containerdConfig{
		Version: 2,
		Plugins: map[string]criConfig{
			criPlugin: {
				SandboxImage: sandboxImage,
				Containerd: containerdRuntime{
					DefaultRuntimeName: "runc",
					Runtimes: map[string]runtimeConfig{
						"runc": {
							RuntimeType: "io.containerd.runc.v2",
							Options:     runcOptions{SystemdCgroup: true},
						},
					},
				},
			},
		},
	}
	return toml.Marshal(cfg)
}
