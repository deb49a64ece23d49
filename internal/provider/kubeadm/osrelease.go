package kubeadm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet/execution"
	"gopkg.in/ini.v1"
)

// ErrUnsupportedOS is returned for distributions without an apt or dnf
// package manager.
var ErrUnsupportedOS = errors.New("unsupported operating system")

// PackageManager is the host package manager family.
type PackageManager string

const (
	// PackageManagerApt covers Debian and Ubuntu.
	PackageManagerApt PackageManager = "apt"
	// PackageManagerDnf covers RHEL, Fedora and their rebuilds.
	PackageManagerDnf PackageManager = "dnf"
)

// OSRelease holds the /etc/os-release fields the catalog needs.
type OSRelease struct {
	ID        string
	IDLike    []string
	VersionID string
	Name      string
}

// ParseOSRelease parses the contents of /etc/os-release.
func ParseOSRelease(data []byte) (OSRelease, error) {
	cfg, err := ini.Load(data)
	if err != nil {
		return OSRelease{}, fmt.Errorf("failed to parse os-release: %w", err)
	}
	section := cfg.Section("")
	rel := OSRelease{
		ID:        strings.ToLower(section.Key("ID").String()),
		IDLike:    strings.Fields(strings.ToLower(section.Key("ID_LIKE").String())),
		VersionID: section.Key("VERSION_ID").String(),
		Name:      section.Key("PRETTY_NAME").String(),
	}
	if rel.ID == "" {
		return OSRelease{}, fmt.Errorf("failed to parse os-release: no ID field")
	}
	return rel, nil
}

// PackageManager returns the package manager family of the distribution.
func (r OSRelease) PackageManager() (PackageManager, error) {
	for _, id := range append([]string{r.ID}, r.IDLike...) {
		switch id {
		case "debian", "ubuntu":
			return PackageManagerApt, nil
		case "rhel", "fedora", "centos", "rocky", "almalinux":
			return PackageManagerDnf, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedOS, r.ID)
}

// osFacts caches the os-release of each host for the lifetime of a catalog.
type osFacts struct {
	mu    sync.Mutex
	hosts map[fleet.HostID]OSRelease
}

func newOSFacts() *osFacts {
	return &osFacts{hosts: make(map[fleet.HostID]OSRelease)}
}

// packageManager reads /etc/os-release on the env's host. An unsupported
// distribution is a permanent failure.
func (f *osFacts) packageManager(ctx context.Context, env execution.Env) (PackageManager, error) {
	rel, err := f.release(ctx, env)
	if err != nil {
		return "", err
	}
	pm, err := rel.PackageManager()
	if err != nil {
		return "", execution.Permanent(err)
	}
	return pm, nil
}

func (f *osFacts) release(ctx context.Context, env execution.Env) (OSRelease, error) {
	id := env.Host.ID()
	f.mu.Lock()
	rel, ok := f.hosts[id]
	f.mu.Unlock()
	if ok {
		return rel, nil
	}

	out, err := execution.RunChecked(ctx, env, "cat /etc/os-release")
	if err != nil {
		return OSRelease{}, err
	}
	rel, err = ParseOSRelease([]byte(out.Stdout))
	if err != nil {
		return OSRelease{}, execution.Permanent(err)
	}

	f.mu.Lock()
	f.hosts[id] = rel
	f.mu.Unlock()
	return rel, nil
}
