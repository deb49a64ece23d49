package fleet

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// HostID is a unique identifier for a host within the inventory.
type HostID string

// hostIDPattern validates host IDs: names or IP-like labels with hyphens, dots and underscores.
var hostIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,62}$`)

// NewHostID creates a new host ID, validating the format.
func NewHostID(id string) (HostID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("host ID cannot be empty")
	}
	if !hostIDPattern.MatchString(id) {
		return "", fmt.Errorf("invalid host ID %q: must be alphanumeric with hyphens/dots/underscores, 1-63 chars", id)
	}
	return HostID(id), nil
}

// String returns the host ID as a string.
func (h HostID) String() string {
	return string(h)
}

// Role is the part a host plays in the cluster.
type Role string

const (
	// RoleControlPlane hosts run the cluster's coordination services.
	RoleControlPlane Role = "control-plane"
	// RoleWorker hosts run workloads and join an existing control plane.
	RoleWorker Role = "worker"
)

// Roles returns every role in bootstrap order.
func Roles() []Role {
	return []Role{RoleControlPlane, RoleWorker}
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.TrimSpace(s)); r {
	case RoleControlPlane, RoleWorker:
		return r, nil
	default:
		return "", fmt.Errorf("invalid role %q: must be %q or %q", s, RoleControlPlane, RoleWorker)
	}
}

func (r Role) String() string {
	return string(r)
}

// TransportKind names how a host is reached.
type TransportKind string

const (
	// TransportSSH reaches the host over SSH. It is the default.
	TransportSSH TransportKind = "ssh"
	// TransportLocal runs commands on the machine running the bootstrap,
	// for single-node clusters provisioned in place.
	TransportLocal TransportKind = "local"
)

// ParseTransportKind validates a transport name. Empty means ssh.
func ParseTransportKind(s string) (TransportKind, error) {
	switch k := TransportKind(strings.TrimSpace(s)); k {
	case "":
		return TransportSSH, nil
	case TransportSSH, TransportLocal:
		return k, nil
	default:
		return "", fmt.Errorf("invalid transport %q: must be %q or %q", s, TransportSSH, TransportLocal)
	}
}

// SSHConfig holds SSH connection configuration for a host.
type SSHConfig struct {
	// Hostname is the SSH hostname or IP address.
	Hostname string `yaml:"hostname" json:"hostname"`
	// User is the SSH username.
	User string `yaml:"user" json:"user"`
	// Port is the SSH port (default 22).
	Port int `yaml:"port" json:"port"`
	// IdentityFile is the path to the SSH private key.
	IdentityFile string `yaml:"ssh_key" json:"ssh_key"`
	// ProxyJump is an optional jump host.
	ProxyJump string `yaml:"proxy_jump,omitempty" json:"proxy_jump,omitempty"`
	// ConnectTimeout is the connection timeout.
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty" json:"connect_timeout,omitempty"`
}

// Validate validates the SSH configuration.
func (c SSHConfig) Validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535")
	}
	return nil
}

// WithDefaults returns a copy with default values applied.
func (c SSHConfig) WithDefaults() SSHConfig {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.User == "" {
		c.User = "root"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	return c
}

// Merge fills the zero fields of c from defaults.
func (c SSHConfig) Merge(defaults SSHConfig) SSHConfig {
	if c.User == "" {
		c.User = defaults.User
	}
	if c.Port == 0 {
		c.Port = defaults.Port
	}
	if c.IdentityFile == "" {
		c.IdentityFile = defaults.IdentityFile
	}
	if c.ProxyJump == "" {
		c.ProxyJump = defaults.ProxyJump
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaults.ConnectTimeout
	}
	return c
}

// Host is a machine in the cluster inventory. It is immutable once built;
// the SSH settings are the opaque reachability handle for the transport.
type Host struct {
	id        HostID
	role      Role
	ssh       SSHConfig
	transport TransportKind
}

// HostOption configures a Host at construction.
type HostOption func(*Host)

// WithTransport selects how the host is reached.
func WithTransport(kind TransportKind) HostOption {
	return func(h *Host) {
		h.transport = kind
	}
}

// NewHost creates a host with the given identity, role and SSH configuration.
func NewHost(id HostID, role Role, ssh SSHConfig, opts ...HostOption) (*Host, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return nil, err
	}
	ssh = ssh.WithDefaults()
	if err := ssh.Validate(); err != nil {
		return nil, fmt.Errorf("invalid SSH config: %w", err)
	}
	h := &Host{id: id, role: role, ssh: ssh, transport: TransportSSH}
	for _, opt := range opts {
		opt(h)
	}
	kind, err := ParseTransportKind(string(h.transport))
	if err != nil {
		return nil, err
	}
	h.transport = kind
	return h, nil
}

// ID returns the host's unique identifier.
func (h *Host) ID() HostID {
	return h.id
}

// Name returns the identifier as a plain string.
func (h *Host) Name() string {
	return string(h.id)
}

// Address returns the network address used to reach the host.
func (h *Host) Address() string {
	return h.ssh.Hostname
}

// Role returns the host's cluster role.
func (h *Host) Role() Role {
	return h.role
}

// SSH returns the SSH configuration.
func (h *Host) SSH() SSHConfig {
	return h.ssh
}

// Transport returns how the host is reached.
func (h *Host) Transport() TransportKind {
	return h.transport
}

func (h *Host) String() string {
	return fmt.Sprintf("%s (%s, %s)", h.id, h.ssh.Hostname, h.role)
}

// HostSummary is a read-only summary of a host.
type HostSummary struct {
	ID       HostID `json:"id" yaml:"id"`
	Address  string `json:"address" yaml:"address"`
	Role     Role   `json:"role" yaml:"role"`
	User     string `json:"user" yaml:"user"`
	Port     int    `json:"port" yaml:"port"`
	ProxyVia string `json:"proxy_jump,omitempty" yaml:"proxy_jump,omitempty"`
}

// Summary returns a read-only summary of the host.
func (h *Host) Summary() HostSummary {
	return HostSummary{
		ID:       h.id,
		Address:  h.ssh.Hostname,
		Role:     h.role,
		User:     h.ssh.User,
		Port:     h.ssh.Port,
		ProxyVia: h.ssh.ProxyJump,
	}
}
