package fleet

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInventoryFormat is returned when the inventory document has neither
// supported shape.
var ErrInventoryFormat = errors.New("inventory must be a host list or a document with a hosts key")

// HostEntry is one host in an inventory file.
type HostEntry struct {
	Name      string `yaml:"name,omitempty"`
	Address   string `yaml:"address"`
	Role      string `yaml:"role"`
	User      string `yaml:"user,omitempty"`
	Port      int    `yaml:"port,omitempty"`
	SSHKey    string `yaml:"ssh_key,omitempty"`
	ProxyJump string `yaml:"proxy_jump,omitempty"`
	// Transport is "ssh" (default) or "local".
	Transport string `yaml:"transport,omitempty"`
}

// InventoryFile is the on-disk inventory. It accepts either a bare list of
// {address, role} entries or a document with defaults and hosts keys.
type InventoryFile struct {
	Defaults SSHConfig   `yaml:"defaults,omitempty"`
	Hosts    []HostEntry `yaml:"hosts"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *InventoryFile) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		return node.Decode(&f.Hosts)
	case yaml.MappingNode:
		type plain InventoryFile
		var doc plain
		if err := node.Decode(&doc); err != nil {
			return err
		}
		*f = InventoryFile(doc)
		return nil
	default:
		return ErrInventoryFormat
	}
}

// ParseInventoryFile decodes an inventory document.
func ParseInventoryFile(data []byte) (*InventoryFile, error) {
	var f InventoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadInventoryFile reads and decodes an inventory document from path.
func LoadInventoryFile(path string) (*InventoryFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseInventoryFile(data)
}

// ToInventory validates the entries and builds the typed inventory. Hosts
// without a name are identified by their address.
func (f *InventoryFile) ToInventory() (*Inventory, error) {
	if len(f.Hosts) == 0 {
		return nil, fmt.Errorf("inventory has no hosts")
	}

	hosts := make([]*Host, 0, len(f.Hosts))
	for i, e := range f.Hosts {
		name := e.Name
		if name == "" {
			name = e.Address
		}
		id, err := NewHostID(name)
		if err != nil {
			return nil, fmt.Errorf("hosts[%d]: %w", i, err)
		}
		if e.Address == "" {
			return nil, fmt.Errorf("hosts[%d] (%s): address is required", i, id)
		}
		role, err := ParseRole(e.Role)
		if err != nil {
			return nil, fmt.Errorf("hosts[%d] (%s): %w", i, id, err)
		}
		kind, err := ParseTransportKind(e.Transport)
		if err != nil {
			return nil, fmt.Errorf("hosts[%d] (%s): %w", i, id, err)
		}
		ssh := SSHConfig{
			Hostname:     e.Address,
			User:         e.User,
			Port:         e.Port,
			IdentityFile: e.SSHKey,
			ProxyJump:    e.ProxyJump,
		}.Merge(f.Defaults)
		h, err := NewHost(id, role, ssh, WithTransport(kind))
		if err != nil {
			return nil, fmt.Errorf("hosts[%d] (%s): %w", i, id, err)
		}
		hosts = append(hosts, h)
	}

	return NewInventory(hosts)
}
