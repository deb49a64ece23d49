package fleet

import (
	"errors"
	"fmt"
)

// ErrNoControlPlane is returned for inventories without a control-plane host.
var ErrNoControlPlane = errors.New("inventory has no control-plane host")

// Inventory is the typed, ordered host list loaded once at start. It is
// read-only after construction and safe to share between goroutines.
type Inventory struct {
	hosts []*Host
	byID  map[HostID]*Host
}

// NewInventory validates the hosts and builds an inventory preserving their order.
func NewInventory(hosts []*Host) (*Inventory, error) {
	inv := &Inventory{
		hosts: make([]*Host, 0, len(hosts)),
		byID:  make(map[HostID]*Host, len(hosts)),
	}

	hasControlPlane := false
	for _, h := range hosts {
		if h == nil {
			return nil, fmt.Errorf("host cannot be nil")
		}
		if _, exists := inv.byID[h.ID()]; exists {
			return nil, fmt.Errorf("host %q already exists", h.ID())
		}
		inv.byID[h.ID()] = h
		inv.hosts = append(inv.hosts, h)
		if h.Role() == RoleControlPlane {
			hasControlPlane = true
		}
	}

	if !hasControlPlane {
		return nil, ErrNoControlPlane
	}
	return inv, nil
}

// Hosts returns every host in inventory order.
func (i *Inventory) Hosts() []*Host {
	out := make([]*Host, len(i.hosts))
	copy(out, i.hosts)
	return out
}

// ByRole returns the hosts of one role in inventory order.
func (i *Inventory) ByRole(role Role) []*Host {
	var out []*Host
	for _, h := range i.hosts {
		if h.Role() == role {
			out = append(out, h)
		}
	}
	return out
}

// Get returns a host by ID.
func (i *Inventory) Get(id HostID) (*Host, bool) {
	h, ok := i.byID[id]
	return h, ok
}

// Len returns the number of hosts.
func (i *Inventory) Len() int {
	return len(i.hosts)
}
