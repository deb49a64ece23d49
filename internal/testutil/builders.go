package testutil

import (
	"fmt"
	"testing"

	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet"
	"github.com/stretchr/testify/require"
)

// Host builds a host whose address is derived from its ID.
func Host(t testing.TB, id string, role fleet.Role) *fleet.Host {
	t.Helper()
	h, err := fleet.NewHost(fleet.HostID(id), role, fleet.SSHConfig{Hostname: id + ".cluster.test"})
	require.NoError(t, err)
	return h
}

// InventoryBuilder builds test inventories in declaration order.
type InventoryBuilder struct {
	t     testing.TB
	hosts []*fleet.Host
}

// NewInventoryBuilder creates a new inventory builder.
func NewInventoryBuilder(t testing.TB) *InventoryBuilder {
	return &InventoryBuilder{t: t}
}

// ControlPlane adds control-plane hosts.
func (b *InventoryBuilder) ControlPlane(ids ...string) *InventoryBuilder {
	for _, id := range ids {
		b.hosts = append(b.hosts, Host(b.t, id, fleet.RoleControlPlane))
	}
	return b
}

// Workers adds worker hosts.
func (b *InventoryBuilder) Workers(ids ...string) *InventoryBuilder {
	for _, id := range ids {
		b.hosts = append(b.hosts, Host(b.t, id, fleet.RoleWorker))
	}
	return b
}

// NumberedWorkers adds n workers named w1..wn.
func (b *InventoryBuilder) NumberedWorkers(n int) *InventoryBuilder {
	for i := 1; i <= n; i++ {
		b.Workers(fmt.Sprintf("w%d", i))
	}
	return b
}

// Build returns the inventory, failing the test on validation errors.
func (b *InventoryBuilder) Build() *fleet.Inventory {
	b.t.Helper()
	inv, err := fleet.NewInventory(b.hosts)
	require.NoError(b.t, err)
	return inv
}
