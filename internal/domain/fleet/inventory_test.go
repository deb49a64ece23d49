package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHost(t *testing.T, id string, role Role) *Host {
	t.Helper()
	h, err := NewHost(HostID(id), role, SSHConfig{Hostname: id + ".example.internal"})
	require.NoError(t, err)
	return h
}

func TestNewInventory(t *testing.T) {
	t.Parallel()

	cp := mustHost(t, "cp1", RoleControlPlane)
	w1 := mustHost(t, "w1", RoleWorker)
	w2 := mustHost(t, "w2", RoleWorker)

	inv, err := NewInventory([]*Host{w2, cp, w1})
	require.NoError(t, err)

	assert.Equal(t, 3, inv.Len())
	assert.Equal(t, []*Host{w2, cp, w1}, inv.Hosts())
	assert.Equal(t, []*Host{cp}, inv.ByRole(RoleControlPlane))
	assert.Equal(t, []*Host{w2, w1}, inv.ByRole(RoleWorker))

	got, ok := inv.Get("w1")
	assert.True(t, ok)
	assert.Same(t, w1, got)

	_, ok = inv.Get("w9")
	assert.False(t, ok)
}

func TestNewInventory_Errors(t *testing.T) {
	t.Parallel()

	cp := mustHost(t, "cp1", RoleControlPlane)
	w1 := mustHost(t, "w1", RoleWorker)

	_, err := NewInventory([]*Host{w1})
	assert.ErrorIs(t, err, ErrNoControlPlane)

	_, err = NewInventory([]*Host{cp, w1, mustHost(t, "w1", RoleWorker)})
	assert.ErrorContains(t, err, "already exists")

	_, err = NewInventory([]*Host{cp, nil})
	assert.Error(t, err)
}

func TestInventory_HostsIsACopy(t *testing.T) {
	t.Parallel()

	inv, err := NewInventory([]*Host{mustHost(t, "cp1", RoleControlPlane)})
	require.NoError(t, err)

	hosts := inv.Hosts()
	hosts[0] = nil
	assert.NotNil(t, inv.Hosts()[0])
}
