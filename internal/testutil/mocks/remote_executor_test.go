package mocks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func host(t *testing.T, id string) *fleet.Host {
	t.Helper()
	h, err := fleet.NewHost(fleet.HostID(id), fleet.RoleWorker, fleet.SSHConfig{Hostname: id})
	require.NoError(t, err)
	return h
}

func TestRemoteExecutor_Scripting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w1, w2 := host(t, "w1"), host(t, "w2")
	boom := errors.New("boom")

	m := NewRemoteExecutor().
		FailCommand("w1", "kubeadm join", boom, 1).
		OnCommand("", "hostname", transport.CommandResult{Stdout: []byte("node\n")}).
		FailHost("w2", boom)

	_, err := m.RunCommand(ctx, w1, "kubeadm join x", 0)
	assert.ErrorIs(t, err, boom)

	res, err := m.RunCommand(ctx, w1, "kubeadm join x", 0)
	require.NoError(t, err)
	assert.True(t, res.Success())

	res, err = m.RunCommand(ctx, w1, "hostname", 0)
	require.NoError(t, err)
	assert.Equal(t, "node\n", string(res.Stdout))

	assert.ErrorIs(t, m.FetchURL(ctx, w2, "https://example.com/a", "/tmp/a"), boom)
	require.NoError(t, m.CopyFile(ctx, w1, "/tmp/src", "/etc/dst", 0o644))

	assert.Equal(t, []string{"kubeadm join x", "kubeadm join x", "hostname", "copy /etc/dst"}, m.Commands("w1"))
	assert.Equal(t, 2, m.CountMatching("w1", "kubeadm join"))
	assert.Len(t, m.Calls(), 5)

	m.Reset()
	assert.Empty(t, m.Calls())
}

func TestRemoteExecutor_HookHonoursTimeout(t *testing.T) {
	t.Parallel()

	m := NewRemoteExecutor().OnCommandFunc("", "sleep", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	_, err := m.RunCommand(context.Background(), host(t, "w1"), "sleep 600", 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
