package transport

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet"
	"github.com/felixgeelhaar/kubeboot/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestHost(t *testing.T, id string) *fleet.Host {
	t.Helper()
	host, err := fleet.NewHost(fleet.HostID(id), fleet.RoleWorker, fleet.SSHConfig{Hostname: "localhost"})
	require.NoError(t, err)
	return host
}

func TestCommandResult(t *testing.T) {
	t.Parallel()

	ok := &CommandResult{Stdout: []byte("out"), Stderr: []byte("err")}
	assert.True(t, ok.Success())
	assert.Equal(t, "outerr", string(ok.CombinedOutput()))

	failed := &CommandResult{ExitCode: 2}
	assert.False(t, failed.Success())
}

func TestLocalConnection_Run(t *testing.T) {
	t.Parallel()

	conn, err := NewLocalTransport().Connect(context.Background(), createTestHost(t, "local"))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	result, err := conn.Run(context.Background(), "echo hello; echo oops >&2; exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, "hello\n", string(result.Stdout))
	assert.Equal(t, "oops\n", string(result.Stderr))
}

func TestLocalConnection_RunCancelled(t *testing.T) {
	t.Parallel()

	conn, err := NewLocalTransport().Connect(context.Background(), createTestHost(t, "local"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = conn.Run(ctx, "sleep 5")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalConnection_Upload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src.toml")
	require.NoError(t, os.WriteFile(src, []byte("version = 2\n"), 0o600))

	conn, err := NewLocalTransport().Connect(context.Background(), createTestHost(t, "local"))
	require.NoError(t, err)

	dst := filepath.Join(dir, "etc", "containerd", "config.toml")
	require.NoError(t, conn.Upload(context.Background(), src, dst, 0o640))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "version = 2\n", string(data))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

type countingTransport struct {
	connects atomic.Int32
	fail     bool
}

func (c *countingTransport) Name() string { return "counting" }

func (c *countingTransport) Connect(_ context.Context, host *fleet.Host) (Connection, error) {
	c.connects.Add(1)
	if c.fail {
		return nil, errors.New("dial tcp: connection refused")
	}
	return &LocalConnection{host: host}, nil
}

func TestConnectionPool_ReusesConnections(t *testing.T) {
	t.Parallel()

	tr := &countingTransport{}
	pool := NewConnectionPool(tr)
	hostA := createTestHost(t, "a")
	hostB := createTestHost(t, "b")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := hostA
			if i%2 == 1 {
				h = hostB
			}
			_, err := pool.Get(context.Background(), h)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(2), tr.connects.Load())
	assert.Equal(t, 2, pool.Size())

	pool.Discard(hostA)
	assert.Equal(t, 1, pool.Size())
	_, err := pool.Get(context.Background(), hostA)
	require.NoError(t, err)
	assert.Equal(t, int32(3), tr.connects.Load())

	require.NoError(t, pool.Close())
	assert.Equal(t, 0, pool.Size())
}

func TestRoutedTransport_Connect(t *testing.T) {
	t.Parallel()

	remoteHost := createTestHost(t, "cp1")
	localHost, err := fleet.NewHost("node", fleet.RoleControlPlane, fleet.SSHConfig{Hostname: "localhost"},
		fleet.WithTransport(fleet.TransportLocal))
	require.NoError(t, err)

	tests := []struct {
		name      string
		host      *fleet.Host
		wantSSH   int32
		wantLocal int32
	}{
		{name: "ssh by default", host: remoteHost, wantSSH: 1},
		{name: "local when selected", host: localHost, wantLocal: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ssh, local := &countingTransport{}, &countingTransport{}
			conn, err := NewRoutedTransport(ssh, local).Connect(context.Background(), tt.host)
			require.NoError(t, err)
			assert.Equal(t, tt.host, conn.Host())
			assert.Equal(t, tt.wantSSH, ssh.connects.Load())
			assert.Equal(t, tt.wantLocal, local.connects.Load())
		})
	}
}

func TestPooledExecutor_RoutesLocalHosts(t *testing.T) {
	t.Parallel()

	host, err := fleet.NewHost("node", fleet.RoleControlPlane, fleet.SSHConfig{Hostname: "localhost"},
		fleet.WithTransport(fleet.TransportLocal))
	require.NoError(t, err)
	ssh := &countingTransport{fail: true}
	exec := NewPooledExecutor(NewRoutedTransport(ssh, NewLocalTransport()))
	defer func() { _ = exec.Close() }()

	result, err := exec.RunCommand(context.Background(), host, "printf in-place", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "in-place", string(result.Stdout))
	assert.Zero(t, ssh.connects.Load())
}

func TestPooledExecutor_RunCommand(t *testing.T) {
	t.Parallel()

	exec := NewPooledExecutor(NewLocalTransport())
	defer func() { _ = exec.Close() }()
	host := createTestHost(t, "local")

	result, err := exec.RunCommand(context.Background(), host, "printf ok", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(result.Stdout))

	_, err = exec.RunCommand(context.Background(), host, "sleep 5", 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPooledExecutor_ConnectionFailure(t *testing.T) {
	t.Parallel()

	exec := NewPooledExecutor(&countingTransport{fail: true})
	_, err := exec.RunCommand(context.Background(), createTestHost(t, "down"), "true", 0)
	assert.ErrorIs(t, err, ErrConnection)
}

func TestPooledExecutor_RejectsUnsafeInput(t *testing.T) {
	t.Parallel()

	exec := NewPooledExecutor(NewLocalTransport())
	host := createTestHost(t, "local")

	err := exec.FetchURL(context.Background(), host, "https://example.com/$(reboot)", "/tmp/x")
	assert.ErrorIs(t, err, validation.ErrInvalidURL)

	err = exec.FetchURL(context.Background(), host, "https://example.com/a.tgz", "/tmp/../etc/passwd")
	assert.ErrorIs(t, err, validation.ErrPathTraversal)

	err = exec.CopyFile(context.Background(), host, "/dev/null", "relative/path", 0o644)
	assert.ErrorIs(t, err, validation.ErrInvalidPath)
}

func TestFetchCommand(t *testing.T) {
	t.Parallel()

	cmd := FetchCommand("https://example.com/cni.tgz", "/opt/cni/cni.tgz")
	assert.Equal(t,
		`mkdir -p "$(dirname '/opt/cni/cni.tgz')" && curl -fsSL --retry 3 -o '/opt/cni/cni.tgz.part' 'https://example.com/cni.tgz' && mv -f '/opt/cni/cni.tgz.part' '/opt/cni/cni.tgz'`,
		cmd)
}

func TestNewSSHTransport(t *testing.T) {
	t.Parallel()

	tr := NewSSHTransport()
	assert.Equal(t, "ssh", tr.Name())
	assert.Equal(t, 30*time.Second, tr.DefaultTimeout)
	assert.Len(t, tr.IdentityFiles, 2)

	tr.KnownHostsFile = filepath.Join(t.TempDir(), "missing")
	_, err := tr.hostKeyCallback()
	assert.Error(t, err)
}
