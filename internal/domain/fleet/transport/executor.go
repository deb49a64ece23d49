package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet"
	"github.com/felixgeelhaar/kubeboot/internal/validation"
)

// RemoteExecutor is the narrow remote-execution collaborator steps act through.
type RemoteExecutor interface {
	// RunCommand runs a shell command on the host, bounded by timeout when positive.
	// A non-zero exit code is reported in the result, not as an error.
	RunCommand(ctx context.Context, host *fleet.Host, command string, timeout time.Duration) (*CommandResult, error)

	// CopyFile copies a local file to remotePath on the host with the given mode.
	CopyFile(ctx context.Context, host *fleet.Host, localPath, remotePath string, mode fs.FileMode) error

	// FetchURL makes the host download url into destPath.
	FetchURL(ctx context.Context, host *fleet.Host, url, destPath string) error
}

// ErrConnection marks failures to reach a host, as opposed to command failures.
var ErrConnection = errors.New("host unreachable")

// PooledExecutor implements RemoteExecutor over a Transport, keeping one
// connection per host for the duration of a run.
type PooledExecutor struct {
	pool         *ConnectionPool
	fetchTimeout time.Duration
}

// NewPooledExecutor creates an executor that dials hosts through t.
func NewPooledExecutor(t Transport) *PooledExecutor {
	return &PooledExecutor{
		pool:         NewConnectionPool(t),
		fetchTimeout: 10 * time.Minute,
	}
}

// RunCommand implements RemoteExecutor.
func (e *PooledExecutor) RunCommand(ctx context.Context, host *fleet.Host, command string, timeout time.Duration) (*CommandResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := e.pool.Get(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnection, host.ID(), err)
	}

	result, err := conn.Run(ctx, command)
	if err != nil {
		if ctx.Err() == nil {
			// The session broke; redial on the next call.
			e.pool.Discard(host)
		}
		return nil, err
	}
	return result, nil
}

// CopyFile implements RemoteExecutor.
func (e *PooledExecutor) CopyFile(ctx context.Context, host *fleet.Host, localPath, remotePath string, mode fs.FileMode) error {
	if err := validation.ValidateRemotePath(remotePath); err != nil {
		return err
	}
	conn, err := e.pool.Get(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConnection, host.ID(), err)
	}
	return conn.Upload(ctx, localPath, remotePath, mode)
}

// FetchURL implements RemoteExecutor. The host downloads with curl into a
// temporary file that is renamed on success, so a partial download never
// sits at destPath.
func (e *PooledExecutor) FetchURL(ctx context.Context, host *fleet.Host, url, destPath string) error {
	if err := validation.ValidateURL(url); err != nil {
		return err
	}
	if err := validation.ValidateRemotePath(destPath); err != nil {
		return err
	}
	result, err := e.RunCommand(ctx, host, FetchCommand(url, destPath), e.fetchTimeout)
	if err != nil {
		return err
	}
	if !result.Success() {
		return fmt.Errorf("fetch %s exited with code %d: %s", url, result.ExitCode, string(result.Stderr))
	}
	return nil
}

// FetchCommand renders the shell command FetchURL runs on the host.
func FetchCommand(url, destPath string) string {
	dest := validation.ShellQuote(destPath)
	tmp := validation.ShellQuote(destPath + ".part")
	return fmt.Sprintf("mkdir -p \"$(dirname %s)\" && curl -fsSL --retry 3 -o %s %s && mv -f %s %s",
		dest, tmp, validation.ShellQuote(url), tmp, dest)
}

// Close closes every pooled connection.
func (e *PooledExecutor) Close() error {
	return e.pool.Close()
}

var _ RemoteExecutor = (*PooledExecutor)(nil)
