package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet"
)

// LocalTransport runs commands on the machine running the bootstrap. It
// serves inventory hosts declared with transport: local.
type LocalTransport struct{}

// NewLocalTransport creates a new local transport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{}
}

// Name returns "local".
func (t *LocalTransport) Name() string {
	return "local"
}

// Connect returns a local connection (no actual connection needed).
func (t *LocalTransport) Connect(_ context.Context, host *fleet.Host) (Connection, error) {
	return &LocalConnection{host: host}, nil
}

// LocalConnection implements Connection for local execution.
type LocalConnection struct {
	host *fleet.Host
}

// Host returns the host.
func (c *LocalConnection) Host() *fleet.Host {
	return c.host
}

// Run executes a command locally.
func (c *LocalConnection) Run(ctx context.Context, cmdStr string) (*CommandResult, error) {
	return c.RunWithInput(ctx, cmdStr, nil)
}

// RunWithInput executes a command with stdin.
func (c *LocalConnection) RunWithInput(ctx context.Context, cmdStr string, stdin io.Reader) (*CommandResult, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, "sh", "-c", cmdStr)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = stdin
	}

	err := cmd.Run()
	result := &CommandResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, err
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

// Upload copies a file on the local filesystem.
func (c *LocalConnection) Upload(_ context.Context, localPath, remotePath string, mode fs.FileMode) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read source file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(remotePath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(remotePath, data, mode); err != nil {
		return fmt.Errorf("failed to write destination file: %w", err)
	}
	return os.Chmod(remotePath, mode)
}

// Close is a no-op for local connections.
func (c *LocalConnection) Close() error {
	return nil
}
