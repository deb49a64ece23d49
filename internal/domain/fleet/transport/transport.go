// Package transport provides remote execution transports for cluster hosts.
package transport

import (
	"context"
	"io"
	"io/fs"
	"sync"
	"time"

	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet"
)

// CommandResult holds the result of a remote command execution.
type CommandResult struct {
	// ExitCode is the command's exit code.
	ExitCode int
	// Stdout is the standard output.
	Stdout []byte
	// Stderr is the standard error output.
	Stderr []byte
	// Duration is how long the command took.
	Duration time.Duration
}

// Success returns true if the command exited with code 0.
func (r *CommandResult) Success() bool {
	return r.ExitCode == 0
}

// CombinedOutput returns stdout and stderr combined.
func (r *CommandResult) CombinedOutput() []byte {
	result := make([]byte, 0, len(r.Stdout)+len(r.Stderr))
	result = append(result, r.Stdout...)
	result = append(result, r.Stderr...)
	return result
}

// Connection represents an active connection to a remote host.
type Connection interface {
	// Host returns the connected host.
	Host() *fleet.Host

	// Run executes a command and returns the result.
	Run(ctx context.Context, cmd string) (*CommandResult, error)

	// RunWithInput executes a command with stdin input.
	RunWithInput(ctx context.Context, cmd string, stdin io.Reader) (*CommandResult, error)

	// Upload transfers a local file to the remote host with the given mode.
	Upload(ctx context.Context, localPath, remotePath string, mode fs.FileMode) error

	// Close closes the connection.
	Close() error
}

// Transport defines the interface for remote execution transports.
type Transport interface {
	// Name returns the transport name (e.g., "ssh", "local").
	Name() string

	// Connect establishes a connection to a host.
	Connect(ctx context.Context, host *fleet.Host) (Connection, error)
}

// RoutedTransport dials each host through the transport its inventory
// entry selects: SSH by default, local for in-place single-node setups.
type RoutedTransport struct {
	ssh   Transport
	local Transport
}

// NewRoutedTransport creates a transport that routes by fleet.TransportKind.
func NewRoutedTransport(ssh, local Transport) *RoutedTransport {
	return &RoutedTransport{ssh: ssh, local: local}
}

// Name returns "routed".
func (t *RoutedTransport) Name() string {
	return "routed"
}

// Connect dials host through the transport it selects.
func (t *RoutedTransport) Connect(ctx context.Context, host *fleet.Host) (Connection, error) {
	if host.Transport() == fleet.TransportLocal {
		return t.local.Connect(ctx, host)
	}
	return t.ssh.Connect(ctx, host)
}

// ConnectionPool keeps one connection per host. It is safe for concurrent
// use; connects to different hosts proceed in parallel.
type ConnectionPool struct {
	transport Transport

	mu          sync.Mutex
	connections map[fleet.HostID]Connection
	dialing     map[fleet.HostID]*sync.Mutex
}

// NewConnectionPool creates a new connection pool.
func NewConnectionPool(transport Transport) *ConnectionPool {
	return &ConnectionPool{
		transport:   transport,
		connections: make(map[fleet.HostID]Connection),
		dialing:     make(map[fleet.HostID]*sync.Mutex),
	}
}

// Get returns the pooled connection for the host, creating one if needed.
func (p *ConnectionPool) Get(ctx context.Context, host *fleet.Host) (Connection, error) {
	p.mu.Lock()
	if conn, ok := p.connections[host.ID()]; ok {
		p.mu.Unlock()
		return conn, nil
	}
	hostMu, ok := p.dialing[host.ID()]
	if !ok {
		hostMu = &sync.Mutex{}
		p.dialing[host.ID()] = hostMu
	}
	p.mu.Unlock()

	hostMu.Lock()
	defer hostMu.Unlock()

	p.mu.Lock()
	if conn, ok := p.connections[host.ID()]; ok {
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := p.transport.Connect(ctx, host)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.connections[host.ID()] = conn
	p.mu.Unlock()
	return conn, nil
}

// Discard closes and forgets the host's connection, e.g. after a broken session.
func (p *ConnectionPool) Discard(host *fleet.Host) {
	p.mu.Lock()
	conn, ok := p.connections[host.ID()]
	delete(p.connections, host.ID())
	p.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// Close closes all connections in the pool.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	conns := p.connections
	p.connections = make(map[fleet.HostID]Connection)
	p.mu.Unlock()

	var lastErr error
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Size returns the number of connections in the pool.
func (p *ConnectionPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connections)
}
