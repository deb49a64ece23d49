package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHTransport implements Transport using SSH, with SFTP for file copies.
type SSHTransport struct {
	// DefaultTimeout is the default connection timeout.
	DefaultTimeout time.Duration
	// IdentityFiles are default identity file paths to try.
	IdentityFiles []string
	// KnownHostsFile enables host key verification when set.
	KnownHostsFile string
}

// NewSSHTransport creates a new SSH transport with defaults.
func NewSSHTransport() *SSHTransport {
	homeDir, _ := os.UserHomeDir()
	return &SSHTransport{
		DefaultTimeout: 30 * time.Second,
		IdentityFiles: []string{
			filepath.Join(homeDir, ".ssh", "id_ed25519"),
			filepath.Join(homeDir, ".ssh", "id_rsa"),
		},
	}
}

// Name returns "ssh".
func (t *SSHTransport) Name() string {
	return "ssh"
}

// Connect establishes an SSH connection to the host.
func (t *SSHTransport) Connect(ctx context.Context, host *fleet.Host) (Connection, error) {
	sshCfg := host.SSH()

	authMethods, err := t.buildAuthMethods(sshCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build auth methods: %w", err)
	}

	hostKeyCallback, err := t.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	timeout := sshCfg.ConnectTimeout
	if timeout == 0 {
		timeout = t.DefaultTimeout
	}

	config := &ssh.ClientConfig{
		User:            sshCfg.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(sshCfg.Hostname, fmt.Sprintf("%d", sshCfg.Port))

	var client *ssh.Client
	if sshCfg.ProxyJump != "" {
		client, err = t.connectViaProxy(ctx, addr, config, sshCfg.ProxyJump)
	} else {
		client, err = t.dial(ctx, addr, config)
	}
	if err != nil {
		return nil, err
	}

	return &SSHConnection{host: host, client: client}, nil
}

func (t *SSHTransport) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if t.KnownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // freshly provisioned hosts have no known keys yet
	}
	cb, err := knownhosts.New(expandHome(t.KnownHostsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts %s: %w", t.KnownHostsFile, err)
	}
	return cb, nil
}

func (t *SSHTransport) buildAuthMethods(cfg fleet.SSHConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.IdentityFile != "" {
		signer, err := loadPrivateKey(cfg.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load identity file %s: %w", cfg.IdentityFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	for _, p := range t.IdentityFiles {
		signer, err := loadPrivateKey(p)
		if err == nil {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	if agentAuth := sshAgentAuth(); agentAuth != nil {
		methods = append(methods, agentAuth)
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no authentication methods available")
	}
	return methods, nil
}

func loadPrivateKey(p string) (ssh.Signer, error) {
	key, err := os.ReadFile(expandHome(p))
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(key)
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, p[2:])
	}
	return p
}

func sshAgentAuth() ssh.AuthMethod {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers)
}

func (t *SSHTransport) dial(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := &net.Dialer{Timeout: config.Timeout}

	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("SSH handshake failed: %w", err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (t *SSHTransport) connectViaProxy(ctx context.Context, addr string, config *ssh.ClientConfig, proxyJump string) (*ssh.Client, error) {
	if _, _, err := net.SplitHostPort(proxyJump); err != nil {
		proxyJump = net.JoinHostPort(proxyJump, "22")
	}
	proxyClient, err := t.dial(ctx, proxyJump, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy %s: %w", proxyJump, err)
	}

	netConn, err := proxyClient.DialContext(ctx, "tcp", addr)
	if err != nil {
		_ = proxyClient.Close()
		return nil, fmt.Errorf("failed to dial through proxy: %w", err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		_ = proxyClient.Close()
		return nil, fmt.Errorf("SSH handshake via proxy failed: %w", err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// SSHConnection implements Connection using SSH.
type SSHConnection struct {
	host   *fleet.Host
	client *ssh.Client

	sftpOnce sync.Once
	sftp     *sftp.Client
	sftpErr  error
}

// Host returns the connected host.
func (c *SSHConnection) Host() *fleet.Host {
	return c.host
}

// Run executes a command on the remote host.
func (c *SSHConnection) Run(ctx context.Context, cmd string) (*CommandResult, error) {
	return c.RunWithInput(ctx, cmd, nil)
}

// RunWithInput executes a command with stdin. A non-zero exit status is
// reported in the result, not as an error.
func (c *SSHConnection) RunWithInput(ctx context.Context, cmd string, stdin io.Reader) (*CommandResult, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		return nil, ctx.Err()
	case err := <-done:
		result := &CommandResult{
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			Duration: time.Since(start),
		}
		if err != nil {
			var exitErr *ssh.ExitError
			if !errors.As(err, &exitErr) {
				return nil, err
			}
			result.ExitCode = exitErr.ExitStatus()
		}
		return result, nil
	}
}

func (c *SSHConnection) sftpClient() (*sftp.Client, error) {
	c.sftpOnce.Do(func() {
		c.sftp, c.sftpErr = sftp.NewClient(c.client)
		if c.sftpErr != nil {
			c.sftpErr = fmt.Errorf("failed to create SFTP client: %w", c.sftpErr)
		}
	})
	return c.sftp, c.sftpErr
}

// Upload copies a local file to the remote host over SFTP.
func (c *SSHConnection) Upload(ctx context.Context, localPath, remotePath string, mode fs.FileMode) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer func() { _ = src.Close() }()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}

	tmpPath := remotePath + ".kubeboot-tmp"
	dst, err := client.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}

	copyDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(dst, src)
		copyDone <- err
	}()

	select {
	case <-ctx.Done():
		_ = dst.Close()
		_ = client.Remove(tmpPath)
		return ctx.Err()
	case err := <-copyDone:
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = client.Remove(tmpPath)
			return fmt.Errorf("failed to write remote file: %w", err)
		}
	}

	if err := client.Chmod(tmpPath, mode); err != nil {
		_ = client.Remove(tmpPath)
		return fmt.Errorf("failed to chmod remote file: %w", err)
	}
	if err := client.PosixRename(tmpPath, remotePath); err != nil {
		_ = client.Remove(tmpPath)
		return fmt.Errorf("failed to move remote file into place: %w", err)
	}
	return nil
}

// Close closes the SFTP subsystem and the SSH connection.
func (c *SSHConnection) Close() error {
	if c.sftp != nil {
		_ = c.sftp.Close()
	}
	return c.client.Close()
}
