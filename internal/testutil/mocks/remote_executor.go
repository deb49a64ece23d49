package mocks

import (
	"context"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet/transport"
)

// Remote call kinds.
const (
	CallRun   = "run"
	CallCopy  = "copy"
	CallFetch = "fetch"
)

// RemoteCall records one invocation of the remote executor.
type RemoteCall struct {
	Host    string
	Kind    string
	Command string
	Source  string
	Dest    string
	Mode    fs.FileMode
}

type remoteRule struct {
	host      string
	contains  string
	result    transport.CommandResult
	err       error
	remaining int
	hook      func(ctx context.Context) error
}

// RemoteExecutor is a thread-safe, scripted test double for
// transport.RemoteExecutor. Unmatched commands succeed with empty output.
// Rules are matched in registration order against the host (empty matches
// any host) and a substring of the command.
type RemoteExecutor struct {
	mu        sync.Mutex
	rules     []*remoteRule
	hostFails map[string]error
	calls     []RemoteCall
}

// NewRemoteExecutor creates a new RemoteExecutor mock.
func NewRemoteExecutor() *RemoteExecutor {
	return &RemoteExecutor{hostFails: make(map[string]error)}
}

// OnCommand scripts the result of commands containing substr on host.
func (m *RemoteExecutor) OnCommand(host, substr string, result transport.CommandResult) *RemoteExecutor {
	return m.add(&remoteRule{host: host, contains: substr, result: result})
}

// FailCommand makes commands containing substr on host return err. A
// positive times limits how often the failure fires; later calls fall
// through to other rules.
func (m *RemoteExecutor) FailCommand(host, substr string, err error, times int) *RemoteExecutor {
	return m.add(&remoteRule{host: host, contains: substr, err: err, remaining: times})
}

// OnCommandFunc runs hook for matching commands; its error is returned as
// the call's error. Hooks can block on ctx to simulate hung commands.
func (m *RemoteExecutor) OnCommandFunc(host, substr string, hook func(ctx context.Context) error) *RemoteExecutor {
	return m.add(&remoteRule{host: host, contains: substr, hook: hook})
}

// FailHost makes every call against host return err.
func (m *RemoteExecutor) FailHost(host string, err error) *RemoteExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hostFails[host] = err
	return m
}

func (m *RemoteExecutor) add(r *remoteRule) *RemoteExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, r)
	return m
}

// RunCommand implements transport.RemoteExecutor.
func (m *RemoteExecutor) RunCommand(ctx context.Context, host *fleet.Host, command string, timeout time.Duration) (*transport.CommandResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return m.dispatch(ctx, RemoteCall{Host: host.Name(), Kind: CallRun, Command: command})
}

// CopyFile implements transport.RemoteExecutor. It matches rules against "copy <dest>".
func (m *RemoteExecutor) CopyFile(ctx context.Context, host *fleet.Host, localPath, remotePath string, mode fs.FileMode) error {
	_, err := m.dispatch(ctx, RemoteCall{
		Host: host.Name(), Kind: CallCopy, Command: "copy " + remotePath,
		Source: localPath, Dest: remotePath, Mode: mode,
	})
	return err
}

// FetchURL implements transport.RemoteExecutor. It matches rules against "fetch <url> <dest>".
func (m *RemoteExecutor) FetchURL(ctx context.Context, host *fleet.Host, url, destPath string) error {
	_, err := m.dispatch(ctx, RemoteCall{
		Host: host.Name(), Kind: CallFetch, Command: "fetch " + url + " " + destPath,
		Source: url, Dest: destPath,
	})
	return err
}

func (m *RemoteExecutor) dispatch(ctx context.Context, call RemoteCall) (*transport.CommandResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	if err, ok := m.hostFails[call.Host]; ok {
		m.mu.Unlock()
		return nil, err
	}

	var matched *remoteRule
	for _, r := range m.rules {
		if r.host != "" && r.host != call.Host {
			continue
		}
		if !strings.Contains(call.Command, r.contains) {
			continue
		}
		if r.remaining < 0 {
			continue
		}
		if r.remaining > 0 {
			r.remaining--
			if r.remaining == 0 {
				r.remaining = -1
			}
		}
		matched = r
		break
	}
	m.mu.Unlock()

	if matched == nil {
		return &transport.CommandResult{}, nil
	}
	if matched.hook != nil {
		if err := matched.hook(ctx); err != nil {
			return nil, err
		}
		return &transport.CommandResult{}, nil
	}
	if matched.err != nil {
		return nil, matched.err
	}
	result := matched.result
	return &result, nil
}

// Calls returns all recorded invocations.
func (m *RemoteExecutor) Calls() []RemoteCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]RemoteCall, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// Commands returns the commands run on host, in order.
func (m *RemoteExecutor) Commands(host string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		if c.Host == host {
			out = append(out, c.Command)
		}
	}
	return out
}

// CountMatching returns how many calls on host contained substr.
func (m *RemoteExecutor) CountMatching(host, substr string) int {
	n := 0
	for _, cmd := range m.Commands(host) {
		if strings.Contains(cmd, substr) {
			n++
		}
	}
	return n
}

// Reset clears scripted rules, host failures and recorded calls.
func (m *RemoteExecutor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = nil
	m.hostFails = make(map[string]error)
	m.calls = nil
}

var _ transport.RemoteExecutor = (*RemoteExecutor)(nil)
