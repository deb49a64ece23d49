// Package execution runs bootstrap steps on cluster hosts and records their
// convergence.
package execution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/kubeboot/internal/domain/convergence"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet/transport"
	"github.com/felixgeelhaar/kubeboot/internal/ports"
)

// Output is what a step action produced on the host.
type Output struct {
	Stdout string
	Stderr string
}

// Env is handed to a step action.
type Env struct {
	Host   *fleet.Host
	Params Params
	Remote transport.RemoteExecutor
	Logger ports.Logger
}

// ApplyFunc performs a step's side effects. It must be idempotent with
// respect to the host's actual state.
type ApplyFunc func(ctx context.Context, env Env) (Output, error)

// ExtractFunc turns a successful action's output into a named value.
type ExtractFunc func(out Output) (any, error)

// Predicate decides whether a step applies to a host for this run.
type Predicate func(host *fleet.Host, rec convergence.Record, params Params) bool

// Step is a unit of idempotent work. Build it with NewStep and do not
// modify it once it has been added to a HostPlan.
type Step struct {
	id          string
	description string
	roles       []fleet.Role
	after       []string
	when        Predicate
	apply       ApplyFunc
	output      string
	extract     ExtractFunc
	refresh     bool
	timeout     time.Duration
}

// NewStep creates a step that applies to every role.
func NewStep(id string, apply ApplyFunc) *Step {
	return &Step{id: id, apply: apply}
}

// WithDescription sets a human-readable description.
func (s *Step) WithDescription(desc string) *Step {
	s.description = desc
	return s
}

// ForRoles restricts the step to the given roles.
func (s *Step) ForRoles(roles ...fleet.Role) *Step {
	s.roles = append(s.roles, roles...)
	return s
}

// After declares steps that must precede this one.
func (s *Step) After(ids ...string) *Step {
	s.after = append(s.after, ids...)
	return s
}

// When sets the applicability predicate.
func (s *Step) When(p Predicate) *Step {
	s.when = p
	return s
}

// Produces names the value extracted from the step's output.
func (s *Step) Produces(name string, extract ExtractFunc) *Step {
	s.output = name
	s.extract = extract
	return s
}

// Refresh makes the step run even when it is already recorded Done.
// Steps that produce per-run values need this.
func (s *Step) Refresh() *Step {
	s.refresh = true
	return s
}

// WithTimeout overrides the executor's per-attempt timeout.
func (s *Step) WithTimeout(d time.Duration) *Step {
	s.timeout = d
	return s
}

// ID returns the step identifier.
func (s *Step) ID() string {
	return s.id
}

// Description returns the step description.
func (s *Step) Description() string {
	return s.description
}

// Roles returns the roles the step targets; empty means all.
func (s *Step) Roles() []fleet.Role {
	return s.roles
}

// DependsOn returns the IDs of the steps that must precede this one.
func (s *Step) DependsOn() []string {
	return s.after
}

// OutputName returns the name of the produced value, if any.
func (s *Step) OutputName() string {
	return s.output
}

// Refreshes reports whether the step re-runs when already Done.
func (s *Step) Refreshes() bool {
	return s.refresh
}

// Timeout returns the step's own timeout, zero when unset.
func (s *Step) Timeout() time.Duration {
	return s.timeout
}

// AppliesTo reports whether the step targets the host's role.
func (s *Step) AppliesTo(role fleet.Role) bool {
	if len(s.roles) == 0 {
		return true
	}
	for _, r := range s.roles {
		if r == role {
			return true
		}
	}
	return false
}

// Applicable evaluates the step predicate. Steps without one always apply.
func (s *Step) Applicable(host *fleet.Host, rec convergence.Record, params Params) bool {
	if s.when == nil {
		return true
	}
	return s.when(host, rec, params)
}

// Params carries run parameters to step actions. It is immutable.
type Params struct {
	values map[string]any
}

// NewParams creates an empty parameter set.
func NewParams() Params {
	return Params{}
}

// With returns a copy with key set to value.
func (p Params) With(key string, value any) Params {
	values := make(map[string]any, len(p.values)+1)
	for k, v := range p.values {
		values[k] = v
	}
	values[key] = value
	return Params{values: values}
}

// Value returns the value stored under key.
func (p Params) Value(key string) (any, bool) {
	v, ok := p.values[key]
	return v, ok
}

// String returns the string stored under key, or "".
func (p Params) String(key string) string {
	s, _ := p.values[key].(string)
	return s
}

// Strings returns the string slice stored under key.
func (p Params) Strings(key string) []string {
	s, _ := p.values[key].([]string)
	return s
}

// Bool returns the bool stored under key, or false.
func (p Params) Bool(key string) bool {
	b, _ := p.values[key].(bool)
	return b
}

// Run returns an action that runs command and fails on a non-zero exit.
func Run(command string) ApplyFunc {
	return func(ctx context.Context, env Env) (Output, error) {
		return RunChecked(ctx, env, command)
	}
}

// Ensure returns an action that runs check first and only runs command
// when check exits non-zero.
func Ensure(check, command string) ApplyFunc {
	return func(ctx context.Context, env Env) (Output, error) {
		res, err := env.Remote.RunCommand(ctx, env.Host, check, 0)
		if err != nil {
			return Output{}, fmt.Errorf("check command failed: %w", err)
		}
		if res.Success() {
			return outputOf(res), nil
		}
		return RunChecked(ctx, env, command)
	}
}

// RunChecked runs command on the env's host and converts a non-zero exit
// into an error carrying the command's stderr.
func RunChecked(ctx context.Context, env Env, command string) (Output, error) {
	res, err := env.Remote.RunCommand(ctx, env.Host, command, 0)
	if err != nil {
		return Output{}, err
	}
	out := outputOf(res)
	if !res.Success() {
		msg := strings.TrimSpace(out.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(out.Stdout)
		}
		return out, fmt.Errorf("command exited with code %d: %s", res.ExitCode, msg)
	}
	return out, nil
}

func outputOf(res *transport.CommandResult) Output {
	return Output{Stdout: string(res.Stdout), Stderr: string(res.Stderr)}
}
