package bootstrap

import (
	"time"

	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet/execution"
)

// Exit codes of a bootstrap run.
const (
	ExitConverged = 0
	ExitFailed    = 1
	ExitConfig    = 2
	ExitDegraded  = 3
)

// Report is the externally observed result of a run: every host and every
// step outcome, plus the state the orchestrator ended in.
type Report struct {
	RunID     string
	State     State
	History   []State
	DryRun    bool
	StartTime time.Time
	EndTime   time.Time

	ControlPlane *execution.RoleResult
	Workers      *execution.RoleResult
	// Overlay is the result of the overlay step on the control-plane host
	// it ran on. Nil when the run never got that far or no overlay is configured.
	Overlay *execution.HostResult

	// CredentialSource is the control-plane host whose join credential was used.
	CredentialSource fleet.HostID

	// Err is the fatal error for a Failed run.
	Err error
}

// Converged reports whether the run reached the Converged state.
func (r *Report) Converged() bool {
	return r.State == StateConverged
}

// Degraded reports a converged run where some host of either role did not
// converge or the overlay could not be applied.
func (r *Report) Degraded() bool {
	if !r.Converged() {
		return false
	}
	for _, rr := range r.Roles() {
		if rr.Status != execution.RoleAllDone {
			return true
		}
	}
	return r.OverlayFailed()
}

// OverlayFailed reports whether the overlay step ran and did not succeed.
func (r *Report) OverlayFailed() bool {
	return r.Overlay != nil && !r.Overlay.Succeeded()
}

// Roles returns the role results in bootstrap order, skipping roles that
// never ran.
func (r *Report) Roles() []*execution.RoleResult {
	var out []*execution.RoleResult
	for _, rr := range []*execution.RoleResult{r.ControlPlane, r.Workers} {
		if rr != nil {
			out = append(out, rr)
		}
	}
	return out
}

// Hosts returns every host result in bootstrap order.
func (r *Report) Hosts() []*execution.HostResult {
	var out []*execution.HostResult
	for _, rr := range r.Roles() {
		out = append(out, rr.Hosts...)
	}
	return out
}

// FailedHosts returns the hosts that did not converge.
func (r *Report) FailedHosts() []*execution.HostResult {
	var out []*execution.HostResult
	for _, rr := range r.Roles() {
		out = append(out, rr.Unsuccessful()...)
	}
	return out
}

// Duration returns how long the run took.
func (r *Report) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return time.Since(r.StartTime)
	}
	return r.EndTime.Sub(r.StartTime)
}

// ExitCode maps the report to the process exit code. Degraded convergence
// exits non-zero only when strict is set.
func (r *Report) ExitCode(strict bool) int {
	switch {
	case !r.Converged():
		return ExitFailed
	case strict && r.Degraded():
		return ExitDegraded
	default:
		return ExitConverged
	}
}
