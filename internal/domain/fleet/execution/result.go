package execution

import (
	"time"

	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet"
)

// OutcomeStatus is the result of one step on one host.
type OutcomeStatus string

const (
	// OutcomeDone means the action ran and succeeded.
	OutcomeDone OutcomeStatus = "Done"
	// OutcomeSkipped means the step was already converged or not applicable.
	OutcomeSkipped OutcomeStatus = "Skipped"
	// OutcomeFailed means the action failed.
	OutcomeFailed OutcomeStatus = "Failed"
	// OutcomeCancelled means the run was cancelled before the step finished.
	OutcomeCancelled OutcomeStatus = "Cancelled"
	// OutcomeTimedOut means a role or run deadline expired before the step ran.
	OutcomeTimedOut OutcomeStatus = "Timeout"
	// OutcomeBlocked means an earlier step on the host failed.
	OutcomeBlocked OutcomeStatus = "Blocked"
	// OutcomePlanned means a dry run would have applied the step.
	OutcomePlanned OutcomeStatus = "Planned"
)

// StepOutcome captures the result of a single step execution.
type StepOutcome struct {
	StepID   string        `json:"step"`
	Status   OutcomeStatus `json:"status"`
	Attempts int           `json:"attempts,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration"`
	// Output names the value in Value, if the step produces one.
	Output string `json:"output,omitempty"`
	Value  any    `json:"-"`
	Err    error  `json:"-"`
	// Fatal is set when the convergence store failed; the run must abort.
	Fatal bool `json:"-"`
}

// Succeeded reports whether the host may proceed past this step.
func (o StepOutcome) Succeeded() bool {
	switch o.Status {
	case OutcomeDone, OutcomeSkipped, OutcomePlanned:
		return true
	default:
		return false
	}
}

// ErrorMessage returns the error text or "".
func (o StepOutcome) ErrorMessage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// HostStatus is the terminal status of a host within a role.
type HostStatus string

const (
	// HostStatusPending means execution hasn't started.
	HostStatusPending HostStatus = "Pending"
	// HostStatusRunning means execution is in progress.
	HostStatusRunning HostStatus = "Running"
	// HostStatusDone means every step converged.
	HostStatusDone HostStatus = "Done"
	// HostStatusPlanned means a dry run finished without errors.
	HostStatusPlanned HostStatus = "Planned"
	// HostStatusFailed means a step failed.
	HostStatusFailed HostStatus = "Failed"
	// HostStatusCancelled means the run was cancelled.
	HostStatusCancelled HostStatus = "Cancelled"
	// HostStatusTimedOut means the role deadline expired.
	HostStatusTimedOut HostStatus = "Timeout"
)

// HostResult captures the result of execution on a single host.
type HostResult struct {
	Host      *fleet.Host
	Status    HostStatus
	StartTime time.Time
	EndTime   time.Time
	Steps     []StepOutcome
	// Err is the error of the step that stopped the host, if any.
	Err error
	// FailedStep is the ID of that step.
	FailedStep string
}

// Duration returns how long execution took.
func (r *HostResult) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// Succeeded reports whether the host converged (or would in a dry run).
func (r *HostResult) Succeeded() bool {
	return r.Status == HostStatusDone || r.Status == HostStatusPlanned
}

// Outcome returns the outcome of stepID on this host.
func (r *HostResult) Outcome(stepID string) (StepOutcome, bool) {
	for _, o := range r.Steps {
		if o.StepID == stepID {
			return o, true
		}
	}
	return StepOutcome{}, false
}

// StepsApplied returns the number of steps whose action ran successfully.
func (r *HostResult) StepsApplied() int {
	return r.count(OutcomeDone)
}

// StepsSkipped returns the number of steps skipped as converged or not applicable.
func (r *HostResult) StepsSkipped() int {
	return r.count(OutcomeSkipped)
}

func (r *HostResult) count(status OutcomeStatus) int {
	n := 0
	for _, o := range r.Steps {
		if o.Status == status {
			n++
		}
	}
	return n
}

// RoleStatus aggregates host statuses for one role.
type RoleStatus string

const (
	// RoleAllDone means every host converged. An empty role is AllDone.
	RoleAllDone RoleStatus = "AllDone"
	// RolePartialFailure means some but not all hosts converged.
	RolePartialFailure RoleStatus = "PartialFailure"
	// RoleAllFailed means no host converged.
	RoleAllFailed RoleStatus = "AllFailed"
)

// OutputValue is a produced value and the host it came from.
type OutputValue struct {
	Host  fleet.HostID
	Value any
}

// RoleResult aggregates results across the hosts of one role.
type RoleResult struct {
	Role      fleet.Role
	Status    RoleStatus
	StartTime time.Time
	EndTime   time.Time
	// Hosts are in inventory order.
	Hosts   []*HostResult
	Outputs map[string]OutputValue
	// Err is set when the role was aborted by a store failure.
	Err error
}

// NewRoleResult creates a new role result.
func NewRoleResult(role fleet.Role) *RoleResult {
	return &RoleResult{
		Role:      role,
		Status:    RoleAllDone,
		StartTime: time.Now(),
		Outputs:   make(map[string]OutputValue),
	}
}

// Output returns the named output.
func (r *RoleResult) Output(name string) (OutputValue, bool) {
	v, ok := r.Outputs[name]
	return v, ok
}

// Complete stamps the end time and derives the aggregate status.
func (r *RoleResult) Complete() {
	r.EndTime = time.Now()
	switch ok := r.SuccessfulHosts(); {
	case ok == len(r.Hosts):
		r.Status = RoleAllDone
	case ok == 0:
		r.Status = RoleAllFailed
	default:
		r.Status = RolePartialFailure
	}
}

// Duration returns total role execution time.
func (r *RoleResult) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return time.Since(r.StartTime)
	}
	return r.EndTime.Sub(r.StartTime)
}

// SuccessfulHosts returns the number of hosts that converged.
func (r *RoleResult) SuccessfulHosts() int {
	n := 0
	for _, hr := range r.Hosts {
		if hr.Succeeded() {
			n++
		}
	}
	return n
}

// Unsuccessful returns the hosts that did not converge, in inventory order.
func (r *RoleResult) Unsuccessful() []*HostResult {
	var out []*HostResult
	for _, hr := range r.Hosts {
		if !hr.Succeeded() {
			out = append(out, hr)
		}
	}
	return out
}

// Summary is a serializable overview of a role result.
type Summary struct {
	Role            fleet.Role    `json:"role"`
	Status          RoleStatus    `json:"status"`
	TotalHosts      int           `json:"total_hosts"`
	SuccessfulHosts int           `json:"successful_hosts"`
	FailedHosts     int           `json:"failed_hosts"`
	TotalDuration   time.Duration `json:"total_duration"`
}

// Summary returns a summary of the role result.
func (r *RoleResult) Summary() Summary {
	ok := r.SuccessfulHosts()
	return Summary{
		Role:            r.Role,
		Status:          r.Status,
		TotalHosts:      len(r.Hosts),
		SuccessfulHosts: ok,
		FailedHosts:     len(r.Hosts) - ok,
		TotalDuration:   r.Duration(),
	}
}
