// Package bootstrap sequences a cluster bootstrap run: control plane first,
// then the join credential handoff, then workers, then the network overlay.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/felixgeelhaar/kubeboot/internal/adapters/logging"
	"github.com/felixgeelhaar/kubeboot/internal/domain/convergence"
	"github.com/felixgeelhaar/kubeboot/internal/domain/credential"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet/execution"
	"github.com/felixgeelhaar/kubeboot/internal/ports"
	"github.com/felixgeelhaar/statekit"
	"github.com/google/uuid"
)

// Names shared between the orchestrator and step catalogs.
const (
	// ParamJoinCredential carries the *credential.JoinCredential to worker steps.
	ParamJoinCredential = "join-credential"
	// ParamCredentialRequired tells control-plane steps whether any worker
	// still needs to join.
	ParamCredentialRequired = "join-credential-required"
	// OutputJoinCredential names the value the control plane produces.
	OutputJoinCredential = "join-credential"
	// DefaultJoinStep is the worker step that consumes the credential.
	DefaultJoinStep = "kubeadm-join"
)

// StateObserver is notified whenever a run enters a state.
type StateObserver interface {
	StateEntered(state State)
}

type nopStateObserver struct{}

func (nopStateObserver) StateEntered(State) {}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger ports.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithStateObserver sets the observer notified of state changes.
func WithStateObserver(obs StateObserver) Option {
	return func(o *Orchestrator) {
		o.observer = obs
	}
}

// WithOverlay sets the step that applies the network overlay. It runs once
// on the control-plane host the credential came from.
func WithOverlay(step *execution.Step) Option {
	return func(o *Orchestrator) {
		o.overlayStep = step
	}
}

// WithJoinStep overrides the ID of the worker step that consumes the credential.
func WithJoinStep(id string) Option {
	return func(o *Orchestrator) {
		o.joinStep = id
	}
}

// WithRunTimeout bounds the whole run.
func WithRunTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.runTimeout = d
	}
}

// WithRunIDs overrides run ID generation.
func WithRunIDs(fn func() string) Option {
	return func(o *Orchestrator) {
		o.newID = fn
	}
}

// Orchestrator drives one bootstrap run through its state machine. It owns
// the barrier between roles and the join credential handoff.
type Orchestrator struct {
	coordinator *execution.RoleCoordinator
	store       convergence.Store
	plan        *execution.HostPlan
	overlayStep *execution.Step
	overlay     *execution.HostPlan
	joinStep    string
	runTimeout  time.Duration
	logger      ports.Logger
	observer    StateObserver
	newID       func() string
}

// NewOrchestrator creates an orchestrator running plan on every host.
func NewOrchestrator(coordinator *execution.RoleCoordinator, store convergence.Store, plan *execution.HostPlan, opts ...Option) (*Orchestrator, error) {
	if coordinator == nil || store == nil || plan == nil {
		return nil, fmt.Errorf("coordinator, store and plan are required")
	}
	o := &Orchestrator{
		coordinator: coordinator,
		store:       store,
		plan:        plan,
		joinStep:    DefaultJoinStep,
		logger:      logging.NewNopLogger(),
		observer:    nopStateObserver{},
		newID:       func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.overlayStep != nil {
		overlay, err := execution.NewHostPlan(o.overlayStep)
		if err != nil {
			return nil, fmt.Errorf("overlay plan: %w", err)
		}
		o.overlay = overlay
	}
	return o, nil
}

// run is the mutable state of one Run call.
type run struct {
	o      *Orchestrator
	report *Report
	vault  *credential.Vault
	interp *statekit.Interpreter[machineContext]
	logger ports.Logger
}

// Run bootstraps the inventory. params are passed to every step; the
// orchestrator adds the credential parameters. The returned report is
// complete whether the run converged or failed.
func (o *Orchestrator) Run(ctx context.Context, inv *fleet.Inventory, params execution.Params) *Report {
	report := &Report{
		RunID:     o.newID(),
		State:     StateInit,
		History:   []State{StateInit},
		DryRun:    o.coordinator.DryRun(),
		StartTime: time.Now(),
	}
	logger := o.logger.With(ports.F("run_id", report.RunID))
	ctx = ports.ContextWithLogger(ctx, logger)
	if o.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.runTimeout)
		defer cancel()
	}

	r := &run{o: o, report: report, vault: credential.NewVault(), logger: logger}
	defer r.vault.Erase()

	interp, err := buildMachine(r)
	if err != nil {
		report.State = StateFailed
		report.Err = fmt.Errorf("failed to build state machine: %w", err)
		report.EndTime = time.Now()
		return report
	}
	r.interp = interp
	r.interp.Start()
	defer r.interp.Stop()
	o.observer.StateEntered(StateInit)

	logger.Info(ctx, "bootstrap started", ports.F("hosts", inv.Len()), ports.F("dry_run", report.DryRun))
	r.execute(ctx, inv, params)
	report.EndTime = time.Now()

	fields := []ports.Field{
		ports.F("state", report.State.String()),
		ports.F("duration", report.Duration().String()),
	}
	switch {
	case report.State == StateFailed:
		logger.Error(ctx, "bootstrap failed", append(fields, ports.Err(report.Err))...)
	case report.Degraded():
		logger.Warn(ctx, "bootstrap converged with failures", append(fields, ports.F("failed_hosts", len(report.FailedHosts())))...)
	default:
		logger.Info(ctx, "bootstrap converged", fields...)
	}
	return report
}

func (r *run) execute(ctx context.Context, inv *fleet.Inventory, params execution.Params) {
	o := r.o
	r.send(ctx, EventProvision, nil)

	workers := inv.ByRole(fleet.RoleWorker)
	needCredential, err := o.credentialRequired(workers)
	if err != nil {
		r.fail(ctx, err)
		return
	}

	cp := o.coordinator.Run(ctx, fleet.RoleControlPlane, inv.ByRole(fleet.RoleControlPlane), o.plan,
		params.With(ParamCredentialRequired, needCredential))
	r.report.ControlPlane = cp
	if err := roleError(ctx, cp); err != nil {
		r.fail(ctx, err)
		return
	}
	r.send(ctx, EventControlPlaneReady, nil)

	leader, err := r.extractCredential(ctx, inv, cp, needCredential)
	if err != nil {
		r.fail(ctx, err)
		return
	}
	workerParams := params
	if cred, ok := r.vault.Get(); ok {
		workerParams = params.With(ParamJoinCredential, cred)
	}
	r.send(ctx, EventCredentialReady, nil)

	w := o.coordinator.Run(ctx, fleet.RoleWorker, workers, o.plan, workerParams)
	r.report.Workers = w
	if err := roleError(ctx, w); err != nil {
		r.fail(ctx, err)
		return
	}
	if w.Status == execution.RolePartialFailure {
		for _, hr := range w.Unsuccessful() {
			r.logger.Warn(ctx, "worker did not join",
				ports.F("host", hr.Host.Name()),
				ports.F("status", string(hr.Status)),
				ports.F("step", hr.FailedStep),
				ports.Err(hr.Err),
			)
		}
	}
	r.send(ctx, EventWorkersReady, nil)

	if o.overlay != nil && leader != nil {
		ov := o.coordinator.Run(ctx, fleet.RoleControlPlane, []*fleet.Host{leader}, o.overlay, params)
		if ov.Err != nil {
			r.fail(ctx, ov.Err)
			return
		}
		r.report.Overlay = ov.Hosts[0]
		if !r.report.Overlay.Succeeded() {
			r.logger.Warn(ctx, "network overlay not applied; worker joins are kept",
				ports.F("host", leader.Name()), ports.Err(r.report.Overlay.Err))
		}
	}
	r.send(ctx, EventOverlayComplete, nil)
}

// credentialRequired reports whether any worker has not yet completed the
// join step.
func (o *Orchestrator) credentialRequired(workers []*fleet.Host) (bool, error) {
	for _, w := range workers {
		rec, err := o.store.Get(w.Name(), o.joinStep)
		if err != nil {
			return false, &execution.StoreWriteError{Host: w.Name(), StepID: o.joinStep, Err: err}
		}
		if !rec.IsDone() {
			return true, nil
		}
	}
	return false, nil
}

// extractCredential publishes the winning join credential and returns the
// control-plane host the overlay will be applied from.
func (r *run) extractCredential(ctx context.Context, inv *fleet.Inventory, cp *execution.RoleResult, required bool) (*fleet.Host, error) {
	out, ok := cp.Output(OutputJoinCredential)
	if !required || r.report.DryRun {
		if ok {
			if cred, isCred := out.Value.(*credential.JoinCredential); isCred {
				cred.Erase()
			}
		}
		for _, hr := range cp.Hosts {
			if hr.Succeeded() {
				return hr.Host, nil
			}
		}
		return nil, nil
	}

	if !ok {
		return nil, &CredentialMissingError{Reason: "no control-plane host produced a join credential"}
	}
	cred, isCred := out.Value.(*credential.JoinCredential)
	if !isCred || cred == nil {
		return nil, &CredentialMissingError{Reason: fmt.Sprintf("control-plane host %s produced %T", out.Host, out.Value)}
	}
	if err := r.vault.Publish(cred); err != nil {
		return nil, err
	}
	r.report.CredentialSource = out.Host
	r.logger.Info(ctx, "join credential extracted",
		ports.F("source", string(out.Host)),
		ports.F("endpoint", cred.Endpoint()),
		ports.Secret("token"),
	)

	leader, _ := inv.Get(out.Host)
	return leader, nil
}

// roleError returns the condition that makes a role result fatal.
func roleError(ctx context.Context, rr *execution.RoleResult) error {
	if rr.Err != nil {
		return rr.Err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run interrupted during %s provisioning: %w", rr.Role, err)
	}
	if len(rr.Hosts) > 0 && rr.Status == execution.RoleAllFailed {
		return newRoleFailedError(rr)
	}
	return nil
}

func (r *run) fail(ctx context.Context, err error) {
	r.send(ctx, EventFail, map[string]interface{}{"error": err})
	if r.report.Err == nil {
		r.report.Err = err
	}
}

// send fires event and records the resulting state. Events the machine
// rejects leave the state unchanged.
func (r *run) send(ctx context.Context, event string, payload map[string]interface{}) {
	r.interp.Send(statekit.Event{Type: statekit.EventType(event), Payload: payload})
	state := State(r.interp.State().Value)
	if state == r.report.State {
		r.logger.Warn(ctx, "state machine ignored event", ports.F("event", event), ports.F("state", state.String()))
		return
	}
	r.report.State = state
	r.report.History = append(r.report.History, state)
	r.o.observer.StateEntered(state)
	r.logger.Info(ctx, "state entered", ports.F("state", state.String()))
}
