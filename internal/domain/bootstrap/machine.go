package bootstrap

import (
	"github.com/felixgeelhaar/statekit"
)

// State is a phase of a bootstrap run.
type State string

const (
	// StateInit is the state before any host is touched.
	StateInit State = "init"
	// StateControlPlaneProvisioning runs the plan on control-plane hosts.
	StateControlPlaneProvisioning State = "control-plane-provisioning"
	// StateCredentialExtraction takes the join credential from the winning host.
	StateCredentialExtraction State = "credential-extraction"
	// StateWorkerProvisioning runs the plan on worker hosts.
	StateWorkerProvisioning State = "worker-provisioning"
	// StateNetworkOverlayApply applies the overlay manifest once.
	StateNetworkOverlayApply State = "network-overlay-apply"
	// StateConverged is terminal; the run succeeded, possibly degraded.
	StateConverged State = "converged"
	// StateFailed is terminal; the run hit a fatal condition.
	StateFailed State = "failed"
)

// States returns every state in bootstrap order.
func States() []State {
	return []State{
		StateInit,
		StateControlPlaneProvisioning,
		StateCredentialExtraction,
		StateWorkerProvisioning,
		StateNetworkOverlayApply,
		StateConverged,
		StateFailed,
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateConverged || s == StateFailed
}

func (s State) String() string {
	return string(s)
}

// Event types for the bootstrap state machine.
const (
	EventProvision         = "PROVISION"
	EventControlPlaneReady = "CONTROL_PLANE_READY"
	EventCredentialReady   = "CREDENTIAL_READY"
	EventWorkersReady      = "WORKERS_READY"
	EventOverlayComplete   = "OVERLAY_COMPLETE"
	EventFail              = "FAIL"
)

// machineContext is the statekit context of one run.
type machineContext struct {
	RunID string
}

// buildMachine constructs the run state machine. Failed is reachable from
// every non-terminal state; the terminal states accept no events. The
// runtime pointer is captured by closures so entry actions reach the run.
func buildMachine(r *run) (*statekit.Interpreter[machineContext], error) {
	machine, err := statekit.NewMachine[machineContext]("kubeboot-bootstrap").
		WithInitial("init").
		WithContext(machineContext{RunID: r.report.RunID}).
		WithAction("recordFailure", func(_ *machineContext, event statekit.Event) {
			if payload, ok := event.Payload.(map[string]interface{}); ok {
				if err, ok := payload["error"].(error); ok {
					r.report.Err = err
				}
			}
			r.vault.Erase()
		}).
		WithAction("eraseCredential", func(_ *machineContext, _ statekit.Event) {
			r.vault.Erase()
		}).
		State("init").
		On(EventProvision).Target("control-plane-provisioning").
		On(EventFail).Target("failed").Done().
		State("control-plane-provisioning").
		On(EventControlPlaneReady).Target("credential-extraction").
		On(EventFail).Target("failed").Done().
		State("credential-extraction").
		On(EventCredentialReady).Target("worker-provisioning").
		On(EventFail).Target("failed").Done().
		State("worker-provisioning").
		On(EventWorkersReady).Target("network-overlay-apply").
		On(EventFail).Target("failed").Done().
		State("network-overlay-apply").
		OnEntry("eraseCredential").
		On(EventOverlayComplete).Target("converged").
		On(EventFail).Target("failed").Done().
		State("converged").Done().
		State("failed").
		OnEntry("recordFailure").Done().
		Build()

	if err != nil {
		return nil, err
	}

	return statekit.NewInterpreter(machine), nil
}
