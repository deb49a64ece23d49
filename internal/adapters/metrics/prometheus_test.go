package metrics

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/felixgeelhaar/kubeboot/internal/domain/bootstrap"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet/execution"
	"github.com/felixgeelhaar/kubeboot/internal/testutil"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_StepFinished(t *testing.T) {
	t.Parallel()

	r := NewRecorder()
	w1 := testutil.Host(t, "w1", fleet.RoleWorker)

	r.StepFinished(w1, execution.StepOutcome{StepID: "swap-off", Status: execution.OutcomeDone, Duration: time.Second})
	r.StepFinished(w1, execution.StepOutcome{StepID: "swap-off", Status: execution.OutcomeSkipped})
	r.StepFinished(w1, execution.StepOutcome{StepID: "kubeadm-join", Status: execution.OutcomeFailed, Duration: 2 * time.Second})

	assert.InDelta(t, 1, promtestutil.ToFloat64(r.stepOutcomes.WithLabelValues("worker", "swap-off", "Done")), 0)
	assert.InDelta(t, 1, promtestutil.ToFloat64(r.stepOutcomes.WithLabelValues("worker", "swap-off", "Skipped")), 0)
	assert.InDelta(t, 1, promtestutil.ToFloat64(r.stepOutcomes.WithLabelValues("worker", "kubeadm-join", "Failed")), 0)
	assert.Equal(t, 2, promtestutil.CollectAndCount(r.stepDuration))
}

func TestRecorder_HostFinished(t *testing.T) {
	t.Parallel()

	r := NewRecorder()
	r.HostFinished(&execution.HostResult{Host: testutil.Host(t, "cp1", fleet.RoleControlPlane), Status: execution.HostStatusDone})
	r.HostFinished(&execution.HostResult{Host: testutil.Host(t, "w1", fleet.RoleWorker), Status: execution.HostStatusFailed})
	r.HostFinished(&execution.HostResult{Host: testutil.Host(t, "w2", fleet.RoleWorker), Status: execution.HostStatusFailed})

	assert.InDelta(t, 1, promtestutil.ToFloat64(r.hostResults.WithLabelValues("control-plane", "Done")), 0)
	assert.InDelta(t, 2, promtestutil.ToFloat64(r.hostResults.WithLabelValues("worker", "Failed")), 0)
}

func TestRecorder_StateEntered(t *testing.T) {
	t.Parallel()

	r := NewRecorder()
	r.StateEntered(bootstrap.StateWorkerProvisioning)
	r.StateEntered(bootstrap.StateConverged)

	for _, s := range bootstrap.States() {
		want := 0.0
		if s == bootstrap.StateConverged {
			want = 1
		}
		assert.InDelta(t, want, promtestutil.ToFloat64(r.runState.WithLabelValues(s.String())), 0, s.String())
	}
}

func TestRecorder_WriteTextfile(t *testing.T) {
	t.Parallel()

	r := NewRecorder()
	r.StateEntered(bootstrap.StateConverged)
	r.ObserveReport(&bootstrap.Report{StartTime: time.Unix(0, 0), EndTime: time.Unix(90, 0)})

	path := filepath.Join(t.TempDir(), "kubeboot.prom")
	require.NoError(t, r.WriteTextfile(path))

	testutil.AssertFileContains(t, path, `kubeboot_run_state{state="converged"} 1`)
	testutil.AssertFileContains(t, path, "kubeboot_run_duration_seconds 90")
}
