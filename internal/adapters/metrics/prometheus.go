// Package metrics records bootstrap progress as Prometheus metrics that can
// be written to a node-exporter textfile after the run.
package metrics

import (
	"fmt"

	"github.com/felixgeelhaar/kubeboot/internal/domain/bootstrap"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet/execution"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kubeboot"

// Recorder implements execution.Observer and bootstrap.StateObserver.
type Recorder struct {
	registry *prometheus.Registry

	stepOutcomes *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	hostResults  *prometheus.CounterVec
	runState     *prometheus.GaugeVec
	runDuration  prometheus.Gauge
}

// NewRecorder creates a recorder with its own registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		stepOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_outcomes_total",
				Help:      "Step executions by role, step and outcome",
			},
			[]string{"role", "step", "outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step executions in seconds, retries included",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4min
			},
			[]string{"step"},
		),
		hostResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_results_total",
				Help:      "Hosts that finished provisioning by role and status",
			},
			[]string{"role", "status"},
		),
		runState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_state",
				Help:      "Current bootstrap state (1) or not (0)",
			},
			[]string{"state"},
		),
		runDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of the last bootstrap run",
			},
		),
	}
	r.registry.MustRegister(r.stepOutcomes, r.stepDuration, r.hostResults, r.runState, r.runDuration)
	for _, s := range bootstrap.States() {
		r.runState.WithLabelValues(s.String()).Set(0)
	}
	return r
}

// Registry returns the registry metrics are recorded in.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// StepFinished implements execution.Observer.
func (r *Recorder) StepFinished(host *fleet.Host, outcome execution.StepOutcome) {
	r.stepOutcomes.WithLabelValues(host.Role().String(), outcome.StepID, string(outcome.Status)).Inc()
	if outcome.Status == execution.OutcomeDone || outcome.Status == execution.OutcomeFailed {
		r.stepDuration.WithLabelValues(outcome.StepID).Observe(outcome.Duration.Seconds())
	}
}

// HostFinished implements execution.Observer.
func (r *Recorder) HostFinished(result *execution.HostResult) {
	r.hostResults.WithLabelValues(result.Host.Role().String(), string(result.Status)).Inc()
}

// StateEntered implements bootstrap.StateObserver.
func (r *Recorder) StateEntered(state bootstrap.State) {
	for _, s := range bootstrap.States() {
		v := 0.0
		if s == state {
			v = 1
		}
		r.runState.WithLabelValues(s.String()).Set(v)
	}
}

// ObserveReport records run-level values from a finished report.
func (r *Recorder) ObserveReport(report *bootstrap.Report) {
	r.runDuration.Set(report.Duration().Seconds())
}

// WriteTextfile writes every metric in the textfile collector format.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

var (
	_ execution.Observer      = (*Recorder)(nil)
	_ bootstrap.StateObserver = (*Recorder)(nil)
)
