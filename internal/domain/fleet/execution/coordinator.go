package execution

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet"
	"github.com/felixgeelhaar/kubeboot/internal/ports"
	"golang.org/x/sync/semaphore"
)

// MaxConcurrency caps the number of hosts provisioned at once.
const MaxConcurrency = 50

// CoordinatorConfig configures the role coordinator.
type CoordinatorConfig struct {
	// Concurrency is the maximum number of hosts in flight. Zero means one
	// per host, capped at MaxConcurrency.
	Concurrency int
	// RoleTimeout bounds how long the coordinator waits for a role. Zero
	// disables the deadline.
	RoleTimeout time.Duration
}

// EffectiveConcurrency returns the concurrency limit used for n hosts.
func (c CoordinatorConfig) EffectiveConcurrency(n int) int {
	limit := c.Concurrency
	if limit <= 0 || limit > n {
		limit = n
	}
	if limit > MaxConcurrency {
		limit = MaxConcurrency
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// RoleCoordinator provisions every host of one role in parallel. Hosts are
// isolated from each other: a failure stops only the host it happened on.
type RoleCoordinator struct {
	executor *StepExecutor
	config   CoordinatorConfig
}

// NewRoleCoordinator creates a new role coordinator.
func NewRoleCoordinator(executor *StepExecutor, config CoordinatorConfig) *RoleCoordinator {
	return &RoleCoordinator{executor: executor, config: config}
}

// DryRun reports whether the underlying executor only plans.
func (c *RoleCoordinator) DryRun() bool {
	return c.executor.config.DryRun
}

// Run applies the plan to hosts and blocks until each host reaches a
// terminal status or the role deadline passes. Hosts still running at the
// deadline are reported TimedOut and their late results are discarded.
func (c *RoleCoordinator) Run(ctx context.Context, role fleet.Role, hosts []*fleet.Host, plan *HostPlan, params Params) *RoleResult {
	result := NewRoleResult(role)
	if len(hosts) == 0 {
		result.Complete()
		return result
	}

	logger := c.executor.loggerFor(ctx).With(ports.F("role", role.String()))
	ctx = ports.ContextWithLogger(ctx, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var deadline <-chan time.Time
	if c.config.RoleTimeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, c.config.RoleTimeout)
		defer cancelTimeout()
		timer := time.NewTimer(c.config.RoleTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	limit := c.config.EffectiveConcurrency(len(hosts))
	logger.Info(ctx, "provisioning role", ports.F("hosts", len(hosts)), ports.F("concurrency", limit))

	var (
		mu        sync.Mutex
		finalized bool
		fatal     error
		results   = make([]*HostResult, len(hosts))
		progress  = make([]hostProgress, len(hosts))
		wg        sync.WaitGroup
		sem       = semaphore.NewWeighted(int64(limit))
	)

	for i, host := range hosts {
		wg.Add(1)
		go func(i int, host *fleet.Host) {
			defer wg.Done()

			var hr *HostResult
			if err := sem.Acquire(runCtx, 1); err != nil {
				hr = c.abandon(runCtx, host, plan.StepsFor(host), ctxCause(runCtx))
			} else {
				hr = c.runHost(runCtx, host, plan, params, func(started time.Time, o StepOutcome) {
					mu.Lock()
					defer mu.Unlock()
					progress[i].started = started
					progress[i].steps = append(progress[i].steps, o)
				})
				sem.Release(1)
			}

			mu.Lock()
			defer mu.Unlock()
			if finalized {
				return
			}
			results[i] = hr
			if fatal == nil {
				for _, o := range hr.Steps {
					if o.Fatal {
						fatal = o.Err
						cancel()
						break
					}
				}
			}
			c.executor.observer.HostFinished(hr)
		}(i, host)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-deadline:
		cancel()
		logger.Warn(ctx, "role deadline passed", ports.F("timeout", c.config.RoleTimeout.String()))
	}

	mu.Lock()
	finalized = true
	for i, hr := range results {
		if hr == nil {
			hr = c.timedOut(hosts[i], plan.StepsFor(hosts[i]), progress[i])
			results[i] = hr
			c.executor.observer.HostFinished(hr)
		}
	}
	result.Hosts = results
	result.Err = fatal
	mu.Unlock()

	c.collectOutputs(result)
	result.Complete()

	logger.Info(ctx, "role finished",
		ports.F("status", string(result.Status)),
		ports.F("succeeded", result.SuccessfulHosts()),
		ports.F("duration", result.Duration().String()),
	)
	return result
}

// hostProgress is what a host has finished so far, kept for the case where
// the role deadline passes before the host returns.
type hostProgress struct {
	started time.Time
	steps   []StepOutcome
}

// runHost executes the plan on one host, stopping at the first failure.
// Each finished step is passed to publish before the next one starts.
func (c *RoleCoordinator) runHost(ctx context.Context, host *fleet.Host, plan *HostPlan, params Params, publish func(time.Time, StepOutcome)) *HostResult {
	hr := &HostResult{Host: host, Status: HostStatusRunning, StartTime: time.Now()}
	steps := plan.StepsFor(host)

	for i, step := range steps {
		outcome := c.executor.Execute(ctx, host, step, params)
		hr.Steps = append(hr.Steps, outcome)
		publish(hr.StartTime, outcome)
		if outcome.Succeeded() {
			continue
		}

		hr.Err = outcome.Err
		hr.FailedStep = step.ID()
		rest := OutcomeBlocked
		switch {
		case outcome.Fatal:
			rest = OutcomeCancelled
			hr.Status = HostStatusFailed
		case outcome.Status == OutcomeFailed:
			hr.Status = HostStatusFailed
		case outcome.Status == OutcomeTimedOut:
			rest = OutcomeTimedOut
			hr.Status = HostStatusTimedOut
		default:
			rest = OutcomeCancelled
			hr.Status = HostStatusCancelled
		}
		for _, s := range steps[i+1:] {
			hr.Steps = append(hr.Steps, StepOutcome{StepID: s.ID(), Output: s.OutputName(), Status: rest})
		}
		hr.EndTime = time.Now()
		return hr
	}

	hr.Status = HostStatusDone
	if c.executor.config.DryRun {
		hr.Status = HostStatusPlanned
	}
	hr.EndTime = time.Now()
	return hr
}

// abandon reports a host that never started because the role was cancelled
// while it waited for a slot.
func (c *RoleCoordinator) abandon(ctx context.Context, host *fleet.Host, steps []*Step, cause error) *HostResult {
	now := time.Now()
	hr := &HostResult{Host: host, StartTime: now, Err: cause}
	if len(steps) == 0 {
		hr.Status = HostStatusCancelled
		hr.EndTime = now
		return hr
	}

	first := c.executor.Interrupt(ctx, host, steps[0], cause)
	hr.Steps = append(hr.Steps, first)
	hr.FailedStep = first.StepID
	for _, s := range steps[1:] {
		hr.Steps = append(hr.Steps, StepOutcome{StepID: s.ID(), Output: s.OutputName(), Status: first.Status})
	}
	hr.Status = HostStatusCancelled
	if first.Status == OutcomeTimedOut {
		hr.Status = HostStatusTimedOut
	}
	hr.EndTime = time.Now()
	return hr
}

// timedOut reports a host still running when the role deadline passed.
// Steps it finished keep their outcomes; the step in flight and the ones
// after it are TimedOut.
func (c *RoleCoordinator) timedOut(host *fleet.Host, steps []*Step, progress hostProgress) *HostResult {
	now := time.Now()
	err := &TimeoutError{Scope: ScopeRole, Subject: host.Role().String(), Limit: c.config.RoleTimeout}
	hr := &HostResult{Host: host, Status: HostStatusTimedOut, StartTime: progress.started, EndTime: now, Err: err}
	if hr.StartTime.IsZero() {
		hr.StartTime = now
	}

	hr.Steps = append(hr.Steps, progress.steps...)
	for _, o := range progress.steps {
		if !o.Succeeded() {
			hr.FailedStep = o.StepID
			break
		}
	}
	if len(progress.steps) >= len(steps) {
		return hr
	}
	for _, s := range steps[len(progress.steps):] {
		if hr.FailedStep == "" {
			hr.FailedStep = s.ID()
		}
		hr.Steps = append(hr.Steps, StepOutcome{StepID: s.ID(), Output: s.OutputName(), Status: OutcomeTimedOut})
	}
	return hr
}

// erasable values are wiped when a later host's output loses to an earlier one.
type erasable interface {
	Erase()
}

// collectOutputs keeps, for each output name, the value from the first host
// in inventory order whose producing step completed.
func (c *RoleCoordinator) collectOutputs(result *RoleResult) {
	for _, hr := range result.Hosts {
		for _, o := range hr.Steps {
			if o.Status != OutcomeDone || o.Output == "" || o.Value == nil {
				continue
			}
			if _, taken := result.Outputs[o.Output]; taken {
				if e, ok := o.Value.(erasable); ok {
					e.Erase()
				}
				continue
			}
			result.Outputs[o.Output] = OutputValue{Host: hr.Host.ID(), Value: o.Value}
		}
	}
}

func ctxCause(ctx context.Context) error {
	if err := context.Cause(ctx); err != nil {
		return err
	}
	return errors.New("role cancelled")
}
