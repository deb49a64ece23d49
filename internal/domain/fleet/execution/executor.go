package execution

import (
	"context"
	"errors"
	"time"

	"github.com/felixgeelhaar/kubeboot/internal/adapters/logging"
	"github.com/felixgeelhaar/kubeboot/internal/domain/convergence"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet/transport"
	"github.com/felixgeelhaar/kubeboot/internal/ports"
	"github.com/felixgeelhaar/kubeboot/internal/retry"
)

// ExecutorConfig configures the step executor.
type ExecutorConfig struct {
	// Retry bounds attempts and backoff for transient failures.
	Retry retry.Config
	// StepTimeout bounds a single attempt of an action.
	StepTimeout time.Duration
	// DryRun reports what would run without touching hosts or the store.
	DryRun bool
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Retry:       retry.DefaultConfig(),
		StepTimeout: 10 * time.Minute,
	}
}

// Observer is notified as steps and hosts finish.
type Observer interface {
	StepFinished(host *fleet.Host, outcome StepOutcome)
	HostFinished(result *HostResult)
}

type nopObserver struct{}

func (nopObserver) StepFinished(*fleet.Host, StepOutcome) {}
func (nopObserver) HostFinished(*HostResult)              {}

// ExecutorOption configures a StepExecutor.
type ExecutorOption func(*StepExecutor)

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(logger ports.Logger) ExecutorOption {
	return func(e *StepExecutor) {
		e.logger = logger
	}
}

// WithObserver sets the observer notified of finished steps and hosts.
func WithObserver(o Observer) ExecutorOption {
	return func(e *StepExecutor) {
		e.observer = o
	}
}

// StepExecutor runs one step on one host with retries and records the
// outcome in the convergence store.
type StepExecutor struct {
	remote   transport.RemoteExecutor
	store    convergence.Store
	config   ExecutorConfig
	logger   ports.Logger
	observer Observer
}

// NewStepExecutor creates a new step executor.
func NewStepExecutor(remote transport.RemoteExecutor, store convergence.Store, config ExecutorConfig, opts ...ExecutorOption) *StepExecutor {
	if config.StepTimeout <= 0 {
		config.StepTimeout = DefaultExecutorConfig().StepTimeout
	}
	if config.Retry.Attempts < 1 {
		config.Retry = retry.DefaultConfig()
	}
	e := &StepExecutor{
		remote:   remote,
		store:    store,
		config:   config,
		logger:   logging.NewNopLogger(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the executor configuration.
func (e *StepExecutor) Config() ExecutorConfig {
	return e.config
}

// Execute runs step on host. Cancellation of ctx is observed before the
// action starts and between retries; an attempt already running is bounded
// only by the step timeout.
func (e *StepExecutor) Execute(ctx context.Context, host *fleet.Host, step *Step, params Params) StepOutcome {
	start := time.Now()
	outcome := e.execute(ctx, host, step, params)
	outcome.Duration = time.Since(start)
	e.observer.StepFinished(host, outcome)
	return outcome
}

func (e *StepExecutor) execute(ctx context.Context, host *fleet.Host, step *Step, params Params) StepOutcome {
	logger := e.loggerFor(ctx).With(ports.F("host", host.Name()), ports.F("step", step.ID()))
	outcome := StepOutcome{StepID: step.ID(), Output: step.OutputName()}

	rec, err := e.store.Get(host.Name(), step.ID())
	if err != nil {
		return e.storeFailure(ctx, logger, outcome, host, step, err)
	}

	if err := ctx.Err(); err != nil {
		return e.Interrupt(ctx, host, step, err)
	}

	if !step.Applicable(host, rec, params) {
		outcome.Status = OutcomeSkipped
		outcome.Reason = "not applicable"
		logger.Debug(ctx, "step not applicable")
		return outcome
	}
	if rec.IsDone() && !step.Refreshes() {
		outcome.Status = OutcomeSkipped
		outcome.Reason = "already converged"
		logger.Debug(ctx, "step already converged")
		return outcome
	}
	if e.config.DryRun {
		outcome.Status = OutcomePlanned
		outcome.Reason = "would apply"
		logger.Info(ctx, "step would apply")
		return outcome
	}

	if _, err := e.store.Record(host.Name(), step.ID(), convergence.StatusInProgress, nil); err != nil {
		return e.storeFailure(ctx, logger, outcome, host, step, err)
	}

	timeout := step.Timeout()
	if timeout <= 0 {
		timeout = e.config.StepTimeout
	}
	env := Env{Host: host, Params: params, Remote: e.remote, Logger: logger}

	logger.Info(ctx, "applying step")
	var value any
	attempts, err := retry.Do(ctx, func(attempt int) error {
		v, err := e.attempt(ctx, step, env, timeout)
		if err != nil {
			if IsPermanent(err) {
				return retry.Permanent(err)
			}
			return err
		}
		value = v
		return nil
	},
		retry.WithConfig(e.config.Retry),
		retry.OnRetry(func(attempt int, err error, wait time.Duration) {
			logger.Warn(ctx, "step attempt failed, retrying",
				ports.F("attempt", attempt),
				ports.F("backoff", wait.String()),
				ports.Err(err),
			)
		}),
	)
	outcome.Attempts = attempts

	switch {
	case err == nil:
		outcome.Status = OutcomeDone
		outcome.Value = value
		if _, werr := e.store.Record(host.Name(), step.ID(), convergence.StatusDone, nil); werr != nil {
			return e.storeFailure(ctx, logger, outcome, host, step, werr)
		}
		logger.Info(ctx, "step done", ports.F("attempts", attempts))
		return outcome

	case errors.Is(err, retry.ErrInterrupted):
		cause := ctx.Err()
		if cause == nil {
			cause = err
		}
		return e.Interrupt(ctx, host, step, cause)

	default:
		if IsPermanent(err) {
			err = &PermanentActionError{StepID: step.ID(), Err: unwrapPermanent(err)}
		} else {
			err = &TransientActionError{StepID: step.ID(), Attempts: attempts, Err: err}
		}
		outcome.Status = OutcomeFailed
		outcome.Err = err
		if _, werr := e.store.Record(host.Name(), step.ID(), convergence.StatusFailed, err); werr != nil {
			return e.storeFailure(ctx, logger, outcome, host, step, werr)
		}
		logger.Error(ctx, "step failed", ports.F("attempts", attempts), ports.Err(err))
		return outcome
	}
}

// attempt runs the action once. It is detached from run cancellation so a
// host is never left mid-step; the step timeout still applies.
func (e *StepExecutor) attempt(ctx context.Context, step *Step, env Env, timeout time.Duration) (any, error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	out, err := step.apply(actx, env)
	if err == nil && step.extract != nil {
		var value any
		value, err = step.extract(out)
		if err == nil {
			return value, nil
		}
	}
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return nil, &TimeoutError{Scope: ScopeStep, Subject: step.ID(), Limit: timeout}
	}
	return nil, err
}

// Interrupt records that step did not run on host because the run was
// cancelled or its deadline passed, and returns the matching outcome.
// A step already Done keeps its record.
func (e *StepExecutor) Interrupt(ctx context.Context, host *fleet.Host, step *Step, cause error) StepOutcome {
	outcome := StepOutcome{StepID: step.ID(), Output: step.OutputName(), Status: OutcomeCancelled, Err: cause}
	if errors.Is(cause, context.DeadlineExceeded) {
		outcome.Status = OutcomeTimedOut
	}
	if e.config.DryRun {
		return outcome
	}

	rec, err := e.store.Get(host.Name(), step.ID())
	if err == nil && rec.IsDone() {
		return outcome
	}
	if _, err := e.store.Record(host.Name(), step.ID(), convergence.StatusCancelled, cause); err != nil {
		logger := e.loggerFor(ctx).With(ports.F("host", host.Name()), ports.F("step", step.ID()))
		return e.storeFailure(ctx, logger, outcome, host, step, err)
	}
	return outcome
}

func (e *StepExecutor) storeFailure(ctx context.Context, logger ports.Logger, outcome StepOutcome, host *fleet.Host, step *Step, err error) StepOutcome {
	outcome.Status = OutcomeFailed
	outcome.Fatal = true
	outcome.Err = &StoreWriteError{Host: host.Name(), StepID: step.ID(), Err: err}
	logger.Error(ctx, "convergence store failure", ports.Err(err))
	return outcome
}

func (e *StepExecutor) loggerFor(ctx context.Context) ports.Logger {
	if l := ports.LoggerFromContext(ctx); l != nil {
		return l
	}
	return e.logger
}

func unwrapPermanent(err error) error {
	var pe *PermanentActionError
	if errors.As(err, &pe) {
		return pe.Err
	}
	var rp *retry.PermanentError
	if errors.As(err, &rp) {
		return rp.Unwrap()
	}
	return err
}
