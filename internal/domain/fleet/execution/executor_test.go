package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felixgeelhaar/kubeboot/internal/domain/convergence"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet"
	"github.com/felixgeelhaar/kubeboot/internal/domain/fleet/transport"
	"github.com/felixgeelhaar/kubeboot/internal/retry"
	"github.com/felixgeelhaar/kubeboot/internal/testutil"
	"github.com/felixgeelhaar/kubeboot/internal/testutil/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() ExecutorConfig {
	return ExecutorConfig{
		Retry: retry.Config{
			Attempts:     3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
		StepTimeout: time.Second,
	}
}

type recordingObserver struct {
	mu    sync.Mutex
	steps []StepOutcome
	hosts []*HostResult
}

func (o *recordingObserver) StepFinished(_ *fleet.Host, outcome StepOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps = append(o.steps, outcome)
}

func (o *recordingObserver) HostFinished(result *HostResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hosts = append(o.hosts, result)
}

type failingStore struct {
	*convergence.MemoryStore
	err error
}

func (s *failingStore) Record(string, string, convergence.Status, error) (convergence.Record, error) {
	return convergence.Record{}, s.err
}

func status(t *testing.T, store convergence.Store, host, step string) convergence.Status {
	t.Helper()
	rec, err := store.Get(host, step)
	require.NoError(t, err)
	return rec.Status
}

func TestDefaultExecutorConfig(t *testing.T) {
	t.Parallel()

	config := DefaultExecutorConfig()
	assert.Equal(t, retry.DefaultConfig(), config.Retry)
	assert.Equal(t, 10*time.Minute, config.StepTimeout)
	assert.False(t, config.DryRun)

	executor := NewStepExecutor(mocks.NewRemoteExecutor(), convergence.NewMemoryStore(), ExecutorConfig{})
	assert.Equal(t, config, executor.Config())
}

func TestStepExecutor_Execute_Done(t *testing.T) {
	t.Parallel()

	remote := mocks.NewRemoteExecutor()
	store := convergence.NewMemoryStore()
	observer := &recordingObserver{}
	executor := NewStepExecutor(remote, store, fastConfig(), WithObserver(observer))
	host := testutil.Host(t, "cp1", fleet.RoleControlPlane)

	outcome := executor.Execute(context.Background(), host, NewStep("swap-off", Run("swapoff -a")), NewParams())

	assert.Equal(t, OutcomeDone, outcome.Status)
	assert.Equal(t, 1, outcome.Attempts)
	require.NoError(t, outcome.Err)
	assert.Equal(t, convergence.StatusDone, status(t, store, "cp1", "swap-off"))
	assert.Equal(t, 1, remote.CountMatching("cp1", "swapoff -a"))
	require.Len(t, observer.steps, 1)
	assert.Equal(t, "swap-off", observer.steps[0].StepID)
}

func TestStepExecutor_Execute_Skips(t *testing.T) {
	t.Parallel()

	t.Run("already converged", func(t *testing.T) {
		t.Parallel()
		remote := mocks.NewRemoteExecutor()
		store := convergence.NewMemoryStore()
		_, err := store.Record("cp1", "swap-off", convergence.StatusDone, nil)
		require.NoError(t, err)
		executor := NewStepExecutor(remote, store, fastConfig())

		outcome := executor.Execute(context.Background(), testutil.Host(t, "cp1", fleet.RoleControlPlane),
			NewStep("swap-off", Run("swapoff -a")), NewParams())

		assert.Equal(t, OutcomeSkipped, outcome.Status)
		assert.Equal(t, "already converged", outcome.Reason)
		assert.Empty(t, remote.Calls())
	})

	t.Run("refresh reruns converged step", func(t *testing.T) {
		t.Parallel()
		remote := mocks.NewRemoteExecutor()
		store := convergence.NewMemoryStore()
		_, err := store.Record("cp1", "join-command", convergence.StatusDone, nil)
		require.NoError(t, err)
		executor := NewStepExecutor(remote, store, fastConfig())

		outcome := executor.Execute(context.Background(), testutil.Host(t, "cp1", fleet.RoleControlPlane),
			NewStep("join-command", Run("kubeadm token create")).Refresh(), NewParams())

		assert.Equal(t, OutcomeDone, outcome.Status)
		assert.Equal(t, 1, remote.CountMatching("cp1", "kubeadm token create"))
	})

	t.Run("not applicable", func(t *testing.T) {
		t.Parallel()
		remote := mocks.NewRemoteExecutor()
		store := convergence.NewMemoryStore()
		executor := NewStepExecutor(remote, store, fastConfig())
		step := NewStep("optional", Run("true")).When(func(*fleet.Host, convergence.Record, Params) bool { return false })

		outcome := executor.Execute(context.Background(), testutil.Host(t, "cp1", fleet.RoleControlPlane), step, NewParams())

		assert.Equal(t, OutcomeSkipped, outcome.Status)
		assert.Equal(t, "not applicable", outcome.Reason)
		assert.Empty(t, remote.Calls())
		assert.Equal(t, convergence.StatusNotStarted, status(t, store, "cp1", "optional"))
	})
}

func TestStepExecutor_Execute_DryRun(t *testing.T) {
	t.Parallel()

	remote := mocks.NewRemoteExecutor()
	store := convergence.NewMemoryStore()
	config := fastConfig()
	config.DryRun = true
	executor := NewStepExecutor(remote, store, config)

	outcome := executor.Execute(context.Background(), testutil.Host(t, "cp1", fleet.RoleControlPlane),
		NewStep("swap-off", Run("swapoff -a")), NewParams())

	assert.Equal(t, OutcomePlanned, outcome.Status)
	assert.Empty(t, remote.Calls())
	records, err := store.All()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStepExecutor_Execute_Retries(t *testing.T) {
	t.Parallel()

	t.Run("transient failure recovers", func(t *testing.T) {
		t.Parallel()
		remote := mocks.NewRemoteExecutor().FailCommand("cp1", "apt-get", errors.New("connection reset"), 2)
		store := convergence.NewMemoryStore()
		executor := NewStepExecutor(remote, store, fastConfig())

		outcome := executor.Execute(context.Background(), testutil.Host(t, "cp1", fleet.RoleControlPlane),
			NewStep("base-packages", Run("apt-get install -y curl")), NewParams())

		assert.Equal(t, OutcomeDone, outcome.Status)
		assert.Equal(t, 3, outcome.Attempts)
		assert.Equal(t, convergence.StatusDone, status(t, store, "cp1", "base-packages"))
	})

	t.Run("retries exhausted", func(t *testing.T) {
		t.Parallel()
		remote := mocks.NewRemoteExecutor().FailCommand("cp1", "apt-get", errors.New("connection reset"), 0)
		store := convergence.NewMemoryStore()
		executor := NewStepExecutor(remote, store, fastConfig())

		outcome := executor.Execute(context.Background(), testutil.Host(t, "cp1", fleet.RoleControlPlane),
			NewStep("base-packages", Run("apt-get install -y curl")), NewParams())

		assert.Equal(t, OutcomeFailed, outcome.Status)
		assert.Equal(t, 3, outcome.Attempts)
		var transient *TransientActionError
		require.ErrorAs(t, outcome.Err, &transient)
		assert.Equal(t, 3, transient.Attempts)
		assert.Equal(t, 3, remote.CountMatching("cp1", "apt-get"))

		rec, err := store.Get("cp1", "base-packages")
		require.NoError(t, err)
		assert.Equal(t, convergence.StatusFailed, rec.Status)
		assert.Contains(t, rec.LastError, "connection reset")
	})

	t.Run("permanent failure is not retried", func(t *testing.T) {
		t.Parallel()
		store := convergence.NewMemoryStore()
		executor := NewStepExecutor(mocks.NewRemoteExecutor(), store, fastConfig())
		var calls atomic.Int32
		step := NewStep("kubeadm-join", func(context.Context, Env) (Output, error) {
			calls.Add(1)
			return Output{}, Permanent(errors.New("no join credential"))
		})

		outcome := executor.Execute(context.Background(), testutil.Host(t, "w1", fleet.RoleWorker), step, NewParams())

		assert.Equal(t, OutcomeFailed, outcome.Status)
		assert.Equal(t, int32(1), calls.Load())
		var permanent *PermanentActionError
		require.ErrorAs(t, outcome.Err, &permanent)
		assert.Equal(t, "kubeadm-join", permanent.StepID)
		assert.EqualError(t, permanent.Err, "no join credential")
		assert.True(t, IsPermanent(outcome.Err))
	})

	t.Run("retry package permanent marker is honored", func(t *testing.T) {
		t.Parallel()
		executor := NewStepExecutor(mocks.NewRemoteExecutor(), convergence.NewMemoryStore(), fastConfig())
		var calls atomic.Int32
		step := NewStep("kubeadm-join", func(context.Context, Env) (Output, error) {
			calls.Add(1)
			return Output{}, retry.Permanent(errors.New("bad url"))
		})

		outcome := executor.Execute(context.Background(), testutil.Host(t, "w1", fleet.RoleWorker), step, NewParams())

		assert.Equal(t, int32(1), calls.Load())
		var permanent *PermanentActionError
		require.ErrorAs(t, outcome.Err, &permanent)
		assert.EqualError(t, permanent.Err, "bad url")
	})
}

func TestStepExecutor_Execute_StepTimeout(t *testing.T) {
	t.Parallel()

	remote := mocks.NewRemoteExecutor().OnCommandFunc("cp1", "kubeadm init", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	store := convergence.NewMemoryStore()
	config := fastConfig()
	config.Retry.Attempts = 2
	executor := NewStepExecutor(remote, store, config)
	step := NewStep("kubeadm-init", Run("kubeadm init")).WithTimeout(20 * time.Millisecond)

	outcome := executor.Execute(context.Background(), testutil.Host(t, "cp1", fleet.RoleControlPlane), step, NewParams())

	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.Equal(t, 2, outcome.Attempts)
	var timeout *TimeoutError
	require.ErrorAs(t, outcome.Err, &timeout)
	assert.Equal(t, ScopeStep, timeout.Scope)
	assert.Equal(t, 20*time.Millisecond, timeout.Limit)
	assert.ErrorIs(t, outcome.Err, context.DeadlineExceeded)
}

func TestStepExecutor_Execute_Extract(t *testing.T) {
	t.Parallel()

	remote := mocks.NewRemoteExecutor().
		OnCommand("cp1", "token create", transport.CommandResult{Stdout: []byte("kubeadm join 10.0.0.1:6443\n")})
	executor := NewStepExecutor(remote, convergence.NewMemoryStore(), fastConfig())
	step := NewStep("join-command", Run("kubeadm token create --print-join-command")).
		Produces("join-credential", func(out Output) (any, error) { return out.Stdout, nil })

	outcome := executor.Execute(context.Background(), testutil.Host(t, "cp1", fleet.RoleControlPlane), step, NewParams())

	assert.Equal(t, OutcomeDone, outcome.Status)
	assert.Equal(t, "join-credential", outcome.Output)
	assert.Equal(t, "kubeadm join 10.0.0.1:6443\n", outcome.Value)
}

func TestStepExecutor_Execute_ExtractFailureRetries(t *testing.T) {
	t.Parallel()

	executor := NewStepExecutor(mocks.NewRemoteExecutor(), convergence.NewMemoryStore(), fastConfig())
	var calls atomic.Int32
	step := NewStep("join-command", Run("kubeadm token create")).
		Produces("join-credential", func(Output) (any, error) {
			if calls.Add(1) < 2 {
				return nil, errors.New("garbled output")
			}
			return "ok", nil
		})

	outcome := executor.Execute(context.Background(), testutil.Host(t, "cp1", fleet.RoleControlPlane), step, NewParams())

	assert.Equal(t, OutcomeDone, outcome.Status)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, "ok", outcome.Value)
}

func TestStepExecutor_Execute_Cancellation(t *testing.T) {
	t.Parallel()

	t.Run("cancelled before start", func(t *testing.T) {
		t.Parallel()
		remote := mocks.NewRemoteExecutor()
		store := convergence.NewMemoryStore()
		executor := NewStepExecutor(remote, store, fastConfig())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		outcome := executor.Execute(ctx, testutil.Host(t, "w1", fleet.RoleWorker), NewStep("swap-off", Run("swapoff -a")), NewParams())

		assert.Equal(t, OutcomeCancelled, outcome.Status)
		require.ErrorIs(t, outcome.Err, context.Canceled)
		assert.Empty(t, remote.Calls())
		assert.Equal(t, convergence.StatusCancelled, status(t, store, "w1", "swap-off"))
	})

	t.Run("done record survives cancellation", func(t *testing.T) {
		t.Parallel()
		store := convergence.NewMemoryStore()
		_, err := store.Record("w1", "swap-off", convergence.StatusDone, nil)
		require.NoError(t, err)
		executor := NewStepExecutor(mocks.NewRemoteExecutor(), store, fastConfig())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		outcome := executor.Execute(ctx, testutil.Host(t, "w1", fleet.RoleWorker), NewStep("swap-off", Run("swapoff -a")), NewParams())

		assert.Equal(t, OutcomeCancelled, outcome.Status)
		assert.Equal(t, convergence.StatusDone, status(t, store, "w1", "swap-off"))
	})

	t.Run("cancelled during backoff", func(t *testing.T) {
		t.Parallel()
		store := convergence.NewMemoryStore()
		config := fastConfig()
		config.Retry.InitialDelay = time.Hour
		config.Retry.MaxDelay = time.Hour
		executor := NewStepExecutor(mocks.NewRemoteExecutor(), store, config)
		ctx, cancel := context.WithCancel(context.Background())
		step := NewStep("containerd-install", func(context.Context, Env) (Output, error) {
			cancel()
			return Output{}, errors.New("mirror unavailable")
		})

		outcome := executor.Execute(ctx, testutil.Host(t, "w1", fleet.RoleWorker), step, NewParams())

		assert.Equal(t, OutcomeCancelled, outcome.Status)
		assert.Equal(t, convergence.StatusCancelled, status(t, store, "w1", "containerd-install"))
	})

	t.Run("running attempt is not interrupted", func(t *testing.T) {
		t.Parallel()
		store := convergence.NewMemoryStore()
		executor := NewStepExecutor(mocks.NewRemoteExecutor(), store, fastConfig())
		ctx, cancel := context.WithCancel(context.Background())
		step := NewStep("kubeadm-join", func(actx context.Context, _ Env) (Output, error) {
			cancel()
			if err := actx.Err(); err != nil {
				return Output{}, err
			}
			return Output{}, nil
		})

		outcome := executor.Execute(ctx, testutil.Host(t, "w1", fleet.RoleWorker), step, NewParams())

		assert.Equal(t, OutcomeDone, outcome.Status)
		assert.Equal(t, convergence.StatusDone, status(t, store, "w1", "kubeadm-join"))
	})
}

func TestStepExecutor_Execute_StoreFailure(t *testing.T) {
	t.Parallel()

	store := &failingStore{MemoryStore: convergence.NewMemoryStore(), err: convergence.ErrSaveFailed}
	remote := mocks.NewRemoteExecutor()
	executor := NewStepExecutor(remote, store, fastConfig())

	outcome := executor.Execute(context.Background(), testutil.Host(t, "cp1", fleet.RoleControlPlane),
		NewStep("swap-off", Run("swapoff -a")), NewParams())

	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.True(t, outcome.Fatal)
	var storeErr *StoreWriteError
	require.ErrorAs(t, outcome.Err, &storeErr)
	assert.Equal(t, "cp1", storeErr.Host)
	require.ErrorIs(t, outcome.Err, convergence.ErrSaveFailed)
	assert.Empty(t, remote.Calls(), "action must not run when InProgress cannot be recorded")
}
