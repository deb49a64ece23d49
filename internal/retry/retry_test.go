package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fast() Option {
	return WithConfig(Config{Attempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2})
}

func TestDo_SuccessFirstAttempt(t *testing.T) {
	t.Parallel()

	calls := 0
	attempts, err := Do(context.Background(), func(int) error {
		calls++
		return nil
	}, fast())

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	t.Parallel()

	var retried []int
	attempts, err := Do(context.Background(), func(attempt int) error {
		if attempt < 3 {
			return errors.New("temporary error")
		}
		return nil
	}, fast(), OnRetry(func(attempt int, _ error, _ time.Duration) {
		retried = append(retried, attempt)
	}))

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_Exhausted(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("persistent error")
	attempts, err := Do(context.Background(), func(int) error {
		return sentinel
	}, fast())

	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, sentinel)
	assert.NotErrorIs(t, err, ErrInterrupted)
}

func TestDo_PermanentNotRetried(t *testing.T) {
	t.Parallel()

	calls := 0
	attempts, err := Do(context.Background(), func(int) error {
		calls++
		return Permanent(errors.New("bad input"))
	}, fast())

	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
	assert.True(t, IsPermanent(err))
}

func TestDo_InterruptedDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	sentinel := errors.New("flaky")

	attempts, err := Do(ctx, func(int) error {
		cancel()
		return sentinel
	}, WithAttempts(5), WithInitialDelay(time.Hour))

	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.ErrorIs(t, err, sentinel)
}

func TestDo_AttemptsContinuePastCap(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	cfg := Config{Attempts: 6, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
	attempts, err := Do(context.Background(), func(int) error {
		return errors.New("still failing")
	}, WithConfig(cfg), OnRetry(func(_ int, _ error, wait time.Duration) {
		waits = append(waits, wait)
	}))

	require.Error(t, err)
	assert.Equal(t, 6, attempts)
	ms := time.Millisecond
	assert.Equal(t, []time.Duration{ms, 2 * ms, 2 * ms, 2 * ms, 2 * ms}, waits)
}

func TestDo_CancelledBeforeFirstAttempt(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	attempts, err := Do(ctx, func(int) error {
		calls++
		return nil
	}, fast())

	assert.Equal(t, 0, attempts)
	assert.Equal(t, 0, calls)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfig_Backoff(t *testing.T) {
	t.Parallel()

	b := DefaultConfig().Backoff(3)
	assert.Equal(t, 2*time.Second, b.Duration)
	assert.InDelta(t, 2.0, b.Factor, 0)
	assert.Equal(t, 3, b.Steps)
	assert.Equal(t, 30*time.Second, b.Cap)

	clamped := Config{InitialDelay: time.Minute, MaxDelay: time.Second, Multiplier: 2}.Backoff(1)
	assert.Equal(t, time.Second, clamped.Duration)
}

func TestConfig_Delay(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	assert.Equal(t, 2*time.Second, cfg.Delay(1))
	assert.Equal(t, 4*time.Second, cfg.Delay(2))
	assert.Equal(t, 16*time.Second, cfg.Delay(4))
	assert.Equal(t, 30*time.Second, cfg.Delay(5))
	assert.Equal(t, 30*time.Second, cfg.Delay(12))

	unbounded := Config{InitialDelay: time.Second, Multiplier: 3}
	assert.Equal(t, 9*time.Second, unbounded.Delay(3))
}

func TestPermanent(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Permanent(nil))
	assert.False(t, IsPermanent(errors.New("plain")))

	inner := errors.New("inner")
	err := Permanent(inner)
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "inner", err.Error())
}
