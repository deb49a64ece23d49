// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// ErrInterrupted is returned when the context ends while waiting between attempts.
var ErrInterrupted = errors.New("retry interrupted")

// Config holds retry configuration.
type Config struct {
	// Attempts is the total number of tries, including the first.
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultConfig returns three attempts, a 2s base delay doubling up to 30s.
func DefaultConfig() Config {
	return Config{
		Attempts:     3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Backoff returns the wait.Backoff schedule for steps attempts.
func (c Config) Backoff(steps int) wait.Backoff {
	initial := c.InitialDelay
	if c.MaxDelay > 0 && initial > c.MaxDelay {
		initial = c.MaxDelay
	}
	return wait.Backoff{
		Duration: initial,
		Factor:   c.Multiplier,
		Steps:    steps,
		Cap:      c.MaxDelay,
	}
}

// Delay returns the wait after the given 1-based attempt fails.
func (c Config) Delay(attempt int) time.Duration {
	b := c.Backoff(math.MaxInt32)
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.Step()
	}
	return d
}

// Option is a functional option for retry configuration.
type Option func(*settings)

type settings struct {
	Config
	onRetry func(attempt int, err error, wait time.Duration)
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(s *settings) {
		s.Config = cfg
	}
}

// WithAttempts sets the total number of attempts.
func WithAttempts(n int) Option {
	return func(s *settings) {
		s.Attempts = n
	}
}

// WithInitialDelay sets the initial delay between retries.
func WithInitialDelay(d time.Duration) Option {
	return func(s *settings) {
		s.InitialDelay = d
	}
}

// WithMaxDelay sets the maximum delay between retries.
func WithMaxDelay(d time.Duration) Option {
	return func(s *settings) {
		s.MaxDelay = d
	}
}

// WithMultiplier sets the backoff multiplier.
func WithMultiplier(m float64) Option {
	return func(s *settings) {
		s.Multiplier = m
	}
}

// OnRetry registers a callback invoked before each backoff wait.
func OnRetry(fn func(attempt int, err error, wait time.Duration)) Option {
	return func(s *settings) {
		s.onRetry = fn
	}
}

// Do calls operation until it succeeds, returns a permanent error, or the
// attempts run out. It reports how many attempts were made. The returned
// error is the operation's last error, wrapped with ErrInterrupted when ctx
// ended before the attempts ran out.
func Do(ctx context.Context, operation func(attempt int) error, opts ...Option) (int, error) {
	s := &settings{Config: DefaultConfig()}
	for _, opt := range opts {
		opt(s)
	}
	if s.Attempts < 1 {
		s.Attempts = 1
	}
	if s.Multiplier < 1 {
		s.Multiplier = 1
	}

	attempts := 0
	var lastErr error
	condition := func(context.Context) (bool, error) {
		attempts++
		err := operation(attempts)
		if err == nil {
			return true, nil
		}
		lastErr = err
		if IsPermanent(err) {
			return false, err
		}
		if attempts < s.Attempts && s.onRetry != nil {
			s.onRetry(attempts, err, s.Delay(attempts))
		}
		return false, nil
	}

	// wait.Backoff stops its schedule once the cap is reached, so the
	// attempts left after that run at a flat MaxDelay.
	backoff := s.Backoff(s.Attempts)
	for {
		err := wait.ExponentialBackoffWithContext(ctx, backoff, condition)
		switch {
		case err == nil:
			return attempts, nil
		case IsPermanent(err):
			return attempts, err
		case attempts >= s.Attempts:
			return attempts, lastErr
		case ctx.Err() != nil:
			if lastErr == nil {
				return attempts, fmt.Errorf("%w before the first attempt: %w", ErrInterrupted, ctx.Err())
			}
			return attempts, fmt.Errorf("%w after %d attempts: %w", ErrInterrupted, attempts, lastErr)
		}
		backoff = wait.Backoff{Duration: s.MaxDelay, Steps: s.Attempts - attempts}
	}
}

// PermanentError wraps an error to mark it as non-retryable.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is marked non-retryable.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
