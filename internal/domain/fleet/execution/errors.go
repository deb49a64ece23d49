package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/kubeboot/internal/retry"
)

// Plan errors.
var (
	ErrDuplicateStep  = errors.New("duplicate step id")
	ErrUnknownStep    = errors.New("unknown step dependency")
	ErrStepOrder      = errors.New("step dependency out of order")
	ErrMissingApplyFn = errors.New("step has no action")
)

// TransientActionError is a step failure that persisted through every retry.
type TransientActionError struct {
	StepID   string
	Attempts int
	Err      error
}

func (e *TransientActionError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempts: %v", e.StepID, e.Attempts, e.Err)
}

func (e *TransientActionError) Unwrap() error {
	return e.Err
}

// PermanentActionError is a step failure that retrying cannot fix.
type PermanentActionError struct {
	StepID string
	Err    error
}

func (e *PermanentActionError) Error() string {
	if e.StepID == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("step %s failed permanently: %v", e.StepID, e.Err)
}

func (e *PermanentActionError) Unwrap() error {
	return e.Err
}

// Permanent marks err as not worth retrying. Step actions use it for
// validation failures and other deterministic errors.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentActionError{Err: err}
}

// IsPermanent reports whether err was marked permanent by this package or
// by the retry package.
func IsPermanent(err error) bool {
	var pe *PermanentActionError
	return errors.As(err, &pe) || retry.IsPermanent(err)
}

// TimeoutScope identifies which deadline expired.
type TimeoutScope string

// Timeout scopes.
const (
	ScopeStep TimeoutScope = "step"
	ScopeRole TimeoutScope = "role"
	ScopeRun  TimeoutScope = "run"
)

// TimeoutError reports an expired deadline. It matches
// context.DeadlineExceeded with errors.Is.
type TimeoutError struct {
	Scope   TimeoutScope
	Subject string
	Limit   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s timed out after %s", e.Scope, e.Subject, e.Limit)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// StoreWriteError reports that the convergence store could not be read or
// written. It aborts the run.
type StoreWriteError struct {
	Host   string
	StepID string
	Err    error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("convergence store %s/%s: %v", e.Host, e.StepID, e.Err)
}

func (e *StoreWriteError) Unwrap() error {
	return e.Err
}
