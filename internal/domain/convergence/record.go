// Package convergence tracks per-host, per-step completion state so that
// bootstrap reruns skip finished work and resume after partial failure.
package convergence

import (
	"fmt"
	"time"
)

// Status is the convergence state of one step on one host.
type Status string

const (
	// StatusNotStarted means the step was never attempted on the host.
	StatusNotStarted Status = "NotStarted"
	// StatusInProgress means an attempt is running or was interrupted mid-apply.
	StatusInProgress Status = "InProgress"
	// StatusDone means the step applied successfully.
	StatusDone Status = "Done"
	// StatusFailed means the step exhausted its attempts.
	StatusFailed Status = "Failed"
	// StatusCancelled means the run was cancelled before the step could apply.
	StatusCancelled Status = "Cancelled"
)

// ParseStatus validates a persisted status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusNotStarted, StatusInProgress, StatusDone, StatusFailed, StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("unknown convergence status %q", s)
	}
}

// Key identifies a record.
type Key struct {
	Host   string
	StepID string
}

func (k Key) String() string {
	return k.Host + "/" + k.StepID
}

// Record is the convergence state of one (host, step) pair.
type Record struct {
	Host      string
	StepID    string
	Status    Status
	LastError string
	Timestamp time.Time
}

// Key returns the record's identity.
func (r Record) Key() Key {
	return Key{Host: r.Host, StepID: r.StepID}
}

// IsDone reports whether the step completed on the host.
func (r Record) IsDone() bool {
	return r.Status == StatusDone
}

// NotStarted returns the implicit record for a pair that has never been attempted.
func NotStarted(host, stepID string) Record {
	return Record{Host: host, StepID: stepID, Status: StatusNotStarted}
}
