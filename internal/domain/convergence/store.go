package convergence

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Store errors.
var (
	ErrStoreCorrupt = errors.New("convergence state is corrupt")
	ErrSaveFailed   = errors.New("failed to save convergence state")
	ErrStoreClosed  = errors.New("convergence store is closed")
)

// Store persists convergence records. Implementations must serialize
// concurrent writes to their backing medium.
type Store interface {
	// Get returns the record for the pair, or a NotStarted record if none exists.
	Get(host, stepID string) (Record, error)

	// Record upserts the status of a pair and stamps it with the current time.
	// A nil cause clears the last error.
	Record(host, stepID string, status Status, cause error) (Record, error)

	// All returns every record ordered by host then step.
	All() ([]Record, error)

	// Reset deletes the records of one host, or of every host when host is empty.
	// It returns the number of records removed.
	Reset(host string) (int, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Key]Record
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[Key]Record),
		now:     time.Now,
	}
}

// Get implements Store.
func (s *MemoryStore) Get(host, stepID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[Key{Host: host, StepID: stepID}]; ok {
		return rec, nil
	}
	return NotStarted(host, stepID), nil
}

// Record implements Store.
func (s *MemoryStore) Record(host, stepID string, status Status, cause error) (Record, error) {
	rec := NewRecord(host, stepID, status, cause, s.now())
	s.mu.Lock()
	s.records[rec.Key()] = rec
	s.mu.Unlock()
	return rec, nil
}

// All implements Store.
func (s *MemoryStore) All() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Sorted(s.records), nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(host string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ResetHost(s.records, host), nil
}

// NewRecord builds a record, flattening the cause into its message.
func NewRecord(host, stepID string, status Status, cause error, at time.Time) Record {
	rec := Record{Host: host, StepID: stepID, Status: status, Timestamp: at.UTC()}
	if cause != nil {
		rec.LastError = cause.Error()
	}
	return rec
}

// Sorted returns the records of m ordered by host then step.
func Sorted(m map[Key]Record) []Record {
	out := make([]Record, 0, len(m))
	for _, rec := range m {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].StepID < out[j].StepID
	})
	return out
}

// ResetHost removes the records of host (or all records when host is empty) from m.
func ResetHost(m map[Key]Record, host string) int {
	removed := 0
	for k := range m {
		if host == "" || k.Host == host {
			delete(m, k)
			removed++
		}
	}
	return removed
}

var _ Store = (*MemoryStore)(nil)
