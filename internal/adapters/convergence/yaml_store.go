// Package convergence provides a file-backed convergence store.
package convergence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/felixgeelhaar/kubeboot/internal/adapters/logging"
	"github.com/felixgeelhaar/kubeboot/internal/domain/convergence"
	"github.com/felixgeelhaar/kubeboot/internal/ports"
	"gopkg.in/yaml.v3"
)

// YAMLStore implements convergence.Store on a YAML file. Reads are served
// from memory; every mutation goes through a single writer goroutine that
// rewrites the file atomically before the change becomes visible.
type YAMLStore struct {
	path string

	mu      sync.RWMutex
	records map[convergence.Key]convergence.Record

	writes    chan writeRequest
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	now       func() time.Time
	writeFile func(path string, data []byte) error
	logger    ports.Logger
}

type writeRequest struct {
	mutate func(map[convergence.Key]convergence.Record) (convergence.Record, int)
	reply  chan writeReply
}

type writeReply struct {
	record  convergence.Record
	removed int
	err     error
}

// YAMLStoreOption configures a YAMLStore.
type YAMLStoreOption func(*YAMLStore)

// WithLogger sets the logger used for persistence diagnostics.
func WithLogger(logger ports.Logger) YAMLStoreOption {
	return func(s *YAMLStore) {
		s.logger = logger
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) YAMLStoreOption {
	return func(s *YAMLStore) {
		s.now = now
	}
}

// OpenYAMLStore loads the state file at path (a missing file is an empty
// store) and starts the writer. Callers must Close the store.
func OpenYAMLStore(path string, opts ...YAMLStoreOption) (*YAMLStore, error) {
	s := &YAMLStore{
		path:      path,
		records:   make(map[convergence.Key]convergence.Record),
		writes:    make(chan writeRequest),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		now:       time.Now,
		writeFile: atomicWrite,
		logger:    logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	records, err := Load(path)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		s.records[rec.Key()] = rec
	}

	go s.run()
	return s, nil
}

// Load reads the records persisted at path.
func Load(path string) ([]convergence.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var dtos []convergence.RecordDTO
	if err := yaml.Unmarshal(data, &dtos); err != nil {
		return nil, fmt.Errorf("%w: %w", convergence.ErrStoreCorrupt, err)
	}

	records := make([]convergence.Record, 0, len(dtos))
	for _, dto := range dtos {
		rec, err := convergence.FromDTO(dto)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", convergence.ErrStoreCorrupt, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Path returns the backing file path.
func (s *YAMLStore) Path() string {
	return s.path
}

// Get implements convergence.Store.
func (s *YAMLStore) Get(host, stepID string) (convergence.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[convergence.Key{Host: host, StepID: stepID}]; ok {
		return rec, nil
	}
	return convergence.NotStarted(host, stepID), nil
}

// All implements convergence.Store.
func (s *YAMLStore) All() ([]convergence.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return convergence.Sorted(s.records), nil
}

// Record implements convergence.Store.
func (s *YAMLStore) Record(host, stepID string, status convergence.Status, cause error) (convergence.Record, error) {
	reply := s.submit(func(m map[convergence.Key]convergence.Record) (convergence.Record, int) {
		rec := convergence.NewRecord(host, stepID, status, cause, s.now())
		m[rec.Key()] = rec
		return rec, 0
	})
	return reply.record, reply.err
}

// Reset implements convergence.Store.
func (s *YAMLStore) Reset(host string) (int, error) {
	reply := s.submit(func(m map[convergence.Key]convergence.Record) (convergence.Record, int) {
		return convergence.Record{}, convergence.ResetHost(m, host)
	})
	return reply.removed, reply.err
}

// Close stops the writer. Writes after Close fail with ErrStoreClosed.
func (s *YAMLStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
	<-s.stopped
	return nil
}

func (s *YAMLStore) submit(mutate func(map[convergence.Key]convergence.Record) (convergence.Record, int)) writeReply {
	req := writeRequest{mutate: mutate, reply: make(chan writeReply, 1)}
	select {
	case s.writes <- req:
	case <-s.quit:
		return writeReply{err: convergence.ErrStoreClosed}
	}
	return <-req.reply
}

func (s *YAMLStore) run() {
	defer close(s.stopped)
	for {
		select {
		case req := <-s.writes:
			req.reply <- s.apply(req)
		case <-s.quit:
			return
		}
	}
}

func (s *YAMLStore) apply(req writeRequest) writeReply {
	s.mu.RLock()
	next := make(map[convergence.Key]convergence.Record, len(s.records)+1)
	for k, v := range s.records {
		next[k] = v
	}
	s.mu.RUnlock()

	rec, removed := req.mutate(next)

	if err := s.persist(next); err != nil {
		s.logger.Error(context.Background(), "convergence state write failed",
			ports.F("path", s.path), ports.Err(err))
		return writeReply{err: err}
	}

	s.mu.Lock()
	s.records = next
	s.mu.Unlock()
	return writeReply{record: rec, removed: removed}
}

func (s *YAMLStore) persist(records map[convergence.Key]convergence.Record) error {
	sorted := convergence.Sorted(records)
	dtos := make([]convergence.RecordDTO, 0, len(sorted))
	for _, rec := range sorted {
		dtos = append(dtos, convergence.ToDTO(rec))
	}

	data, err := yaml.Marshal(dtos)
	if err != nil {
		return fmt.Errorf("%w: %w", convergence.ErrSaveFailed, err)
	}
	if err := s.writeFile(s.path, data); err != nil {
		return fmt.Errorf("%w: %w", convergence.ErrSaveFailed, err)
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_, werr := f.Write(data)
	serr := f.Sync()
	cerr := f.Close()
	if err := errors.Join(werr, serr, cerr); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

var _ convergence.Store = (*YAMLStore)(nil)
