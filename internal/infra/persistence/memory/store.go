// Package memory implements the run registry in process memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"donorbase/internal/merge"
	"donorbase/internal/registry/core"
)

// Compile-time contract assertion ensuring the store satisfies the registry interface.
var _ core.Store = (*Store)(nil)

// Store keeps runs and donors in maps guarded by a mutex.
type Store struct {
	mu     sync.RWMutex
	runs    map[string]core.Run
	donors  map[string][]core.Donor
	pending map[string]struct{}
}

// NewStore returns an empty registry.
func NewStore() *Store {
	return &Store{
		runs:    make(map[string]core.Run),
		donors:  make(map[string][]core.Donor),
		pending: make(map[string]struct{}),
	}
}

// BeginRun reserves run.ID and returns a writer buffering its donors until
// Commit. An empty or already registered id is rejected.
func (s *Store) BeginRun(_ context.Context, run core.Run) (core.RunWriter, error) {
	if run.ID == "" {
		return nil, fmt.Errorf("run id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return nil, fmt.Errorf("run %s already registered", run.ID)
	}
	if _, pending := s.pending[run.ID]; pending {
		return nil, fmt.Errorf("run %s already being registered", run.ID)
	}
	s.pending[run.ID] = struct{}{}
	return &runWriter{store: s, run: cloneRun(run), ids: make(map[string]struct{})}, nil
}

type runWriter struct {
	store  *Store
	run    core.Run
	donors []core.Donor
	ids    map[string]struct{}
	done   bool
}

func (w *runWriter) Add(_ context.Context, d core.Donor) error {
	if w.done {
		return fmt.Errorf("run %s already finished", w.run.ID)
	}
	if _, dup := w.ids[d.ID]; dup {
		return fmt.Errorf("run %s: duplicate donor %s", w.run.ID, d.ID)
	}
	w.ids[d.ID] = struct{}{}
	w.donors = append(w.donors, d)
	return nil
}

func (w *runWriter) Commit(_ context.Context, stats merge.Stats) error {
	if w.done {
		return fmt.Errorf("run %s already finished", w.run.ID)
	}
	w.done = true
	w.run.Stats = stats
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	delete(w.store.pending, w.run.ID)
	w.store.runs[w.run.ID] = w.run
	w.store.donors[w.run.ID] = w.donors
	return nil
}

func (w *runWriter) Rollback() error {
	if w.done {
		return nil
	}
	w.done = true
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	delete(w.store.pending, w.run.ID)
	return nil
}

// Run returns the run with id.
func (s *Store) Run(_ context.Context, id string) (core.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return core.Run{}, fmt.Errorf("run %s: %w", id, core.ErrRunNotFound)
	}
	return cloneRun(run), nil
}

// Runs lists runs newest first.
func (s *Store) Runs(_ context.Context) ([]core.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Donors returns the donors of runID in database order.
func (s *Store) Donors(_ context.Context, runID string) ([]core.Donor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	donors, ok := s.donors[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, core.ErrRunNotFound)
	}
	return append([]core.Donor(nil), donors...), nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func cloneRun(r core.Run) core.Run {
	r.Sources = append([]string(nil), r.Sources...)
	return r
}
