package engine

import (
	"context"
	"sync"

	"github.com/tracetab/tracetab/pkg/types"
)

// Serialized guards an Engine with a mutex so that loads and reads from
// several goroutines never overlap. Tables returned by Snapshot and Data are
// copies and stay valid across later loads; View lends the engine's own
// storage for the duration of a callback.
type Serialized struct {
	mu sync.Mutex
	e  *Engine
}

// NewSerialized wraps e. e must not be used directly afterwards.
func NewSerialized(e *Engine) *Serialized {
	return &Serialized{e: e}
}

// Layout returns the row layout.
func (s *Serialized) Layout() types.Layout { return s.e.Layout() }

// State returns the current lifecycle state.
func (s *Serialized) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.e.State()
}

// Load runs Engine.Load while holding the lock.
func (s *Serialized) Load(ctx context.Context, path string) (*LoadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.e.Load(ctx, path)
}

// Snapshot returns a copy of the current table.
func (s *Serialized) Snapshot() (types.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.e.Snapshot()
	if err != nil {
		return types.Table{}, err
	}
	return t.Clone(), nil
}

// Data returns a copy of the loaded table, or the error Engine.Data reports.
func (s *Serialized) Data() (types.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.e.Data()
	if err != nil {
		return types.Table{}, err
	}
	return t.Clone(), nil
}

// View calls fn with the loaded table while holding the lock. The table must
// not be retained after fn returns.
func (s *Serialized) View(fn func(types.Table) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.e.Data()
	if err != nil {
		return err
	}
	return fn(t)
}

// Release drops the current table.
func (s *Serialized) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.e.Release()
}
