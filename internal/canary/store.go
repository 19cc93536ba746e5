package canary

import (
	"context"
	"sync"
)

// Store persists the singleton controller state.
//
// Read returns (nil, nil) when no state has been written yet.
type Store interface {
	Read(ctx context.Context) (*State, error)
	Write(ctx context.Context, state *State) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps state in process memory. Used by tests and by
// deployments that opt out of persistence.
type MemoryStore struct {
	mu    sync.Mutex
	state *State
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Read returns a copy of the stored state.
func (s *MemoryStore) Read(context.Context) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, nil
	}
	cp := *s.state
	cp.Window = append([]Outcome(nil), s.state.Window...)
	return &cp, nil
}

// Write replaces the stored state with a copy.
func (s *MemoryStore) Write(_ context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	cp.Window = append([]Outcome(nil), state.Window...)
	s.state = &cp
	return nil
}

// Clear removes the stored state.
func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nil
	return nil
}
