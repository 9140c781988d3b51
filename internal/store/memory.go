package store

import (
	"context"
	"sync"

	"autopress/internal/model"
)

// MemoryStateStore keeps the generation state in process memory.
type MemoryStateStore struct {
	mu    sync.Mutex
	state model.GenerationState
}

var _ StateStore = (*MemoryStateStore)(nil)

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{state: model.NewGenerationState()}
}

func (m *MemoryStateStore) LoadState(ctx context.Context) (model.GenerationState, error) {
	if err := ctx.Err(); err != nil {
		return model.GenerationState{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneState(m.state), nil
}

func (m *MemoryStateStore) UpdateState(ctx context.Context, fn func(*model.GenerationState) error) (model.GenerationState, error) {
	if err := ctx.Err(); err != nil {
		return model.GenerationState{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next := cloneState(m.state)
	if err := fn(&next); err != nil {
		return model.GenerationState{}, err
	}
	m.state = next
	return cloneState(next), nil
}

func cloneState(s model.GenerationState) model.GenerationState {
	s.Logs = append([]model.LogEntry{}, s.Logs...)
	return s
}
