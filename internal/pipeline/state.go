package pipeline

import (
	"context"
	"time"

	"autopress/internal/model"
	"autopress/internal/store"
)

const (
	levelInfo  = "info"
	levelWarn  = "warn"
	levelError = "error"
)

// StateService owns the generation state singleton. Every change is one
// read-modify-write of the backing store.
type StateService struct {
	store store.StateStore
	now   func() time.Time
}

func NewStateService(st store.StateStore) *StateService {
	return &StateService{store: st, now: time.Now}
}

func (s *StateService) Load(ctx context.Context) (model.GenerationState, error) {
	return s.store.LoadState(ctx)
}

// Update applies fn and, when message is not empty, appends it to the log ring.
func (s *StateService) Update(ctx context.Context, level, message string, fn func(*model.GenerationState)) (model.GenerationState, error) {
	return s.store.UpdateState(ctx, func(st *model.GenerationState) error {
		if fn != nil {
			fn(st)
		}
		if message != "" {
			st.AppendLog(s.now(), level, message)
		}
		return nil
	})
}

// Log appends one entry to the log ring.
func (s *StateService) Log(ctx context.Context, level, message string) error {
	_, err := s.Update(ctx, level, message, nil)
	return err
}
