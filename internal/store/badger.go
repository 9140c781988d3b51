package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"autopress/internal/model"

	"github.com/dgraph-io/badger/v4"
)

var (
	topicsKey      = []byte("collection:topics")
	articlesKey    = []byte("collection:articles")
	categoriesKey  = []byte("collection:categories")
	submissionsKey = []byte("collection:submissions")
	stateKey       = []byte("state:generation")
)

// Concurrent writers to the same collection surface as badger.ErrConflict;
// the whole read-modify-write is replayed a bounded number of times.
const maxConflictRetries = 5

// BadgerStore keeps every collection as one JSON document under its own key.
// Each mutation runs inside a single Badger transaction, so readers see
// either the previous or the next full collection, never a partial one.
type BadgerStore struct {
	db *badger.DB
}

var (
	_ TopicRepository    = (*BadgerStore)(nil)
	_ ArticleRepository  = (*BadgerStore)(nil)
	_ CategoryRepository = (*BadgerStore)(nil)
	_ SubmissionLog      = (*BadgerStore)(nil)
	_ StateStore         = (*BadgerStore)(nil)
)

// OpenBadger opens the database at path. An empty path opens an in-memory
// database, which is what tests use.
func OpenBadger(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil // Silence default logger

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStore wraps an already opened database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// RunGC reclaims value log space every interval until ctx is done.
// In-memory databases have no value log and return immediately.
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if s.db.Opts().InMemory {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// One call rewrites at most one file; loop until nothing is left.
			for s.db.RunValueLogGC(0.7) == nil {
			}
		}
	}
}

func (s *BadgerStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BadgerStore) ListTopics(ctx context.Context) ([]model.Topic, error) {
	return list[model.Topic](ctx, s.db, topicsKey)
}

func (s *BadgerStore) UpdateTopics(ctx context.Context, fn func([]model.Topic) ([]model.Topic, error)) error {
	return update(ctx, s.db, topicsKey, fn)
}

func (s *BadgerStore) ListArticles(ctx context.Context) ([]model.Article, error) {
	return list[model.Article](ctx, s.db, articlesKey)
}

func (s *BadgerStore) UpdateArticles(ctx context.Context, fn func([]model.Article) ([]model.Article, error)) error {
	return update(ctx, s.db, articlesKey, fn)
}

func (s *BadgerStore) ListCategories(ctx context.Context) ([]model.Category, error) {
	return list[model.Category](ctx, s.db, categoriesKey)
}

func (s *BadgerStore) UpdateCategories(ctx context.Context, fn func([]model.Category) ([]model.Category, error)) error {
	return update(ctx, s.db, categoriesKey, fn)
}

func (s *BadgerStore) ListSubmissions(ctx context.Context) ([]model.SubmissionLogEntry, error) {
	return list[model.SubmissionLogEntry](ctx, s.db, submissionsKey)
}

// AppendSubmission prepends entry; existing entries are never rewritten.
func (s *BadgerStore) AppendSubmission(ctx context.Context, entry model.SubmissionLogEntry) error {
	return update(ctx, s.db, submissionsKey, func(entries []model.SubmissionLogEntry) ([]model.SubmissionLogEntry, error) {
		return append([]model.SubmissionLogEntry{entry}, entries...), nil
	})
}

func (s *BadgerStore) LoadState(ctx context.Context) (model.GenerationState, error) {
	if err := ctx.Err(); err != nil {
		return model.GenerationState{}, err
	}
	state := model.NewGenerationState()
	err := s.db.View(func(txn *badger.Txn) error {
		return readDocument(txn, stateKey, &state)
	})
	if err != nil {
		return model.GenerationState{}, fmt.Errorf("load generation state: %w", err)
	}
	return state, nil
}

func (s *BadgerStore) UpdateState(ctx context.Context, fn func(*model.GenerationState) error) (model.GenerationState, error) {
	var result model.GenerationState
	err := withRetry(ctx, func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			state := model.NewGenerationState()
			if err := readDocument(txn, stateKey, &state); err != nil {
				return err
			}
			if err := fn(&state); err != nil {
				return err
			}
			if err := writeDocument(txn, stateKey, state); err != nil {
				return err
			}
			result = state
			return nil
		})
	})
	if err != nil {
		return model.GenerationState{}, fmt.Errorf("update generation state: %w", err)
	}
	return result, nil
}

func list[T any](ctx context.Context, db *badger.DB, key []byte) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items := []T{}
	err := db.View(func(txn *badger.Txn) error {
		return readDocument(txn, key, &items)
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

// update may invoke fn more than once when the transaction conflicts, so fn
// must not have side effects outside the returned collection.
func update[T any](ctx context.Context, db *badger.DB, key []byte, fn func([]T) ([]T, error)) error {
	err := withRetry(ctx, func() error {
		return db.Update(func(txn *badger.Txn) error {
			items := []T{}
			if err := readDocument(txn, key, &items); err != nil {
				return err
			}
			next, err := fn(items)
			if err != nil {
				return err
			}
			if next == nil {
				next = []T{}
			}
			return writeDocument(txn, key, next)
		})
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = op()
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func readDocument(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func writeDocument(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}
