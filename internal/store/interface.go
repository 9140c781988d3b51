package store

import (
	"context"
	"errors"
	"time"

	"autopress/internal/model"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrLocked   = errors.New("lock is held by another owner")
)

// TopicRepository persists the topic collection.
type TopicRepository interface {
	ListTopics(ctx context.Context) ([]model.Topic, error)
	// UpdateTopics reads the full collection, passes it to fn and writes the
	// result back as one unit. Returning an error from fn aborts the write.
	UpdateTopics(ctx context.Context, fn func([]model.Topic) ([]model.Topic, error)) error
}

// ArticleRepository persists the article collection.
type ArticleRepository interface {
	ListArticles(ctx context.Context) ([]model.Article, error)
	UpdateArticles(ctx context.Context, fn func([]model.Article) ([]model.Article, error)) error
}

// CategoryRepository persists the category collection.
type CategoryRepository interface {
	ListCategories(ctx context.Context) ([]model.Category, error)
	UpdateCategories(ctx context.Context, fn func([]model.Category) ([]model.Category, error)) error
}

// SubmissionLog is the append-only indexing audit log, newest first.
type SubmissionLog interface {
	ListSubmissions(ctx context.Context) ([]model.SubmissionLogEntry, error)
	AppendSubmission(ctx context.Context, entry model.SubmissionLogEntry) error
}

// StateStore holds the generation state singleton.
type StateStore interface {
	LoadState(ctx context.Context) (model.GenerationState, error)
	UpdateState(ctx context.Context, fn func(*model.GenerationState) error) (model.GenerationState, error)
}

// Locker grants exclusive ownership of a named resource.
type Locker interface {
	// Acquire returns ErrLocked when another owner holds the lock.
	Acquire(ctx context.Context, ttl time.Duration) (release func(), err error)
}

// Queue carries jobs from CLI clients to the worker.
type Queue interface {
	Push(ctx context.Context, job Job) error
	Pop(ctx context.Context) (Job, error)
}

type JobKind string

const (
	JobGenerate     JobKind = "generate"
	JobImportTrends JobKind = "import-trends"
)

type Job struct {
	Kind    JobKind `json:"kind"`
	Country string  `json:"country,omitempty"`
}
