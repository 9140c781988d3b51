package topics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"autopress/internal/logging"
	"autopress/internal/model"
	"autopress/internal/store"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/tomakado/containers/set"
	"go.uber.org/zap"
)

var ErrEmptyLabel = errors.New("topic label is empty")

// TrendSource yields the live trend labels for a country.
type TrendSource interface {
	FetchTrends(ctx context.Context, countryCode string) ([]string, error)
}

// ImportResult describes one batch replace of trend topics.
type ImportResult struct {
	Fetched  int `json:"fetched"`
	Inserted int `json:"inserted"`
	Removed  int `json:"removed"`
}

// Service owns the topic collection.
type Service struct {
	repo   store.TopicRepository
	trends TrendSource
	logger *zap.Logger
	now    func() time.Time
}

func NewService(repo store.TopicRepository, trends TrendSource, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		trends: trends,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// List returns all topics, newest first.
func (s *Service) List(ctx context.Context) ([]model.Topic, error) {
	all, err := s.repo.ListTopics(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return all, nil
}

// AddManual inserts a manual topic unless a topic with the same label
// (case-insensitive) exists, in which case the existing one is returned.
func (s *Service) AddManual(ctx context.Context, label string) (model.Topic, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return model.Topic{}, ErrEmptyLabel
	}

	var result model.Topic
	err := s.repo.UpdateTopics(ctx, func(all []model.Topic) ([]model.Topic, error) {
		if existing, ok := lo.Find(all, func(t model.Topic) bool { return sameLabel(t.Label, label) }); ok {
			result = existing
			return all, nil
		}
		result = model.NewTopic(label, model.OriginManual, s.now())
		return append(all, result), nil
	})
	if err != nil {
		return model.Topic{}, fmt.Errorf("add topic: %w", err)
	}
	return result, nil
}

// Delete removes the given ids and reports how many were present.
func (s *Service) Delete(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	wanted := set.New(ids...)

	var removed int
	err := s.repo.UpdateTopics(ctx, func(all []model.Topic) ([]model.Topic, error) {
		kept := lo.Filter(all, func(t model.Topic, _ int) bool { return !wanted.Contains(t.ID) })
		removed = len(all) - len(kept)
		return kept, nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete topics: %w", err)
	}
	return removed, nil
}

// ImportTrends fetches the current trends and swaps them in for every
// previous trend topic in one write. Manual topics are never touched, and a
// fetch failure leaves the collection as it was.
func (s *Service) ImportTrends(ctx context.Context, countryCode string) (ImportResult, error) {
	if s.trends == nil {
		return ImportResult{}, errors.New("no trend source configured")
	}
	labels, err := s.trends.FetchTrends(ctx, countryCode)
	if err != nil {
		return ImportResult{}, err
	}

	var result ImportResult
	err = s.repo.UpdateTopics(ctx, func(all []model.Topic) ([]model.Topic, error) {
		next, res := ReplaceTrends(all, labels, s.now())
		result = res
		return next, nil
	})
	if err != nil {
		return ImportResult{}, fmt.Errorf("replace trend topics: %w", err)
	}

	s.logger.Info("Trend topics replaced",
		zap.String("country", countryCode),
		zap.Int("fetched", result.Fetched),
		zap.Int("inserted", result.Inserted),
		zap.Int("removed", result.Removed))
	return result, nil
}

// ReplaceTrends computes the collection after a batch replace: the new labels
// in source order, minus any that collide with a manual topic or with an
// earlier label of the same batch, followed by the manual topics as they were.
func ReplaceTrends(all []model.Topic, labels []string, now time.Time) ([]model.Topic, ImportResult) {
	manual := lo.Filter(all, func(t model.Topic, _ int) bool { return t.Origin == model.OriginManual })

	seen := make(map[string]struct{}, len(manual)+len(labels))
	for _, t := range manual {
		seen[labelKey(t.Label)] = struct{}{}
	}

	batch := make([]model.Topic, 0, len(labels))
	for _, label := range labels {
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		key := labelKey(label)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		batch = append(batch, model.NewTopic(label, model.OriginTrend, now))
	}

	next := append(batch, manual...)
	return next, ImportResult{
		Fetched:  len(labels),
		Inserted: len(batch),
		Removed:  len(all) - len(manual),
	}
}

func labelKey(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

func sameLabel(a, b string) bool {
	return labelKey(a) == labelKey(b)
}
