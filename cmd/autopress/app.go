package main

import (
	"context"
	"fmt"
	"path/filepath"

	"autopress/internal/articles"
	"autopress/internal/config"
	"autopress/internal/generator"
	"autopress/internal/images"
	"autopress/internal/indexing"
	"autopress/internal/pipeline"
	"autopress/internal/sitemap"
	"autopress/internal/store"
	"autopress/internal/topics"
	"autopress/internal/trends"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const runLockKey = "lock:generation"

// app holds every wired component of one process.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	store *store.BadgerStore
	rdb   *redis.Client

	topics   *topics.Service
	articles *articles.Repository
	notifier *indexing.Notifier
	orch     *pipeline.Orchestrator
}

// newApp opens Badger and, when configured, Redis, then wires the pipeline.
func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	st, err := store.OpenBadger(cfg.Storage.BadgerPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: st}

	if cfg.Storage.RedisAddr != "" {
		rdb, err := store.NewRedisClient(ctx, cfg.Storage.RedisAddr)
		if err != nil {
			st.Close()
			return nil, err
		}
		a.rdb = rdb
	}

	tokens, err := indexing.NewTokenSourceFromFile(ctx, cfg.Indexing.CredentialsFile)
	if err != nil {
		a.Close()
		return nil, err
	}

	component := func(name string) *zap.Logger { return logger.With(zap.String("component", name)) }

	trendClient := trends.NewClient(cfg.Trends, nil, component("trends"))
	a.topics = topics.NewService(st, trendClient, component("topics"))

	writer := sitemap.NewWriter(cfg.Public.Dir, cfg.Site, component("sitemap"))
	a.articles = articles.NewRepository(st, st, writer, cfg.Site, cfg.Categories, cfg.Generation.DefaultCategories, component("articles"))
	a.notifier = indexing.NewNotifier(cfg.Indexing, tokens, st, component("indexing"))

	imageSvc := images.NewService(cfg.Images,
		filepath.Join(cfg.Public.Dir, cfg.Public.UploadsPath),
		cfg.Public.UploadsPath,
		nil,
		component("images"))

	genLogger := component("generator")
	deps := pipeline.Deps{
		State:    pipeline.NewStateService(st),
		Topics:   a.topics,
		Articles: a.articles,
		Images:   imageSvc,
		Notifier: a.notifier,
		NewGenerator: func(credential string) (pipeline.ContentGenerator, error) {
			provider, err := generator.NewProvider(cfg.Generation, credential)
			if err != nil {
				return nil, err
			}
			return generator.New(provider, cfg.Site.Language, genLogger), nil
		},
	}
	if a.rdb != nil {
		deps.Lock = store.NewRedisLock(a.rdb, runLockKey)
	}
	a.orch = pipeline.NewOrchestrator(deps, cfg.Generation, cfg.Storage.LockTTL, component("pipeline"))

	return a, nil
}

// queue returns the Redis job queue, which needs a configured Redis.
func (a *app) queue() (*store.RedisQueue, error) {
	if a.rdb == nil {
		return nil, fmt.Errorf("job queue requires storage.redisAddr")
	}
	return store.NewRedisQueue(a.rdb), nil
}

func (a *app) Close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Closing badger failed", zap.Error(err))
	}
}

// jobRunner executes queued jobs against the wired pipeline.
type jobRunner struct {
	orch   *pipeline.Orchestrator
	topics *topics.Service
}

func (j jobRunner) RunGeneration(ctx context.Context) error {
	_, err := j.orch.Start(ctx)
	return err
}

func (j jobRunner) ImportTrends(ctx context.Context, countryCode string) error {
	_, err := j.topics.ImportTrends(ctx, countryCode)
	return err
}

// openQueueOnly connects to Redis without opening Badger, so a running
// server keeps its database lock (client mode).
func openQueueOnly(ctx context.Context, cfg config.Config) (*store.RedisQueue, func(), error) {
	if cfg.Storage.RedisAddr == "" {
		return nil, nil, fmt.Errorf("--enqueue requires storage.redisAddr")
	}
	rdb, err := store.NewRedisClient(ctx, cfg.Storage.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	return store.NewRedisQueue(rdb), func() { _ = rdb.Close() }, nil
}
