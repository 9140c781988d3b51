package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autopress/internal/config"
	"autopress/internal/logging"
	"autopress/internal/model"
	web "autopress/internal/server"
	"autopress/internal/store"
	"autopress/internal/worker"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const gcInterval = 5 * time.Minute

var (
	logger     *zap.Logger
	cfg        config.Config
	configPath string
	enqueue    bool
	country    string
)

var rootCmd = &cobra.Command{
	Use:   "autopress",
	Short: "autopress - trend driven article generation and publishing",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Development)
		return err
	},
	SilenceUsage: true,
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the web server and, with Redis configured, the job worker",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()

		a := mustApp(ctx)
		defer a.Close()
		go a.store.RunGC(ctx, gcInterval)

		if q, err := a.queue(); err == nil {
			w := worker.NewWorker(q, jobRunner{orch: a.orch, topics: a.topics}, logger.With(zap.String("component", "worker")))
			go w.Start(ctx)
		}

		srv := web.NewServer(ctx, web.Services{
			Topics:      a.topics,
			Articles:    a.articles,
			Generation:  a.orch,
			Submissions: a.notifier,
		}, cfg, logger.With(zap.String("component", "web")))

		go func() {
			if err := srv.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Web server failed", zap.Error(err))
				cancel()
			}
		}()

		logger.Info("Server running.", zap.String("addr", cfg.Server.Addr))

		// Block until shutdown
		<-ctx.Done()
		logger.Info("Shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Warn("Web server shutdown failed", zap.Error(err))
		}
		// Badger closes on return; let a cancelled run record its outcome first.
		srv.WaitRuns()
		logger.Info("Goodbye!")
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume queued generation and trend import jobs",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()

		a := mustApp(ctx)
		defer a.Close()

		q, err := a.queue()
		if err != nil {
			logger.Fatal("Worker unavailable", zap.Error(err))
		}
		go a.store.RunGC(ctx, gcInterval)
		worker.NewWorker(q, jobRunner{orch: a.orch, topics: a.topics}, logger.With(zap.String("component", "worker"))).Start(ctx)
		logger.Info("Goodbye!")
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run one generation pass over the stored topics",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()

		if enqueue {
			pushJob(ctx, store.Job{Kind: store.JobGenerate})
			return
		}

		a := mustApp(ctx)
		defer a.Close()

		summary, err := a.orch.Start(ctx)
		if err != nil {
			logger.Fatal("Generation failed", zap.Error(err))
		}
		logger.Info("Generation finished",
			zap.Int("processed", summary.Processed),
			zap.Int("created", summary.Created))
	},
}

var importTrendsCmd = &cobra.Command{
	Use:   "import-trends",
	Short: "Replace trend topics with the current daily trends",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()

		if country == "" {
			country = cfg.Trends.Country
		}
		if enqueue {
			pushJob(ctx, store.Job{Kind: store.JobImportTrends, Country: country})
			return
		}

		a := mustApp(ctx)
		defer a.Close()

		res, err := a.topics.ImportTrends(ctx, country)
		if err != nil {
			logger.Fatal("Trend import failed", zap.Error(err))
		}
		logger.Info("Trends imported",
			zap.String("country", country),
			zap.Int("fetched", res.Fetched),
			zap.Int("inserted", res.Inserted),
			zap.Int("removed", res.Removed))
	},
}

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "Manage the topic store",
}

var topicsAddCmd = &cobra.Command{
	Use:   "add [label]",
	Short: "Add a manual topic",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustApp(ctx)
		defer a.Close()

		t, err := a.topics.AddManual(ctx, args[0])
		if err != nil {
			logger.Fatal("Failed to add topic", zap.Error(err))
		}
		logger.Info("Topic added", zap.String("id", t.ID.String()), zap.String("label", t.Label))
	},
}

var topicsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored topics",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustApp(ctx)
		defer a.Close()

		list, err := a.topics.List(ctx)
		if err != nil {
			logger.Fatal("Failed to list topics", zap.Error(err))
		}
		for _, t := range list {
			fmt.Printf("%s\t%s\t%s\n", t.ID, t.Origin, t.Label)
		}
	},
}

var topicsDeleteCmd = &cobra.Command{
	Use:   "delete [id...]",
	Short: "Delete topics by id",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ids := make([]uuid.UUID, 0, len(args))
		for _, arg := range args {
			id, err := uuid.Parse(arg)
			if err != nil {
				logger.Fatal("Invalid topic id", zap.String("id", arg), zap.Error(err))
			}
			ids = append(ids, id)
		}

		ctx := context.Background()
		a := mustApp(ctx)
		defer a.Close()

		n, err := a.topics.Delete(ctx, ids)
		if err != nil {
			logger.Fatal("Failed to delete topics", zap.Error(err))
		}
		logger.Info("Topics deleted", zap.Int("removed", n))
	},
}

var sitemapCmd = &cobra.Command{
	Use:   "sitemap",
	Short: "Sitemap maintenance",
}

var sitemapRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Regenerate all sitemap files from the article repository",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustApp(ctx)
		defer a.Close()

		if err := a.articles.SyncSitemaps(ctx); err != nil {
			logger.Fatal("Sitemap rebuild failed", zap.Error(err))
		}
		logger.Info("Sitemaps rebuilt", zap.String("dir", cfg.Public.Dir))
	},
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Search engine indexing notifications",
}

var indexSubmitCmd = &cobra.Command{
	Use:   "submit [url]",
	Short: "Notify the indexing service about one URL",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := mustApp(ctx)
		defer a.Close()

		entry, err := a.notifier.Submit(ctx, args[0], model.SourceManual)
		if err != nil {
			logger.Fatal("Submission failed", zap.String("url", args[0]), zap.Error(err))
		}
		logger.Info("Submission recorded", zap.String("url", entry.URL), zap.String("status", string(entry.Status)))
	},
}

var indexSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Submit every published article not yet successfully submitted",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()

		a := mustApp(ctx)
		defer a.Close()

		published, err := a.articles.Published(ctx)
		if err != nil {
			logger.Fatal("Failed to list articles", zap.Error(err))
		}
		urls := make([]string, 0, len(published))
		for _, art := range published {
			urls = append(urls, art.URL)
		}

		res, err := a.notifier.Sweep(ctx, urls, model.SourceManual)
		if err != nil {
			logger.Fatal("Sweep failed", zap.Error(err))
		}
		logger.Info("Sweep finished",
			zap.Int("submitted", res.Submitted),
			zap.Int("alreadySubmitted", res.AlreadySubmitted),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed))
	},
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func mustApp(ctx context.Context) *app {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to init app", zap.Error(err))
	}
	return a
}

// pushJob enqueues without opening Badger (client mode).
func pushJob(ctx context.Context, job store.Job) {
	q, closeFn, err := openQueueOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to connect to queue", zap.Error(err))
	}
	defer closeFn()

	if err := q.Push(ctx, job); err != nil {
		logger.Fatal("Failed to enqueue job", zap.Error(err))
	}
	logger.Info("Job queued", zap.String("kind", string(job.Kind)), zap.String("country", job.Country))
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML config file")

	generateCmd.Flags().BoolVar(&enqueue, "enqueue", false, "Push a job to the Redis queue instead of running now")
	importTrendsCmd.Flags().BoolVar(&enqueue, "enqueue", false, "Push a job to the Redis queue instead of running now")
	importTrendsCmd.Flags().StringVar(&country, "country", "", "Country code, defaults to trends.country")

	topicsCmd.AddCommand(topicsAddCmd, topicsListCmd, topicsDeleteCmd)
	sitemapCmd.AddCommand(sitemapRebuildCmd)
	indexCmd.AddCommand(indexSubmitCmd, indexSweepCmd)
	rootCmd.AddCommand(serverCmd, workerCmd, generateCmd, importTrendsCmd, topicsCmd, sitemapCmd, indexCmd)

	err := rootCmd.Execute()
	if logger != nil {
		_ = logger.Sync()
	}
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
