package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autopress/internal/logging"
	"autopress/internal/store"

	"go.uber.org/zap"
)

// Runner executes the work behind each job kind.
// This allows us to mock the pipeline in tests.
type Runner interface {
	RunGeneration(ctx context.Context) error
	ImportTrends(ctx context.Context, countryCode string) error
}

var ErrUnknownJob = errors.New("unknown job kind")

type Worker struct {
	queue  store.Queue
	runner Runner
	logger *zap.Logger
}

func NewWorker(queue store.Queue, runner Runner, logger *zap.Logger) *Worker {
	return &Worker{
		queue:  queue,
		runner: runner,
		logger: logging.OrNop(logger),
	}
}

// Start runs the worker loop until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Worker started. Waiting for jobs...")

	for {
		// Wait for job (Blocking call to Redis)
		job, err := w.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("Worker shutting down")
				return
			}
			w.logger.Error("Queue error", zap.Error(err))
			select {
			case <-ctx.Done():
				w.logger.Info("Worker shutting down")
				return
			case <-time.After(time.Second):
			}
			continue
		}

		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job store.Job) {
	logger := w.logger.With(zap.String("job", string(job.Kind)))
	logger.Info("Processing started")

	started := time.Now()
	if err := w.dispatch(ctx, job); err != nil {
		logger.Error("Job failed", zap.Error(err))
		return
	}
	logger.Info("Job complete", zap.Duration("took", time.Since(started)))
}

func (w *Worker) dispatch(ctx context.Context, job store.Job) error {
	switch job.Kind {
	case store.JobGenerate:
		return w.runner.RunGeneration(ctx)
	case store.JobImportTrends:
		return w.runner.ImportTrends(ctx, job.Country)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownJob, job.Kind)
	}
}
