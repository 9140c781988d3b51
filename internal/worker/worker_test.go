package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"autopress/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockRunner struct {
	mu          sync.Mutex
	generations int
	countries   []string
	ShouldFail  bool
}

func (m *MockRunner) RunGeneration(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generations++
	if m.ShouldFail {
		return fmt.Errorf("simulated generation error")
	}
	return nil
}

func (m *MockRunner) ImportTrends(ctx context.Context, countryCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.countries = append(m.countries, countryCode)
	return nil
}

func (m *MockRunner) snapshot() (int, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generations, append([]string(nil), m.countries...)
}

func newTestQueue(t *testing.T) *store.RedisQueue {
	t.Helper()
	// Spin up fake Redis
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return store.NewRedisQueue(rdb)
}

// runWorker starts w and returns a func that stops it and waits for exit.
func runWorker(t *testing.T, w *Worker) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Start(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func TestWorker_DispatchesJobs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	runner := &MockRunner{}
	w := NewWorker(q, runner, zap.NewNop())

	require.NoError(t, q.Push(ctx, store.Job{Kind: store.JobImportTrends, Country: "RO"}))
	require.NoError(t, q.Push(ctx, store.Job{Kind: store.JobGenerate}))

	stop := runWorker(t, w)
	defer stop()

	assert.Eventually(t, func() bool {
		generations, countries := runner.snapshot()
		return generations == 1 && len(countries) == 1
	}, 3*time.Second, 20*time.Millisecond)

	_, countries := runner.snapshot()
	assert.Equal(t, []string{"RO"}, countries)
}

// A failing or unknown job must not stop the loop.
func TestWorker_KeepsGoingAfterFailures(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	runner := &MockRunner{ShouldFail: true}
	w := NewWorker(q, runner, zap.NewNop())

	require.NoError(t, q.Push(ctx, store.Job{Kind: "bogus"}))
	require.NoError(t, q.Push(ctx, store.Job{Kind: store.JobGenerate}))
	require.NoError(t, q.Push(ctx, store.Job{Kind: store.JobGenerate}))

	stop := runWorker(t, w)
	defer stop()

	assert.Eventually(t, func() bool {
		generations, _ := runner.snapshot()
		return generations == 2
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWorker_DispatchUnknown(t *testing.T) {
	w := NewWorker(nil, &MockRunner{}, nil)
	err := w.dispatch(context.Background(), store.Job{Kind: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownJob)
}
