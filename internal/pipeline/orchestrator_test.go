package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"autopress/internal/articles"
	"autopress/internal/config"
	"autopress/internal/generator"
	"autopress/internal/images"
	"autopress/internal/indexing"
	"autopress/internal/model"
	"autopress/internal/store"
	"autopress/internal/topics"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// scriptedProvider answers per topic; unknown topics get a usable article.
type scriptedProvider struct {
	mu      sync.Mutex
	answers map[string]string
	fail    map[string]error
	block   chan struct{}
	prompts []string
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, prompt string) (string, error) {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, prompt)
	for topic, err := range p.fail {
		if strings.Contains(prompt, fmt.Sprintf("%q", topic)) {
			return "", err
		}
	}
	for topic, answer := range p.answers {
		if strings.Contains(prompt, fmt.Sprintf("%q", topic)) {
			return answer, nil
		}
	}
	start := strings.Index(prompt, "about the topic: ")
	topic := strings.Trim(strings.TrimSuffix(strings.SplitN(prompt[start+len("about the topic: "):], "\n", 2)[0], "."), `"`)
	return fmt.Sprintf(`{"title":"Despre %s","summary":"Rezumat.","category":"Actualitate","content":"<p>%s</p>","hashtags":"a,b"}`, topic, topic), nil
}

type fakeImages struct{ calls int }

func (f *fakeImages) Find(ctx context.Context, query, nameHint string) (images.Image, bool) {
	f.calls++
	return images.Image{LocalURL: "/uploads/" + query + ".jpg", SourceURL: "https://img.example.com/" + query + ".jpg"}, true
}

type harness struct {
	orch     *Orchestrator
	state    *StateService
	topics   *topics.Service
	articles *articles.Repository
	store    *store.BadgerStore
	provider *scriptedProvider
}

func newHarness(t *testing.T, cfg config.GenerationConfig, notifier URLNotifier, lock store.Locker) *harness {
	t.Helper()
	st, err := store.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	provider := &scriptedProvider{}
	repo := articles.NewRepository(st, st, nil,
		config.SiteConfig{BaseURL: "https://stiri.example.ro"},
		config.CategoriesConfig{MatchThreshold: 0.4},
		[]string{"Actualitate"}, nil)
	state := NewStateService(store.NewMemoryStateStore())
	topicSvc := topics.NewService(st, nil, nil)

	orch := NewOrchestrator(Deps{
		State:    state,
		Topics:   topicSvc,
		Articles: repo,
		Images:   &fakeImages{},
		Notifier: notifier,
		NewGenerator: func(credential string) (ContentGenerator, error) {
			return generator.New(provider, "ro", nil), nil
		},
		Lock: lock,
	}, cfg, time.Minute, nil)

	return &harness{orch: orch, state: state, topics: topicSvc, articles: repo, store: st, provider: provider}
}

func defaultCfg() config.GenerationConfig {
	return config.GenerationConfig{APIKey: "sk-test", MaxArticlesPerRun: 5, DefaultCategories: []string{"Actualitate"}}
}

func (h *harness) addTopics(t *testing.T, labels ...string) {
	t.Helper()
	for _, l := range labels {
		_, err := h.topics.AddManual(context.Background(), l)
		require.NoError(t, err)
	}
}

func TestStart_CreatesArticlesAndRecordsRun(t *testing.T) {
	h := newHarness(t, defaultCfg(), nil, nil)
	h.addTopics(t, "Vreme", "Bursa")
	ctx := context.Background()

	summary, err := h.orch.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunSummary{Processed: 2, Created: 2}, summary)

	all, err := h.articles.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, a := range all {
		assert.Equal(t, model.StatusPublished, a.Status)
		assert.NotEmpty(t, a.ImageURL)
		assert.Equal(t, "Actualitate", a.Category)
	}

	st, err := h.orch.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RunStopped, st.Status)
	assert.Equal(t, 2, st.LastRunCreated)
	assert.Equal(t, 2, st.LastRunProcessedTopics)
	assert.Equal(t, 2, st.TotalArticlesCreated)
	assert.NotNil(t, st.LastRunAt)
	assert.Empty(t, st.LastError)
}

func TestStart_SkipsCoveredTopics(t *testing.T) {
	h := newHarness(t, defaultCfg(), nil, nil)
	ctx := context.Background()
	_, err := h.articles.Create(ctx, model.ArticleInput{Title: "Prognoza: VREME rece", Content: "<p>x</p>"}, false)
	require.NoError(t, err)
	h.addTopics(t, "vreme")

	summary, err := h.orch.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunSummary{Processed: 1, Created: 0}, summary)
	assert.Empty(t, h.provider.prompts)

	all, err := h.articles.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStart_LaterTopicSeesEarlierArticle(t *testing.T) {
	h := newHarness(t, defaultCfg(), nil, nil)
	// Whichever topic runs first produces an article covering the other.
	h.provider.answers = map[string]string{
		"Vreme": `{"title":"Vreme si Bursa","content":"<p>x</p>"}`,
		"Bursa": `{"title":"Bursa si Vreme","content":"<p>y</p>"}`,
	}
	h.addTopics(t, "Vreme", "Bursa")

	summary, err := h.orch.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSummary{Processed: 2, Created: 1}, summary)
}

func TestStart_UnparsableResponseSkipsTopic(t *testing.T) {
	h := newHarness(t, defaultCfg(), nil, nil)
	h.provider.answers = map[string]string{"Vreme": "not json at all"}
	h.addTopics(t, "Vreme", "Bursa")
	ctx := context.Background()

	summary, err := h.orch.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunSummary{Processed: 2, Created: 1}, summary)

	all, err := h.articles.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Despre Bursa", all[0].Title)
}

func TestStart_TopicErrorDoesNotHaltBatch(t *testing.T) {
	h := newHarness(t, defaultCfg(), nil, nil)
	h.provider.fail = map[string]error{"Bursa": errors.New("connection reset")}
	h.addTopics(t, "Vreme", "Bursa", "Sport")
	ctx := context.Background()

	summary, err := h.orch.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunSummary{Processed: 3, Created: 2}, summary)

	st, err := h.orch.State(ctx)
	require.NoError(t, err)
	assert.True(t, hasLog(st, "Bursa"))
	assert.Equal(t, model.RunStopped, st.Status)
}

func TestStart_RespectsArticleCap(t *testing.T) {
	cfg := defaultCfg()
	cfg.MaxArticlesPerRun = 2
	h := newHarness(t, cfg, nil, nil)
	h.addTopics(t, "A1", "B2", "C3", "D4")

	summary, err := h.orch.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Created)
	assert.Equal(t, 2, summary.Processed)
}

func TestStart_NoTopicsStops(t *testing.T) {
	h := newHarness(t, defaultCfg(), nil, nil)
	ctx := context.Background()

	summary, err := h.orch.Start(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Processed)

	st, err := h.orch.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RunStopped, st.Status)
	assert.True(t, hasLog(st, "No topics"))
}

func TestStart_NoCredentialLeavesStoppedWithError(t *testing.T) {
	cfg := defaultCfg()
	cfg.APIKey = ""
	h := newHarness(t, cfg, nil, nil)
	h.addTopics(t, "Vreme")
	ctx := context.Background()

	_, err := h.orch.Start(ctx)
	assert.ErrorIs(t, err, ErrNoCredential)

	st, err := h.orch.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RunStopped, st.Status)
	assert.Equal(t, ErrNoCredential.Error(), st.LastError)
	assert.Empty(t, h.provider.prompts)

	// A stored credential takes over from the empty configuration.
	_, err = h.orch.SetCredential(ctx, "sk-stored")
	require.NoError(t, err)
	summary, err := h.orch.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
}

func TestStart_IndexingForbiddenKeepsArticlePublished(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"Permission denied"}}`))
	}))
	defer srv.Close()

	st, err := store.OpenBadger("")
	require.NoError(t, err)
	defer st.Close()
	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"})
	notifier := indexing.NewNotifier(config.IndexingConfig{Endpoint: srv.URL, Timeout: time.Second}, tokens, st, nil)

	h := newHarness(t, defaultCfg(), notifier, nil)
	h.addTopics(t, "Vreme")
	ctx := context.Background()

	summary, err := h.orch.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)

	entries, err := st.ListSubmissions(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.SubmissionError, entries[0].Status)

	all, err := h.articles.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.StatusPublished, all[0].Status)
	assert.Equal(t, all[0].URL, entries[0].URL)
}

func TestStartAsync_RejectsConcurrentRun(t *testing.T) {
	h := newHarness(t, defaultCfg(), nil, nil)
	h.provider.block = make(chan struct{})
	h.addTopics(t, "Vreme")
	ctx := context.Background()

	done := make(chan RunSummary, 1)
	require.NoError(t, h.orch.StartAsync(ctx, func(s RunSummary, err error) {
		assert.NoError(t, err)
		done <- s
	}))

	_, err := h.orch.Start(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.ErrorIs(t, h.orch.StartAsync(ctx, nil), ErrAlreadyRunning)

	close(h.provider.block)
	select {
	case s := <-done:
		assert.Equal(t, 1, s.Created)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}

	// The claim is released once the run ends.
	_, err = h.orch.Start(ctx)
	assert.NoError(t, err)
}

func TestStart_RedisLockHeldElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	lock := store.NewRedisLock(rdb, "lock:generation")

	h := newHarness(t, defaultCfg(), nil, lock)
	h.addTopics(t, "Vreme")
	ctx := context.Background()

	release, err := lock.Acquire(ctx, time.Minute)
	require.NoError(t, err)

	_, err = h.orch.Start(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	release()
	summary, err := h.orch.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	assert.False(t, mr.Exists("lock:generation"))
}

func TestStopAndReset(t *testing.T) {
	cfg := defaultCfg()
	cfg.APIKey = ""
	h := newHarness(t, cfg, nil, nil)
	ctx := context.Background()

	st, err := h.orch.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RunStopped, st.Status)

	st, err = h.orch.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RunIdle, st.Status)
	assert.Nil(t, st.StartedAt)
	assert.Equal(t, ErrNoCredential.Error(), st.LastError)

	st, err = h.orch.SetCredential(ctx, "sk-new")
	require.NoError(t, err)
	assert.Equal(t, "***", st.Credential)
	assert.Empty(t, st.LastError)

	st, err = h.orch.Reset(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.LastError)
}

func TestStateService_LogRingKeepsNewest(t *testing.T) {
	svc := NewStateService(store.NewMemoryStateStore())
	ctx := context.Background()

	for i := 0; i < model.MaxStateLogs+20; i++ {
		require.NoError(t, svc.Log(ctx, levelInfo, fmt.Sprintf("entry %d", i)))
	}

	st, err := svc.Load(ctx)
	require.NoError(t, err)
	require.Len(t, st.Logs, model.MaxStateLogs)
	assert.Equal(t, "entry 20", st.Logs[0].Message)
	assert.Equal(t, fmt.Sprintf("entry %d", model.MaxStateLogs+19), st.Logs[len(st.Logs)-1].Message)
}

func TestCovered(t *testing.T) {
	existing := []model.Article{{Title: "Alegeri 2025 în România", Summary: "Totul despre vot."}}
	assert.True(t, Covered(existing, "alegeri 2025"))
	assert.True(t, Covered(existing, "VOT"))
	assert.False(t, Covered(existing, "Vreme"))
	assert.False(t, Covered(existing, "  "))
}

func hasLog(st model.GenerationState, fragment string) bool {
	for _, l := range st.Logs {
		if strings.Contains(l.Message, fragment) {
			return true
		}
	}
	return false
}
