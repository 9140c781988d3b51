package articles

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"autopress/internal/config"
	"autopress/internal/model"
	"autopress/internal/store"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSyncer struct {
	mu    sync.Mutex
	calls [][]model.Article
}

func (s *recordingSyncer) Sync(ctx context.Context, articles []model.Article) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, articles)
	return nil
}

func (s *recordingSyncer) last() []model.Article {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return nil
	}
	return s.calls[len(s.calls)-1]
}

func newTestRepository(t *testing.T) (*Repository, *store.BadgerStore, *recordingSyncer) {
	t.Helper()
	st, err := store.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	syncer := &recordingSyncer{}
	repo := NewRepository(st, st, syncer,
		config.SiteConfig{BaseURL: "https://stiri.example.ro/"},
		config.CategoriesConfig{MatchThreshold: 0.4},
		[]string{"Actualitate"},
		nil)
	return repo, st, syncer
}

func TestCreate_CollidingTitlesGetSuffixes(t *testing.T) {
	repo, _, _ := newTestRepository(t)
	ctx := context.Background()

	first, err := repo.Create(ctx, model.ArticleInput{Title: "Test!!", Content: "<p>a</p>"}, false)
	require.NoError(t, err)
	second, err := repo.Create(ctx, model.ArticleInput{Title: "Test!!", Content: "<p>b</p>"}, false)
	require.NoError(t, err)
	third, err := repo.Create(ctx, model.ArticleInput{Title: "test", Content: "<p>c</p>"}, false)
	require.NoError(t, err)

	assert.Equal(t, "test", first.Slug)
	assert.Equal(t, "test-1", second.Slug)
	assert.Equal(t, "test-2", third.Slug)
}

func TestCreate_ConcurrentSlugsStayUnique(t *testing.T) {
	repo, _, _ := newTestRepository(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Create(ctx, model.ArticleInput{Title: "Vreme", Content: "<p>x</p>"}, false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := repo.List(ctx)
	require.NoError(t, err)
	slugs := lo.Map(all, func(a model.Article, _ int) string { return a.Slug })
	assert.ElementsMatch(t, []string{"vreme", "vreme-1", "vreme-2", "vreme-3"}, slugs)
}

func TestCreate_DerivesURLAndDefaults(t *testing.T) {
	repo, st, syncer := newTestRepository(t)
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	a, err := repo.Create(ctx, model.ArticleInput{
		Title:    "Ploi în București",
		Category: "Știri Locale",
		Content:  "<p>Cod <b>galben</b> de ploi.</p><p>Alt paragraf.</p>",
	}, false)
	require.NoError(t, err)

	assert.Equal(t, "ploi-in-bucuresti", a.Slug)
	assert.Equal(t, "stiri-locale", a.CategorySlug)
	assert.Equal(t, "https://stiri.example.ro/Articol/stiri-locale/ploi-in-bucuresti", a.URL)
	assert.Equal(t, model.StatusPublished, a.Status)
	assert.Equal(t, now, a.PublishedAt)
	assert.Equal(t, "Cod galben de ploi. Alt paragraf.", a.Summary)

	cats, err := st.ListCategories(ctx)
	require.NoError(t, err)
	require.Len(t, cats, 1)
	assert.Equal(t, "Știri Locale", cats[0].Name)
	assert.Equal(t, "stiri-locale", cats[0].Slug)

	require.Len(t, syncer.last(), 1)
	assert.Equal(t, a.ID, syncer.last()[0].ID)
}

func TestCreate_ExplicitPublishedAtKept(t *testing.T) {
	repo, _, _ := newTestRepository(t)
	at := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)

	a, err := repo.Create(context.Background(), model.ArticleInput{Title: "Arhiva", PublishedAt: &at, Status: model.StatusDraft}, false)
	require.NoError(t, err)
	assert.Equal(t, at, a.PublishedAt)
	assert.Equal(t, model.StatusDraft, a.Status)
}

func TestCreate_MatchExistingCategory(t *testing.T) {
	repo, st, _ := newTestRepository(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, st.UpdateCategories(ctx, func([]model.Category) ([]model.Category, error) {
		return []model.Category{
			model.NewCategory("Actualitate", "actualitate", now),
			model.NewCategory("Economie si Finante", "economie-si-finante", now),
			model.NewCategory("Sport", "sport", now),
		}, nil
	}))

	cases := map[string]string{
		"sport":               "Sport",
		"Economie-si-Finante": "Economie si Finante",
		"Finante":             "Actualitate",
		"Economie Finante":    "Economie si Finante",
		"Meteo":               "Actualitate",
		"":                    "Actualitate",
	}
	for in, want := range cases {
		a, err := repo.Create(ctx, model.ArticleInput{Title: "T " + in, Category: in}, true)
		require.NoError(t, err)
		assert.Equal(t, want, a.Category, in)
	}

	cats, err := st.ListCategories(ctx)
	require.NoError(t, err)
	assert.Len(t, cats, 3)
}

func TestMatchCategory_ThresholdIsConfigurable(t *testing.T) {
	now := time.Now()
	existing := []model.Category{
		model.NewCategory("Actualitate", "actualitate", now),
		model.NewCategory("Economie si Finante", "economie-si-finante", now),
	}

	// "Finante" shares one of three tokens.
	assert.Equal(t, "Actualitate", MatchCategory("Finante", existing, 0.4).Name)
	assert.Equal(t, "Economie si Finante", MatchCategory("Finante", existing, 0.3).Name)
}

func TestOverlapScore(t *testing.T) {
	assert.InDelta(t, 1.0, OverlapScore("Știri Locale", "stiri locale"), 1e-9)
	assert.InDelta(t, 0.5, OverlapScore("Sport Local", "Sport"), 1e-9)
	assert.Zero(t, OverlapScore("", "Sport"))
}

func TestDeleteByIDs(t *testing.T) {
	repo, _, syncer := newTestRepository(t)
	ctx := context.Background()

	a, err := repo.Create(ctx, model.ArticleInput{Title: "A"}, false)
	require.NoError(t, err)
	_, err = repo.Create(ctx, model.ArticleInput{Title: "B"}, false)
	require.NoError(t, err)
	syncs := len(syncer.calls)

	removed, err := repo.DeleteByIDs(ctx, []uuid.UUID{uuid.New()})
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Len(t, syncer.calls, syncs)

	removed, err = repo.DeleteByIDs(ctx, []uuid.UUID{a.ID, uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Len(t, syncer.calls, syncs+1)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "B", all[0].Title)
}

func TestGetBySlug(t *testing.T) {
	repo, _, _ := newTestRepository(t)
	ctx := context.Background()

	a, err := repo.Create(ctx, model.ArticleInput{Title: "Bursa azi"}, false)
	require.NoError(t, err)

	got, err := repo.GetBySlug(ctx, "bursa-azi")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = repo.GetBySlug(ctx, "lipsa")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreate_EmptyTitleRejected(t *testing.T) {
	repo, _, _ := newTestRepository(t)
	_, err := repo.Create(context.Background(), model.ArticleInput{Title: "  "}, false)
	assert.ErrorIs(t, err, ErrEmptyTitle)
}

func TestSummarize_Truncates(t *testing.T) {
	long := "<p>" + strings.Repeat("cuvant ", 60) + "</p>"
	got := Summarize(long)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, len([]rune(got)), summaryRunes+3)
	assert.Equal(t, "scurt", Summarize(fmt.Sprintf("<div>%s</div>", "scurt")))
}
