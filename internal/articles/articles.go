package articles

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"autopress/internal/config"
	"autopress/internal/logging"
	"autopress/internal/model"
	"autopress/internal/slug"
	"autopress/internal/store"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/tomakado/containers/set"
	"go.uber.org/zap"
)

const (
	fallbackCategory = "Actualitate"
	fallbackSlug     = "articol"
	summaryRunes     = 200
)

var ErrEmptyTitle = errors.New("article title is empty")

// SitemapSyncer rebuilds derived documents from the full article set.
type SitemapSyncer interface {
	Sync(ctx context.Context, articles []model.Article) error
}

// Repository is the canonical article store.
type Repository struct {
	articles   store.ArticleRepository
	categories store.CategoryRepository
	sitemaps   SitemapSyncer
	baseURL    string
	threshold  float64
	defaults   []string
	logger     *zap.Logger
	now        func() time.Time
}

// NewRepository wires the article and category collections. sitemaps may be nil.
func NewRepository(
	articles store.ArticleRepository,
	categories store.CategoryRepository,
	sitemaps SitemapSyncer,
	site config.SiteConfig,
	cfg config.CategoriesConfig,
	defaultCategories []string,
	logger *zap.Logger,
) *Repository {
	return &Repository{
		articles:   articles,
		categories: categories,
		sitemaps:   sitemaps,
		baseURL:    strings.TrimSuffix(site.BaseURL, "/"),
		threshold:  cfg.MatchThreshold,
		defaults:   defaultCategories,
		logger:     logging.OrNop(logger),
		now:        time.Now,
	}
}

// List returns every article, newest first.
func (r *Repository) List(ctx context.Context) ([]model.Article, error) {
	all, err := r.articles.ListArticles(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return all, nil
}

// Published returns published articles, newest publication first.
func (r *Repository) Published(ctx context.Context) ([]model.Article, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	published := lo.Filter(all, func(a model.Article, _ int) bool { return a.Published() })
	sort.SliceStable(published, func(i, j int) bool {
		return published[i].PublishedAt.After(published[j].PublishedAt)
	})
	return published, nil
}

func (r *Repository) GetBySlug(ctx context.Context, articleSlug string) (model.Article, error) {
	all, err := r.articles.ListArticles(ctx)
	if err != nil {
		return model.Article{}, err
	}
	a, ok := lo.Find(all, func(a model.Article) bool { return a.Slug == articleSlug })
	if !ok {
		return model.Article{}, store.ErrNotFound
	}
	return a, nil
}

// Categories returns the category collection sorted by name.
func (r *Repository) Categories(ctx context.Context) ([]model.Category, error) {
	all, err := r.categories.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}

// Create stores a new article. With matchExisting the free-text category is
// mapped onto a known category instead of creating a near duplicate.
func (r *Repository) Create(ctx context.Context, in model.ArticleInput, matchExisting bool) (model.Article, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return model.Article{}, ErrEmptyTitle
	}

	existing, err := r.categories.ListCategories(ctx)
	if err != nil {
		return model.Article{}, fmt.Errorf("list categories: %w", err)
	}
	in.Category = r.resolveCategory(in.Category, existing, matchExisting)
	if strings.TrimSpace(in.Summary) == "" {
		in.Summary = Summarize(in.Content)
	}

	now := r.now()
	created := model.NewArticle(in, now)
	created.CategorySlug = slug.Make(created.Category)
	if created.CategorySlug == "" {
		created.CategorySlug = slug.Make(fallbackCategory)
	}
	baseSlug := slug.Make(created.Title)
	if baseSlug == "" {
		baseSlug = fallbackSlug
	}

	var snapshot []model.Article
	err = r.articles.UpdateArticles(ctx, func(all []model.Article) ([]model.Article, error) {
		taken := set.New(lo.Map(all, func(a model.Article, _ int) string { return a.Slug })...)
		created.Slug = slug.Unique(baseSlug, taken.Contains)
		created.URL = r.articleURL(created.CategorySlug, created.Slug)

		snapshot = append([]model.Article{created}, all...)
		return snapshot, nil
	})
	if err != nil {
		return model.Article{}, fmt.Errorf("store article: %w", err)
	}

	if err := r.ensureCategory(ctx, created.Category, created.CategorySlug, now); err != nil {
		r.logger.Warn("Category not ensured", zap.String("category", created.Category), zap.Error(err))
	}

	r.logger.Info("Article created",
		zap.String("slug", created.Slug),
		zap.String("category", created.Category),
		zap.String("status", string(created.Status)))
	r.syncSitemaps(ctx, snapshot)
	return created, nil
}

// DeleteByIDs removes the given articles and reports how many were present.
// Unknown ids are ignored.
func (r *Repository) DeleteByIDs(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	wanted := set.New(ids...)

	var removed int
	var snapshot []model.Article
	err := r.articles.UpdateArticles(ctx, func(all []model.Article) ([]model.Article, error) {
		kept := lo.Filter(all, func(a model.Article, _ int) bool { return !wanted.Contains(a.ID) })
		removed = len(all) - len(kept)
		if removed == 0 {
			return nil, errUnchanged
		}
		snapshot = kept
		return kept, nil
	})
	if errors.Is(err, errUnchanged) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("delete articles: %w", err)
	}

	r.logger.Info("Articles deleted", zap.Int("count", removed))
	r.syncSitemaps(ctx, snapshot)
	return removed, nil
}

// SyncSitemaps rebuilds the derived documents from the stored articles.
func (r *Repository) SyncSitemaps(ctx context.Context) error {
	if r.sitemaps == nil {
		return nil
	}
	all, err := r.articles.ListArticles(ctx)
	if err != nil {
		return err
	}
	return r.sitemaps.Sync(ctx, all)
}

// errUnchanged aborts an update that would not modify the collection.
var errUnchanged = errors.New("collection unchanged")

// The article write has already happened; a failed resync is repaired by the
// next mutation or an explicit rebuild.
func (r *Repository) syncSitemaps(ctx context.Context, all []model.Article) {
	if r.sitemaps == nil {
		return
	}
	if err := r.sitemaps.Sync(ctx, all); err != nil {
		r.logger.Warn("Sitemap sync failed", zap.Error(err))
	}
}

func (r *Repository) articleURL(categorySlug, articleSlug string) string {
	return r.baseURL + "/Articol/" + categorySlug + "/" + articleSlug
}

func (r *Repository) ensureCategory(ctx context.Context, name, categorySlug string, now time.Time) error {
	err := r.categories.UpdateCategories(ctx, func(all []model.Category) ([]model.Category, error) {
		if lo.ContainsBy(all, func(c model.Category) bool { return c.Slug == categorySlug }) {
			return nil, errUnchanged
		}
		return append(all, model.NewCategory(name, categorySlug, now)), nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return fmt.Errorf("ensure category %q: %w", name, err)
	}
	return nil
}

func (r *Repository) resolveCategory(name string, existing []model.Category, matchExisting bool) string {
	name = strings.TrimSpace(name)
	if matchExisting && len(existing) > 0 {
		return MatchCategory(name, existing, r.threshold).Name
	}
	if name != "" {
		return name
	}
	if len(r.defaults) > 0 {
		return r.defaults[0]
	}
	return fallbackCategory
}

// MatchCategory maps name onto one of existing, which must be non-empty:
// exact name, then slug, then the best token overlap at or above threshold,
// then the first category.
func MatchCategory(name string, existing []model.Category, threshold float64) model.Category {
	if c, ok := lo.Find(existing, func(c model.Category) bool { return strings.EqualFold(c.Name, name) }); ok {
		return c
	}

	nameSlug := slug.Make(name)
	if nameSlug != "" {
		if c, ok := lo.Find(existing, func(c model.Category) bool { return c.Slug == nameSlug }); ok {
			return c
		}
	}

	best, bestScore := existing[0], 0.0
	for _, c := range existing {
		if score := OverlapScore(name, c.Name); score > bestScore {
			best, bestScore = c, score
		}
	}
	if bestScore > 0 && bestScore >= threshold {
		return best
	}
	return existing[0]
}

// OverlapScore is the number of shared slug tokens divided by the token count
// of the longer name.
func OverlapScore(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := set.New(ta...)
	common := lo.CountBy(lo.Uniq(tb), shared.Contains)
	return float64(common) / float64(max(len(ta), len(tb)))
}

func tokens(s string) []string {
	return lo.Uniq(lo.Filter(strings.Split(slug.Make(s), "-"), func(t string, _ int) bool { return t != "" }))
}

// Summarize derives a plain-text summary from an HTML body.
func Summarize(content string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return ""
	}
	blocks := doc.Find("p, li, h1, h2, h3, blockquote")
	raw := doc.Text()
	if blocks.Length() > 0 {
		raw = strings.Join(blocks.Map(func(_ int, s *goquery.Selection) string { return s.Text() }), " ")
	}
	text := strings.Join(strings.Fields(raw), " ")
	if utf8.RuneCountInString(text) <= summaryRunes {
		return text
	}

	cut := []rune(text)[:summaryRunes]
	if i := strings.LastIndexByte(string(cut), ' '); i > summaryRunes/2 {
		return strings.TrimSpace(string(cut)[:i]) + "..."
	}
	return strings.TrimSpace(string(cut)) + "..."
}
