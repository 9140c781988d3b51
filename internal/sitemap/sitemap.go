// Package sitemap renders the derived discovery documents from the article set.
package sitemap

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"autopress/internal/config"
	"autopress/internal/logging"
	"autopress/internal/model"

	"github.com/google/renameio/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	IndexFile      = "sitemap.xml"
	NewsFile       = "sitemap-news.xml"
	LatestFile     = "sitemap-latest.xml"
	CategoriesFile = "sitemap-categories.xml"
	ImagesFile     = "sitemap-images.xml"

	newsLimit      = 50
	latestPriority = "0.8"

	sitemapNS = "http://www.sitemaps.org/schemas/sitemap/0.9"
	newsNS    = "http://www.google.com/schemas/sitemap-news/0.9"
	imageNS   = "http://www.google.com/schemas/sitemap-image/1.1"
)

// ChildFiles are the documents referenced by the index, in order.
var ChildFiles = []string{NewsFile, LatestFile, CategoriesFile, ImagesFile}

type sitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	XMLNS    string       `xml:"xmlns,attr"`
	Sitemaps []sitemapRef `xml:"sitemap"`
}

type sitemapRef struct {
	Loc string `xml:"loc"`
}

type urlSet struct {
	XMLName    xml.Name   `xml:"urlset"`
	XMLNS      string     `xml:"xmlns,attr"`
	XMLNSNews  string     `xml:"xmlns:news,attr,omitempty"`
	XMLNSImage string     `xml:"xmlns:image,attr,omitempty"`
	URLs       []urlEntry `xml:"url"`
}

type urlEntry struct {
	XMLName  xml.Name    `xml:"url"`
	Loc      string      `xml:"loc"`
	LastMod  string      `xml:"lastmod,omitempty"`
	Priority string      `xml:"priority,omitempty"`
	News     *newsEntry  `xml:"news:news,omitempty"`
	Image    *imageEntry `xml:"image:image,omitempty"`
}

type newsEntry struct {
	Publication     newsPublication `xml:"news:publication"`
	PublicationDate string          `xml:"news:publication_date"`
	Title           string          `xml:"news:title"`
}

type newsPublication struct {
	Name     string `xml:"news:name"`
	Language string `xml:"news:language"`
}

type imageEntry struct {
	Loc   string `xml:"image:loc"`
	Title string `xml:"image:title"`
}

// Writer regenerates all five documents into a directory.
type Writer struct {
	dir    string
	site   config.SiteConfig
	logger *zap.Logger
}

func NewWriter(dir string, site config.SiteConfig, logger *zap.Logger) *Writer {
	site.BaseURL = strings.TrimSuffix(site.BaseURL, "/")
	return &Writer{dir: dir, site: site, logger: logging.OrNop(logger)}
}

// Sync recomputes every document from articles and replaces the files on disk.
func (w *Writer) Sync(ctx context.Context, articles []model.Article) error {
	docs, err := Build(w.site, articles)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create sitemap dir: %w", err)
	}
	for _, name := range append([]string{IndexFile}, ChildFiles...) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := renameio.WriteFile(filepath.Join(w.dir, name), docs[name], 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}

	w.logger.Debug("Sitemaps written", zap.Int("articles", len(articles)))
	return nil
}

// Build renders the five documents keyed by file name. Drafts are ignored.
func Build(site config.SiteConfig, articles []model.Article) (map[string][]byte, error) {
	base := strings.TrimSuffix(site.BaseURL, "/")
	published := lo.Filter(articles, func(a model.Article, _ int) bool { return a.Published() })

	docs := make(map[string][]byte, 5)
	var err error
	if docs[IndexFile], err = marshal(indexDoc(base)); err != nil {
		return nil, err
	}
	if docs[NewsFile], err = marshal(newsDoc(site, published)); err != nil {
		return nil, err
	}
	if docs[LatestFile], err = marshal(latestDoc(published)); err != nil {
		return nil, err
	}
	if docs[CategoriesFile], err = marshal(categoriesDoc(base, published)); err != nil {
		return nil, err
	}
	if docs[ImagesFile], err = marshal(imagesDoc(base, published)); err != nil {
		return nil, err
	}
	return docs, nil
}

func indexDoc(base string) sitemapIndex {
	return sitemapIndex{
		XMLNS: sitemapNS,
		Sitemaps: lo.Map(ChildFiles, func(name string, _ int) sitemapRef {
			return sitemapRef{Loc: base + "/" + name}
		}),
	}
}

// newsDoc keeps the tail of the chronological list: the newest entries,
// written oldest first.
func newsDoc(site config.SiteConfig, published []model.Article) urlSet {
	dated := lo.Filter(published, func(a model.Article, _ int) bool { return !a.PublishedAt.IsZero() })
	sort.SliceStable(dated, func(i, j int) bool {
		return dated[i].PublishedAt.Before(dated[j].PublishedAt)
	})
	if len(dated) > newsLimit {
		dated = dated[len(dated)-newsLimit:]
	}

	return urlSet{
		XMLNS:     sitemapNS,
		XMLNSNews: newsNS,
		URLs: lo.Map(dated, func(a model.Article, _ int) urlEntry {
			return urlEntry{
				Loc: a.URL,
				News: &newsEntry{
					Publication:     newsPublication{Name: site.Name, Language: site.Language},
					PublicationDate: formatTime(a.PublishedAt),
					Title:           a.Title,
				},
			}
		}),
	}
}

func latestDoc(published []model.Article) urlSet {
	return urlSet{
		XMLNS: sitemapNS,
		URLs: lo.Map(published, func(a model.Article, _ int) urlEntry {
			return urlEntry{Loc: a.URL, LastMod: formatTime(a.LastModified()), Priority: latestPriority}
		}),
	}
}

func categoriesDoc(base string, published []model.Article) urlSet {
	type categoryMod struct {
		slug    string
		lastMod time.Time
	}

	groups := lo.GroupBy(
		lo.Filter(published, func(a model.Article, _ int) bool { return a.CategorySlug != "" }),
		func(a model.Article) string { return a.CategorySlug },
	)
	mods := make([]categoryMod, 0, len(groups))
	for categorySlug, group := range groups {
		latest := lo.MaxBy(group, func(a, b model.Article) bool {
			return a.LastModified().After(b.LastModified())
		})
		mods = append(mods, categoryMod{slug: categorySlug, lastMod: latest.LastModified()})
	}
	sort.Slice(mods, func(i, j int) bool {
		if mods[i].lastMod.Equal(mods[j].lastMod) {
			return mods[i].slug < mods[j].slug
		}
		return mods[i].lastMod.Before(mods[j].lastMod)
	})

	return urlSet{
		XMLNS: sitemapNS,
		URLs: lo.Map(mods, func(m categoryMod, _ int) urlEntry {
			return urlEntry{Loc: base + "/Articol/" + m.slug, LastMod: formatTime(m.lastMod)}
		}),
	}
}

func imagesDoc(base string, published []model.Article) urlSet {
	withImage := lo.Filter(published, func(a model.Article, _ int) bool {
		return strings.TrimSpace(a.ImageURL) != ""
	})
	return urlSet{
		XMLNS:      sitemapNS,
		XMLNSImage: imageNS,
		URLs: lo.Map(withImage, func(a model.Article, _ int) urlEntry {
			return urlEntry{
				Loc:   a.URL,
				Image: &imageEntry{Loc: AbsoluteURL(base, a.ImageURL), Title: a.Title},
			}
		}),
	}
}

// AbsoluteURL prefixes local paths with base and leaves absolute URLs alone.
func AbsoluteURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	return base + "/" + strings.TrimPrefix(ref, "/")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func marshal(doc any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode sitemap: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
