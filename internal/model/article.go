package model

import (
	"time"

	"github.com/google/uuid"
)

type ArticleStatus string

const (
	StatusDraft     ArticleStatus = "draft"
	StatusPublished ArticleStatus = "published"
)

// Article is a stored, addressable piece of content. Records are only ever
// replaced whole.
type Article struct {
	ID             uuid.UUID     `json:"id"`
	Title          string        `json:"title"`
	Slug           string        `json:"slug"`
	Summary        string        `json:"summary"`
	Content        string        `json:"content"`
	Category       string        `json:"category"`
	CategorySlug   string        `json:"categorySlug"`
	Status         ArticleStatus `json:"status"`
	ImageURL       string        `json:"imageUrl,omitempty"`
	ImageSourceURL string        `json:"imageSourceUrl,omitempty"`
	PublishedAt    time.Time     `json:"publishedAt"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	URL            string        `json:"url"`
	Hashtags       []string      `json:"hashtags,omitempty"`
}

// Published reports whether the article is visible to sitemaps and feeds.
func (a Article) Published() bool {
	return a.Status == StatusPublished
}

// LastModified is the updatedAt timestamp, falling back to publishedAt.
func (a Article) LastModified() time.Time {
	if !a.UpdatedAt.IsZero() {
		return a.UpdatedAt
	}
	return a.PublishedAt
}

// ArticleInput carries the caller-supplied fields of a new article. Everything
// derived (slug, url, category slug, timestamps) is computed by the repository.
type ArticleInput struct {
	Title          string        `json:"title"`
	Summary        string        `json:"summary"`
	Content        string        `json:"content"`
	Category       string        `json:"category"`
	Status         ArticleStatus `json:"status"`
	ImageURL       string        `json:"imageUrl,omitempty"`
	ImageSourceURL string        `json:"imageSourceUrl,omitempty"`
	PublishedAt    *time.Time    `json:"publishedAt,omitempty"`
	Hashtags       []string      `json:"hashtags,omitempty"`
}

// NewArticle creates an Article from input with a fresh id and timestamps.
// Slug, category slug and URL are left for the caller to fill.
func NewArticle(in ArticleInput, now time.Time) Article {
	status := in.Status
	if status == "" {
		status = StatusPublished
	}
	publishedAt := now
	if in.PublishedAt != nil && !in.PublishedAt.IsZero() {
		publishedAt = *in.PublishedAt
	}
	return Article{
		ID:             uuid.New(),
		Title:          in.Title,
		Summary:        in.Summary,
		Content:        in.Content,
		Category:       in.Category,
		Status:         status,
		ImageURL:       in.ImageURL,
		ImageSourceURL: in.ImageSourceURL,
		PublishedAt:    publishedAt,
		CreatedAt:      now,
		UpdatedAt:      now,
		Hashtags:       in.Hashtags,
	}
}
