package model

import (
	"time"

	"github.com/google/uuid"
)

type TopicOrigin string

const (
	OriginManual TopicOrigin = "manual"
	OriginTrend  TopicOrigin = "trend"
)

// Topic is an editorial subject waiting for an article.
type Topic struct {
	ID        uuid.UUID   `json:"id"`
	Label     string      `json:"label"`
	Origin    TopicOrigin `json:"origin"`
	CreatedAt time.Time   `json:"createdAt"`
}

func NewTopic(label string, origin TopicOrigin, now time.Time) Topic {
	return Topic{
		ID:        uuid.New(),
		Label:     label,
		Origin:    origin,
		CreatedAt: now,
	}
}
