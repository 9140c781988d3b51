package model

import (
	"time"

	"github.com/google/uuid"
)

type SubmissionStatus string

const (
	SubmissionSuccess SubmissionStatus = "success"
	SubmissionSkipped SubmissionStatus = "skipped"
	SubmissionError   SubmissionStatus = "error"
)

type SubmissionSource string

const (
	SourceAuto   SubmissionSource = "auto"
	SourceManual SubmissionSource = "manual"
)

// SubmissionLogEntry is an immutable audit record of one indexing attempt.
type SubmissionLogEntry struct {
	ID                uuid.UUID        `json:"id"`
	URL               string           `json:"url"`
	Status            SubmissionStatus `json:"status"`
	Detail            string           `json:"detail"`
	SubmissionPayload string           `json:"submissionPayload"`
	CreatedAt         time.Time        `json:"createdAt"`
	Source            SubmissionSource `json:"source"`
}
