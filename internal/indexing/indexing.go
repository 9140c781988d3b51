package indexing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"autopress/internal/config"
	"autopress/internal/logging"
	"autopress/internal/model"
	"autopress/internal/store"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/tomakado/containers/set"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	Scope           = "https://www.googleapis.com/auth/indexing"
	NotificationURL = "URL_UPDATED"

	maxDetailBytes = 4096
	skippedDetail  = "indexing credential not configured"
)

// Payload is the body posted to the indexing endpoint.
type Payload struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// Notifier submits URLs to the indexing API and records every outcome in the
// submission log. It never fails because of the remote call.
type Notifier struct {
	endpoint   string
	tokens     oauth2.TokenSource
	log        store.SubmissionLog
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

// NewNotifier builds a notifier. A nil tokens source makes every submission
// a skip.
func NewNotifier(cfg config.IndexingConfig, tokens oauth2.TokenSource, log store.SubmissionLog, logger *zap.Logger) *Notifier {
	return &Notifier{
		endpoint:   cfg.Endpoint,
		tokens:     tokens,
		log:        log,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logging.OrNop(logger),
		now:        time.Now,
	}
}

// NewTokenSourceFromFile reads a service-account JSON key. An empty path
// returns a nil source.
func NewTokenSourceFromFile(ctx context.Context, path string) (oauth2.TokenSource, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read indexing credentials: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, Scope)
	if err != nil {
		return nil, fmt.Errorf("parse indexing credentials: %w", err)
	}
	return creds.TokenSource, nil
}

// Submit notifies the indexing API about url and appends the outcome to the
// log. The error is non-nil only when the log could not be written.
func (n *Notifier) Submit(ctx context.Context, url string, source model.SubmissionSource) (model.SubmissionLogEntry, error) {
	payload := Payload{URL: url, Type: NotificationURL}
	encoded, _ := json.Marshal(payload)

	entry := model.SubmissionLogEntry{
		ID:                uuid.New(),
		URL:               url,
		SubmissionPayload: string(encoded),
		Source:            source,
	}
	entry.Status, entry.Detail = n.send(ctx, encoded)
	entry.CreatedAt = n.now()

	fields := []zap.Field{
		zap.String("url", url),
		zap.String("status", string(entry.Status)),
		zap.String("source", string(source)),
	}
	switch entry.Status {
	case model.SubmissionError:
		n.logger.Warn("Indexing submission failed", append(fields, zap.String("detail", entry.Detail))...)
	default:
		n.logger.Info("Indexing submission recorded", fields...)
	}

	if err := n.log.AppendSubmission(ctx, entry); err != nil {
		return entry, fmt.Errorf("append submission log: %w", err)
	}
	return entry, nil
}

func (n *Notifier) send(ctx context.Context, body []byte) (model.SubmissionStatus, string) {
	if n.tokens == nil {
		return model.SubmissionSkipped, skippedDetail
	}

	token, err := n.tokens.Token()
	if err != nil {
		return model.SubmissionError, fmt.Sprintf("obtain token: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return model.SubmissionError, fmt.Sprintf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	token.SetAuthHeader(req)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return model.SubmissionError, fmt.Sprintf("do request: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxDetailBytes))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.SubmissionError, fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return model.SubmissionSuccess, string(respBody)
}

// SweepResult counts what a sweep did. AlreadySubmitted urls were not sent;
// Skipped ones were logged without a request because no credential is set.
type SweepResult struct {
	Submitted        int `json:"submitted"`
	AlreadySubmitted int `json:"alreadySubmitted"`
	Skipped          int `json:"skipped"`
	Failed           int `json:"failed"`
}

// Sweep submits every url that has no successful log entry yet.
func (n *Notifier) Sweep(ctx context.Context, urls []string, source model.SubmissionSource) (SweepResult, error) {
	entries, err := n.log.ListSubmissions(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	done := set.New(lo.FilterMap(entries, func(e model.SubmissionLogEntry, _ int) (string, bool) {
		return e.URL, e.Status == model.SubmissionSuccess
	})...)

	var result SweepResult
	for _, url := range lo.Uniq(urls) {
		if done.Contains(url) {
			result.AlreadySubmitted++
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		entry, err := n.Submit(ctx, url, source)
		if err != nil {
			return result, err
		}
		switch entry.Status {
		case model.SubmissionSuccess:
			result.Submitted++
		case model.SubmissionSkipped:
			result.Skipped++
		default:
			result.Failed++
		}
	}
	return result, nil
}

// Submissions returns the audit log, newest first.
func (n *Notifier) Submissions(ctx context.Context) ([]model.SubmissionLogEntry, error) {
	return n.log.ListSubmissions(ctx)
}
