package trends

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"autopress/internal/config"
	"autopress/internal/logging"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

const rpcID = "i0OFE"

// ErrNoTrendsFound is returned when a response decodes to zero labels. It is
// treated like any other failed attempt and retried.
var ErrNoTrendsFound = errors.New("no trends found")

// FetchError is returned once every attempt has failed.
type FetchError struct {
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch trends: %d attempts failed: %v", e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Client reads the currently trending searches from the batch-RPC endpoint.
type Client struct {
	endpoint   string
	attempts   int
	retryDelay time.Duration
	http       *http.Client
	logger     *zap.Logger
}

func NewClient(cfg config.TrendsConfig, client *http.Client, logger *zap.Logger) *Client {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	// Retries counts repeats after the first attempt.
	attempts := 1 + max(cfg.Retries, 0)
	return &Client{
		endpoint:   cfg.Endpoint,
		attempts:   attempts,
		retryDelay: cfg.RetryDelay,
		http:       client,
		logger:     logging.OrNop(logger),
	}
}

// FetchTrends returns the live trend labels for countryCode in source order,
// entity-decoded and de-duplicated case-insensitively.
func (c *Client) FetchTrends(ctx context.Context, countryCode string) ([]string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		labels, err := c.fetchOnce(ctx, countryCode)
		if err == nil {
			return labels, nil
		}
		lastErr = err
		c.logger.Warn("Trend fetch attempt failed",
			zap.Int("attempt", attempt),
			zap.String("country", countryCode),
			zap.Error(err))

		if attempt == c.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, &FetchError{Attempts: attempt, Err: ctx.Err()}
		case <-time.After(c.retryDelay):
		}
	}
	return nil, &FetchError{Attempts: c.attempts, Err: lastErr}
}

func (c *Client) fetchOnce(ctx context.Context, countryCode string) ([]string, error) {
	form := url.Values{}
	form.Set("f.req", buildRequestPayload(countryCode))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; autopress/1.0)")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("trends endpoint returned %s", resp.Status)
	}

	return ParseResponse(body)
}

func buildRequestPayload(countryCode string) string {
	inner, _ := json.Marshal([]any{nil, nil, strings.ToUpper(countryCode), 0, nil, 48})
	outer, _ := json.Marshal([][][]any{{{rpcID, string(inner), nil, "generic"}}})
	return string(outer)
}

// ParseResponse decodes a batch-RPC body. The first line starting with '['
// is the outer envelope; its first record carries the payload as a JSON
// string whose second element is the list of [label, ...] tuples.
func ParseResponse(body []byte) ([]string, error) {
	line, ok := envelopeLine(body)
	if !ok {
		return nil, errors.New("malformed response: no envelope line")
	}

	var outer [][]json.RawMessage
	if err := json.Unmarshal(line, &outer); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if len(outer) == 0 || len(outer[0]) < 3 {
		return nil, errors.New("malformed envelope: missing payload")
	}

	var payload string
	if err := json.Unmarshal(outer[0][2], &payload); err != nil {
		return nil, fmt.Errorf("malformed envelope payload: %w", err)
	}

	var inner []json.RawMessage
	if err := json.Unmarshal([]byte(payload), &inner); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if len(inner) < 2 {
		return nil, ErrNoTrendsFound
	}

	var tuples [][]json.RawMessage
	if err := json.Unmarshal(inner[1], &tuples); err != nil {
		return nil, fmt.Errorf("malformed trend list: %w", err)
	}

	labels := make([]string, 0, len(tuples))
	for _, tuple := range tuples {
		if len(tuple) == 0 {
			continue
		}
		var label string
		if err := json.Unmarshal(tuple[0], &label); err != nil {
			continue
		}
		label = strings.TrimSpace(html.UnescapeString(label))
		if label != "" {
			labels = append(labels, label)
		}
	}

	labels = lo.UniqBy(labels, strings.ToLower)
	if len(labels) == 0 {
		return nil, ErrNoTrendsFound
	}
	return labels, nil
}

func envelopeLine(body []byte) ([]byte, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if bytes.HasPrefix(line, []byte("[")) {
			return append([]byte(nil), line...), true
		}
	}
	return nil, false
}
