package images

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"autopress/internal/config"
	"autopress/internal/logging"
	"autopress/internal/slug"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"
)

const defaultMaxBytes = 10 << 20

var (
	ErrNoCandidate = errors.New("no image candidate found")
	ErrEmptyImage  = errors.New("image payload is empty")
	ErrTooLarge    = errors.New("image payload exceeds size ceiling")
	ErrNotImage    = errors.New("payload is not an image")

	urlPattern = regexp.MustCompile(`(?i)https?://[^"'\s<>\\]+`)
)

// Image is a downloaded picture: where it is served from and where it came from.
type Image struct {
	LocalURL  string `json:"localUrl"`
	SourceURL string `json:"sourceUrl"`
}

// Service finds and stores one image per topic.
type Service struct {
	cfg        config.ImagesConfig
	dir        string
	urlPrefix  string
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

// NewService writes downloads to dir and reports them under urlPrefix.
func NewService(cfg config.ImagesConfig, dir, urlPrefix string, httpClient *http.Client, logger *zap.Logger) *Service {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	return &Service{
		cfg:        cfg,
		dir:        dir,
		urlPrefix:  strings.TrimSuffix(urlPrefix, "/"),
		httpClient: httpClient,
		logger:     logging.OrNop(logger),
		now:        time.Now,
	}
}

// Find searches for an image about query and downloads it. Every failure is
// logged and reported as ok == false.
func (s *Service) Find(ctx context.Context, query, nameHint string) (Image, bool) {
	if !s.cfg.Enabled {
		return Image{}, false
	}

	candidate, err := s.Search(ctx, query)
	if err != nil {
		s.logger.Warn("Image search failed", zap.String("query", query), zap.Error(err))
		return Image{}, false
	}

	img, err := s.Download(ctx, candidate, nameHint)
	if err != nil {
		s.logger.Warn("Image download failed", zap.String("url", candidate), zap.Error(err))
		return Image{}, false
	}

	s.logger.Info("Image stored", zap.String("query", query), zap.String("local", img.LocalURL))
	return img, true
}

// Search returns the first image URL found in the search page for query.
func (s *Service) Search(ctx context.Context, query string) (string, error) {
	endpoint, err := url.Parse(s.cfg.SearchEndpoint)
	if err != nil {
		return "", fmt.Errorf("parse search endpoint: %w", err)
	}
	q := endpoint.Query()
	q.Set("q", query)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; autopress/1.0)")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("search returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read search page: %w", err)
	}

	candidate, ok := FirstCandidate(string(body), s.cfg.ExcludeHost)
	if !ok {
		return "", ErrNoCandidate
	}
	return candidate, nil
}

// FirstCandidate scans raw markup for absolute URLs whose path ends in an
// image extension, skipping any hosted on excludeHost.
func FirstCandidate(body, excludeHost string) (string, bool) {
	excludeHost = strings.ToLower(excludeHost)
	for _, match := range urlPattern.FindAllString(html.UnescapeString(body), -1) {
		u, err := url.Parse(match)
		if err != nil || u.Host == "" || !isImageExt(path.Ext(u.Path)) {
			continue
		}
		if excludeHost != "" && strings.Contains(strings.ToLower(u.Hostname()), excludeHost) {
			continue
		}
		return match, true
	}
	return "", false
}

func isImageExt(ext string) bool {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg", ".png", ".webp", ".gif":
		return true
	}
	return false
}

// mediaType trusts a specific Content-Type header and sniffs the payload
// otherwise.
func mediaType(header string, data []byte) string {
	if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "application/octet-stream" {
		return mt
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}

// Download fetches src and writes it under the upload directory.
func (s *Service) Download(ctx context.Context, src, nameHint string) (Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return Image{}, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Image{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Image{}, fmt.Errorf("download returned %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxBytes+1))
	if err != nil {
		return Image{}, fmt.Errorf("read image: %w", err)
	}
	if len(data) == 0 {
		return Image{}, ErrEmptyImage
	}
	if int64(len(data)) > s.cfg.MaxBytes {
		return Image{}, ErrTooLarge
	}

	contentType := mediaType(resp.Header.Get("Content-Type"), data)
	if !strings.HasPrefix(contentType, "image/") {
		return Image{}, fmt.Errorf("%w: %s", ErrNotImage, contentType)
	}

	ext := Extension(src, contentType)
	base := slug.Make(nameHint)
	if base == "" {
		base = "image"
	}
	name := fmt.Sprintf("%s-%d%s", base, s.now().UnixNano(), ext)

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Image{}, fmt.Errorf("create upload dir: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return Image{}, fmt.Errorf("write image: %w", err)
	}

	return Image{LocalURL: s.urlPrefix + "/" + name, SourceURL: src}, nil
}

// Extension picks the file extension from the URL path, then the content
// type, defaulting to .jpg.
func Extension(src, contentType string) string {
	if u, err := url.Parse(src); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); isImageExt(ext) {
			return ext
		}
	}

	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mediaType {
		case "image/png":
			return ".png"
		case "image/webp":
			return ".webp"
		case "image/gif":
			return ".gif"
		case "image/jpeg":
			return ".jpg"
		}
	}
	return ".jpg"
}
