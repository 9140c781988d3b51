package images

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"autopress/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, srv *httptest.Server, maxBytes int64) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.ImagesConfig{
		Enabled:        true,
		SearchEndpoint: srv.URL + "/search",
		ExcludeHost:    "mm.bing.net",
		MaxBytes:       maxBytes,
		Timeout:        time.Second,
	}
	svc := NewService(cfg, dir, "/uploads", srv.Client(), nil)
	svc.now = func() time.Time { return time.Unix(0, 42) }
	return svc, dir
}

func TestFirstCandidate_SkipsExcludedHost(t *testing.T) {
	body := `<img src="https://tse1.mm.bing.net/th?id=1.jpg"> <a m="{&quot;murl&quot;:&quot;x&quot;}" href="https://cdn.example.com/photos/ploaie.JPG?w=1">`

	got, ok := FirstCandidate(body, "mm.bing.net")
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example.com/photos/ploaie.JPG?w=1", got)

	_, ok = FirstCandidate("<html>nothing here</html>", "mm.bing.net")
	assert.False(t, ok)
}

func TestFirstCandidate_ExtensionMustEndThePath(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{
			body: `<img src="https://i.gifer.com/origin/ab/photo.jpg">`,
			want: "https://i.gifer.com/origin/ab/photo.jpg",
		},
		{
			body: `<a href="https://www.pngmart.com/files/a.png">`,
			want: "https://www.pngmart.com/files/a.png",
		},
		{
			body: `https://x.ro/page.html https://img.x.ro/a.webp`,
			want: "https://img.x.ro/a.webp",
		},
		{
			body: `{&quot;murl&quot;:&quot;https://cdn.x.ro/p/nori.jpeg&quot;,&quot;t&quot;:1}`,
			want: "https://cdn.x.ro/p/nori.jpeg",
		},
	}
	for _, tc := range cases {
		got, ok := FirstCandidate(tc.body, "mm.bing.net")
		require.True(t, ok, tc.body)
		assert.Equal(t, tc.want, got)
	}

	_, ok := FirstCandidate(`<a href="https://www.pngmart.com/files/">`, "")
	assert.False(t, ok)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, ".png", Extension("https://x.ro/a/b.PNG", ""))
	assert.Equal(t, ".webp", Extension("https://x.ro/image", "image/webp"))
	assert.Equal(t, ".gif", Extension("https://x.ro/image", "image/gif; charset=binary"))
	assert.Equal(t, ".jpg", Extension("https://x.ro/image", "application/octet-stream"))
}

func TestFind_SearchesAndStores(t *testing.T) {
	payload := []byte("\x89PNG fake image bytes")
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search":
			assert.Equal(t, "Vreme Cluj", r.URL.Query().Get("q"))
			_, _ = w.Write([]byte(`<div>` + srv.URL + `/img/nori.png</div>`))
		case "/img/nori.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(payload)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	svc, dir := newTestService(t, srv, 0)
	img, ok := svc.Find(context.Background(), "Vreme Cluj", "Vreme în Cluj")
	require.True(t, ok)

	assert.Equal(t, "/uploads/vreme-in-cluj-42.png", img.LocalURL)
	assert.Equal(t, srv.URL+"/img/nori.png", img.SourceURL)

	stored, err := os.ReadFile(filepath.Join(dir, "vreme-in-cluj-42.png"))
	require.NoError(t, err)
	assert.Equal(t, payload, stored)
}

func TestDownload_RejectsEmptyAndOversized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "big.jpg") {
			_, _ = w.Write(bytes.Repeat([]byte("a"), 65))
			return
		}
	}))
	defer srv.Close()

	svc, dir := newTestService(t, srv, 64)

	_, err := svc.Download(context.Background(), srv.URL+"/empty.jpg", "x")
	assert.ErrorIs(t, err, ErrEmptyImage)

	_, err = svc.Download(context.Background(), srv.URL+"/big.jpg", "x")
	assert.ErrorIs(t, err, ErrTooLarge)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDownload_RejectsNonImagePayload(t *testing.T) {
	pngBytes := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/photo.jpg":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte("<html>403 hotlink denied</html>"))
		case "/blob.jpg":
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write([]byte("<html><body>error</body></html>"))
		case "/sniffed":
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(pngBytes)
		}
	}))
	defer srv.Close()

	svc, dir := newTestService(t, srv, 0)
	ctx := context.Background()

	_, err := svc.Download(ctx, srv.URL+"/photo.jpg", "vreme")
	assert.ErrorIs(t, err, ErrNotImage)

	_, err = svc.Download(ctx, srv.URL+"/blob.jpg", "vreme")
	assert.ErrorIs(t, err, ErrNotImage)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	img, err := svc.Download(ctx, srv.URL+"/sniffed", "vreme")
	require.NoError(t, err)
	assert.Equal(t, "/uploads/vreme-42.png", img.LocalURL)
}

func TestFind_FailureIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	svc, _ := newTestService(t, srv, 0)
	_, ok := svc.Find(context.Background(), "Vreme", "Vreme")
	assert.False(t, ok)
}

func TestFind_Disabled(t *testing.T) {
	svc := NewService(config.ImagesConfig{}, t.TempDir(), "/uploads", nil, nil)
	_, ok := svc.Find(context.Background(), "Vreme", "Vreme")
	assert.False(t, ok)
}
