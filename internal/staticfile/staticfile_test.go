// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

package staticfile

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snakewayhq/snakeway/internal/config"
	"github.com/snakewayhq/snakeway/internal/snapshot"
)

func testRoute(t *testing.T, dir string) *snapshot.Route {
	t.Helper()
	return &snapshot.Route{
		Path: "/assets",
		Static: &snapshot.StaticTarget{
			Dir:         dir,
			MaxFileSize: 1 << 20,
			Compression: config.CompressionSpec{
				MinBrotliSize:      1,
				MinGzipSize:        1,
				SmallFileThreshold: 1 << 20,
			},
			CachePolicy: config.CachePolicySpec{MaxAgeSeconds: 60},
		},
	}
}

func TestServeHTTP_RejectsDotDotTraversal(t *testing.T) {
	dir := t.TempDir()
	s := New(testRoute(t, dir))
	req := httptest.NewRequest(http.MethodGet, "/assets/../../etc/passwd", nil)
	w := httptest.NewRecorder()
	err := s.ServeHTTP(w, req, "/assets")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestServeHTTP_RejectsSymlinkEscape(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("shh"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(dir, "link.txt")))

	s := New(testRoute(t, dir))
	req := httptest.NewRequest(http.MethodGet, "/assets/link.txt", nil)
	w := httptest.NewRecorder()
	err := s.ServeHTTP(w, req, "/assets")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestServeHTTP_MethodNotAllowed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.txt"), []byte("hi"), 0o644))
	s := New(testRoute(t, dir))
	req := httptest.NewRequest(http.MethodPost, "/assets/x.txt", nil)
	w := httptest.NewRecorder()
	err := s.ServeHTTP(w, req, "/assets")
	assert.ErrorIs(t, err, ErrMethodNotAllowed)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServeHTTP_TooLarge(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.bin"), make([]byte, 100), 0o644))
	route := testRoute(t, dir)
	route.Static.MaxFileSize = 10
	s := New(route)
	req := httptest.NewRequest(http.MethodGet, "/assets/big.bin", nil)
	w := httptest.NewRecorder()
	err := s.ServeHTTP(w, req, "/assets")
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestServeHTTP_ConditionalRequestReturns304(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.txt"), []byte("hello world"), 0o644))
	s := New(testRoute(t, dir))

	req1 := httptest.NewRequest(http.MethodGet, "/assets/x.txt", nil)
	w1 := httptest.NewRecorder()
	require.NoError(t, s.ServeHTTP(w1, req1, "/assets"))
	require.Equal(t, http.StatusOK, w1.Code)
	etag := w1.Header().Get("ETag")
	require.NotEmpty(t, etag)
	cacheControl := w1.Header().Get("Cache-Control")

	req2 := httptest.NewRequest(http.MethodGet, "/assets/x.txt", nil)
	req2.Header.Set("If-None-Match", etag)
	w2 := httptest.NewRecorder()
	require.NoError(t, s.ServeHTTP(w2, req2, "/assets"))
	assert.Equal(t, http.StatusNotModified, w2.Code)
	assert.Empty(t, w2.Body.String())
	assert.Equal(t, etag, w2.Header().Get("ETag"))
	assert.Equal(t, cacheControl, w2.Header().Get("Cache-Control"))
}

func TestServeHTTP_HeadHasNoBody(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.txt"), []byte("hello world"), 0o644))
	s := New(testRoute(t, dir))
	req := httptest.NewRequest(http.MethodHead, "/assets/x.txt", nil)
	w := httptest.NewRecorder()
	require.NoError(t, s.ServeHTTP(w, req, "/assets"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestServeHTTP_DirectoryListing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "asub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("h"), 0o644))

	route := testRoute(t, dir)
	route.Static.DirectoryListing = true
	s := New(route)
	req := httptest.NewRequest(http.MethodGet, "/assets/", nil)
	w := httptest.NewRecorder()
	require.NoError(t, s.ServeHTTP(w, req, "/assets"))
	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "asub/")
	assert.Contains(t, body, "b.txt")
	assert.NotContains(t, body, ".hidden")
}

func TestServeHTTP_DirectoryWithoutListingIs404(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	s := New(testRoute(t, dir))
	req := httptest.NewRequest(http.MethodGet, "/assets/sub", nil)
	w := httptest.NewRecorder()
	err := s.ServeHTTP(w, req, "/assets")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServeHTTP_CompressesCompressibleMimeWithGzip(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, 4096)
	for i := range content {
		content[i] = 'a'
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.html"), content, 0o644))
	s := New(testRoute(t, dir))
	req := httptest.NewRequest(http.MethodGet, "/assets/x.html", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	require.NoError(t, s.ServeHTTP(w, req, "/assets"))
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	assert.Less(t, w.Body.Len(), len(content))
}

func TestServeHTTP_SkipsCompressionForIncompressibleMime(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.png"), make([]byte, 4096), 0o644))
	s := New(testRoute(t, dir))
	req := httptest.NewRequest(http.MethodGet, "/assets/x.png", nil)
	req.Header.Set("Accept-Encoding", "gzip, br")
	w := httptest.NewRecorder()
	require.NoError(t, s.ServeHTTP(w, req, "/assets"))
	assert.Empty(t, w.Header().Get("Content-Encoding"))
}
