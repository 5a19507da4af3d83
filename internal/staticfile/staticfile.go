// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

// Package staticfile implements the static file server contract (spec
// §4.4): path safety, directory listing, conditional requests, MIME
// detection, compression negotiation, and chunked streaming.
package staticfile

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/snakewayhq/snakeway/internal/config"
	"github.com/snakewayhq/snakeway/internal/metrics"
	"github.com/snakewayhq/snakeway/internal/snapshot"
)

// chunkSize is the streaming write size for files above the route's
// small_file_threshold (spec §4.4 step 8).
const chunkSize = 32 * 1024

// compressible is the MIME set eligible for on-the-fly compression (spec
// §4.4 step 7). Already-compressed and binary formats are excluded since
// compressing them rarely helps and costs CPU.
var compressible = map[string]bool{
	"text/html; charset=utf-8":             true,
	"text/css; charset=utf-8":              true,
	"text/plain; charset=utf-8":             true,
	"application/javascript; charset=utf-8": true,
	"application/json; charset=utf-8":       true,
	"image/svg+xml":                         true,
	"application/wasm":                      true,
	"text/xml; charset=utf-8":               true,
}

// mimeTypes is the built-in extension table (spec §4.4 step 6).
var mimeTypes = map[string]string{
	".html":  "text/html; charset=utf-8",
	".htm":   "text/html; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".js":    "application/javascript; charset=utf-8",
	".mjs":   "application/javascript; charset=utf-8",
	".json":  "application/json; charset=utf-8",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".svg":   "image/svg+xml",
	".ico":   "image/x-icon",
	".webp":  "image/webp",
	".wasm":  "application/wasm",
	".xml":   "text/xml; charset=utf-8",
	".txt":   "text/plain; charset=utf-8",
	".pdf":   "application/pdf",
	".woff":  "font/woff",
	".woff2": "font/woff2",
}

// Server serves files for one static route.
type Server struct {
	route *snapshot.Route
}

// New builds a Server for a route; route.Static must be non-nil.
func New(route *snapshot.Route) *Server {
	return &Server{route: route}
}

// ErrForbidden, ErrNotFound, ErrMethodNotAllowed, ErrTooLarge classify
// pre-header failures (spec §4.4, "Failure semantics").
var (
	ErrForbidden        = errors.New("staticfile: forbidden")
	ErrNotFound         = errors.New("staticfile: not found")
	ErrMethodNotAllowed = errors.New("staticfile: method not allowed")
	ErrTooLarge         = errors.New("staticfile: too large")
)

// ServeHTTP implements the full step sequence of spec §4.4 against w/r,
// where r.URL.Path is the full request path and matchedPrefix is the
// route path the caller's router matched; ServeHTTP strips it from
// r.URL.Path itself.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request, matchedPrefix string) error {
	st := s.route.Static

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return ErrMethodNotAllowed
	}

	rel := strings.TrimPrefix(r.URL.Path, matchedPrefix)
	if strings.Contains(rel, "..") || containsControlByte(rel) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return ErrForbidden
	}

	cleanDir, err := filepath.EvalSymlinks(st.Dir)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return fmt.Errorf("staticfile: resolve dir: %w", err)
	}
	resolved := filepath.Join(st.Dir, filepath.FromSlash(rel))
	cleanTarget, err := resolveWithinDir(resolved, cleanDir)
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return ErrForbidden
	}

	info, err := os.Stat(cleanTarget)
	if errors.Is(err, os.ErrNotExist) {
		http.NotFound(w, r)
		return ErrNotFound
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return fmt.Errorf("staticfile: stat: %w", err)
	}

	if info.IsDir() {
		return s.serveDir(w, r, cleanTarget, st)
	}

	if st.MaxFileSize > 0 && info.Size() > st.MaxFileSize {
		http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
		return ErrTooLarge
	}

	return s.serveFile(w, r, cleanTarget, info, st)
}

// resolveWithinDir canonicalizes target and rejects it unless it is a
// descendant of dir (spec §4.4 step 1, invariant "Static safety").
func resolveWithinDir(target, dir string) (string, error) {
	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			resolved = target
		} else {
			return "", err
		}
	}
	rel, err := filepath.Rel(dir, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("staticfile: %q escapes %q", resolved, dir)
	}
	return resolved, nil
}

func containsControlByte(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7f {
			return true
		}
	}
	return false
}

// serveDir implements spec §4.4 step 2: index file, directory listing,
// or 404.
func (s *Server) serveDir(w http.ResponseWriter, r *http.Request, dir string, st *snapshot.StaticTarget) error {
	if st.Index != "" {
		idx := filepath.Join(dir, st.Index)
		if info, err := os.Stat(idx); err == nil && !info.IsDir() {
			return s.serveFile(w, r, idx, info, st)
		}
	}
	if st.DirectoryListing {
		return renderListing(w, dir, r.URL.Path)
	}
	http.NotFound(w, r)
	return ErrNotFound
}

type listingEntry struct {
	Name  string
	IsDir bool
}

// renderListing writes a sorted, dirs-first HTML index excluding hidden
// entries (spec §4.4 step 2).
func renderListing(w http.ResponseWriter, dir, urlPath string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return fmt.Errorf("staticfile: readdir: %w", err)
	}
	var visible []listingEntry
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		visible = append(visible, listingEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	sort.Slice(visible, func(i, j int) bool {
		if visible[i].IsDir != visible[j].IsDir {
			return visible[i].IsDir
		}
		return visible[i].Name < visible[j].Name
	})

	if !strings.HasSuffix(urlPath, "/") {
		urlPath += "/"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	var b strings.Builder
	fmt.Fprintf(&b, "<!doctype html><html><head><title>Index of %s</title></head><body><h1>Index of %s</h1><ul>", urlPath, urlPath)
	if urlPath != "/" {
		b.WriteString(`<li><a href="../">../</a></li>`)
	}
	for _, e := range visible {
		name := e.Name
		if e.IsDir {
			name += "/"
		}
		fmt.Fprintf(&b, `<li><a href="%s">%s</a></li>`, path.Join(urlPath, name), name)
	}
	b.WriteString("</ul></body></html>")
	_, werr := io.WriteString(w, b.String())
	return werr
}

// serveFile implements spec §4.4 steps 4-9: conditional requests, MIME,
// compression negotiation, and body transmission.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, fp string, info os.FileInfo, st *snapshot.StaticTarget) error {
	etag := weakETag(info)
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	w.Header().Set("Cache-Control", cacheControl(st.CachePolicy))

	if notModified(r, etag, info.ModTime()) {
		metrics.StaticFileCacheHitsTotal.WithLabelValues(s.route.Path).Inc()
		w.WriteHeader(http.StatusNotModified)
		return nil
	}
	metrics.StaticFileCacheMissesTotal.WithLabelValues(s.route.Path).Inc()

	mime := mimeFor(fp)
	w.Header().Set("Content-Type", mime)
	if compressible[mime] {
		w.Header().Add("Vary", "Accept-Encoding")
	}

	f, err := os.Open(fp)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return fmt.Errorf("staticfile: open: %w", err)
	}
	defer f.Close()

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
		w.WriteHeader(http.StatusOK)
		return nil
	}

	body, enc, length := negotiate(r, f, mime, info.Size(), st.Compression)
	if enc != "" {
		w.Header().Set("Content-Encoding", enc)
	}
	if length >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	}
	w.WriteHeader(http.StatusOK)

	if enc == "" && info.Size() > st.Compression.SmallFileThreshold {
		return streamChunks(w, body)
	}
	_, err = io.Copy(w, body)
	return err
}

func cacheControl(cp config.CachePolicySpec) string {
	parts := []string{fmt.Sprintf("max-age=%d", cp.MaxAgeSeconds)}
	if cp.Public {
		parts = append(parts, "public")
	} else {
		parts = append(parts, "private")
	}
	if cp.Immutable {
		parts = append(parts, "immutable")
	}
	return strings.Join(parts, ", ")
}

func weakETag(info os.FileInfo) string {
	return fmt.Sprintf(`W/"%d-%d"`, info.Size(), info.ModTime().UnixMilli())
}

// notModified implements spec §4.4 step 5's conditional-request check.
func notModified(r *http.Request, etag string, mtime time.Time) bool {
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		return inm == etag
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		t, err := http.ParseTime(ims)
		if err == nil && !mtime.Truncate(time.Second).After(t) {
			return true
		}
	}
	return false
}

func mimeFor(fp string) string {
	ext := strings.ToLower(filepath.Ext(fp))
	if m, ok := mimeTypes[ext]; ok {
		return m
	}
	return "application/octet-stream"
}

func streamChunks(w io.Writer, r io.Reader) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
