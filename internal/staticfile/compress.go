// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

package staticfile

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"

	"github.com/snakewayhq/snakeway/internal/config"
	"github.com/snakewayhq/snakeway/internal/metrics"
)

// gzipWriterPool mirrors the existing request-path gzip middleware's
// pooling idiom to avoid allocating a new flate window per response.
var gzipWriterPool = sync.Pool{
	New: func() interface{} { return gzip.NewWriter(io.Discard) },
}

// qValue parses one Accept-Encoding token's q parameter, defaulting to 1.
func qValue(token string) (string, float64) {
	parts := strings.Split(token, ";")
	name := strings.TrimSpace(parts[0])
	q := 1.0
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if v, ok := strings.CutPrefix(p, "q="); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				q = f
			}
		}
	}
	return name, q
}

// acceptedEncodings parses Accept-Encoding into a name->q map, dropping
// zero-q entries (spec §4.4 step 7: "nonzero q").
func acceptedEncodings(header string) map[string]float64 {
	out := make(map[string]float64)
	if header == "" {
		return out
	}
	for _, tok := range strings.Split(header, ",") {
		name, q := qValue(tok)
		if q > 0 && name != "" {
			out[name] = q
		}
	}
	return out
}

// negotiate implements spec §4.4 step 7: Brotli preferred over gzip,
// subject to minimum-size thresholds, falling back to identity when
// compression isn't negotiable, the file is too small, or the client
// didn't ask. Streamed (large, above small_file_threshold) responses are
// never compressed (REDESIGN: "do not compress streamed responses" —
// compression requires buffering or a streaming codec with unknown
// output length, and large-file precompressed variants are out of
// scope).
func negotiate(r *http.Request, f io.Reader, mime string, size int64, cc config.CompressionSpec) (body io.Reader, encoding string, contentLength int64) {
	if !compressible[mime] || size > cc.SmallFileThreshold {
		return f, "", size
	}

	accepted := acceptedEncodings(r.Header.Get("Accept-Encoding"))
	order := []string{"br", "gzip"}
	sort.SliceStable(order, func(i, j int) bool { return accepted[order[i]] > accepted[order[j]] })

	buf, err := io.ReadAll(f)
	if err != nil {
		return bytes.NewReader(nil), "", 0
	}

	for _, enc := range order {
		if accepted[enc] <= 0 {
			continue
		}
		switch enc {
		case "br":
			if size < cc.MinBrotliSize {
				continue
			}
			if out, ok := compressBrotli(buf); ok && len(out) < len(buf) {
				metrics.StaticFileCompressionRatio.WithLabelValues("br").Observe(float64(len(out)) / float64(len(buf)))
				return bytes.NewReader(out), "br", int64(len(out))
			}
		case "gzip":
			if size < cc.MinGzipSize {
				continue
			}
			if out, ok := compressGzip(buf); ok && len(out) < len(buf) {
				metrics.StaticFileCompressionRatio.WithLabelValues("gzip").Observe(float64(len(out)) / float64(len(buf)))
				return bytes.NewReader(out), "gzip", int64(len(out))
			}
		}
	}
	return bytes.NewReader(buf), "", int64(len(buf))
}

func compressBrotli(in []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(in); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func compressGzip(in []byte) ([]byte, bool) {
	gz := gzipWriterPool.Get().(*gzip.Writer)
	defer gzipWriterPool.Put(gz)
	var buf bytes.Buffer
	gz.Reset(&buf)
	if _, err := gz.Write(in); err != nil {
		return nil, false
	}
	if err := gz.Close(); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}
