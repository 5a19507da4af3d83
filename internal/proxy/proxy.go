// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

// Package proxy dispatches a request to a selected upstream over plain
// HTTP(S) or a Unix socket, and tunnels WebSocket upgrades bidirectionally
// (spec §4.6 phase 5, §9 "WebSocket").
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/snakewayhq/snakeway/internal/snapshot"
)

// Dial/read/write timeouts for upstream connections. Not exposed as
// per-service configuration (spec §6 enumerates no such knobs); sized the
// way the teacher's own stream proxy sizes its outbound transport.
const (
	dialTimeout  = 10 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 60 * time.Second
)

// hop-by-hop headers that must not be forwarded (RFC 7230 §6.1), mirroring
// net/http/httputil's reverse proxy.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

// Dispatcher issues requests to upstreams, caching one *http.Transport per
// upstream ID so connections are pooled and reused across requests.
type Dispatcher struct {
	mu         sync.Mutex
	transports map[string]*http.Transport
}

// New builds an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{transports: make(map[string]*http.Transport)}
}

func (d *Dispatcher) transportFor(u *snapshot.Upstream) *http.Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.transports[u.ID]; ok {
		return t
	}
	dialer := &net.Dialer{Timeout: dialTimeout}
	t := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if u.Socket != "" {
				return dialer.DialContext(ctx, "unix", u.Socket)
			}
			return dialer.DialContext(ctx, network, addr)
		},
		ForceAttemptHTTP2:     !strings.HasPrefix(u.Label(), "/"), // unix sockets skip h2 upgrade probing
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if u.TLS {
		t.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	d.transports[u.ID] = t
	return t
}

func targetURL(u *snapshot.Upstream, r *http.Request) string {
	scheme := "http"
	if u.TLS {
		scheme = "https"
	}
	host := u.Addr
	if u.Socket != "" {
		host = "unix" // dialer ignores the host for unix sockets; kept non-empty for a valid URL
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, r.URL.RequestURI())
}

// Outcome classifies how the round trip finished (spec §4.3/§7:
// TransportFailure vs a passed-through HTTP response).
type Outcome struct {
	StatusCode      int
	TransportFailed bool
}

// Dispatch forwards r to u and copies the response to w. countHTTP5xx
// controls whether a 5xx status also counts as a classification failure
// (spec §6 "count_http_5xx_as_failure"); the caller feeds Outcome into the
// selected upstream's Guard.
func (d *Dispatcher) Dispatch(ctx context.Context, w http.ResponseWriter, r *http.Request, u *snapshot.Upstream, countHTTP5xx bool) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout+writeTimeout)
	defer cancel()

	outReq, err := http.NewRequestWithContext(ctx, r.Method, targetURL(u, r), r.Body)
	if err != nil {
		return Outcome{TransportFailed: true}, fmt.Errorf("proxy: build request: %w", err)
	}
	outReq.Header = cloneHeaders(r.Header)
	outReq.Host = r.Host
	outReq.Header.Set("X-Forwarded-Host", r.Host)
	outReq.Header.Set("X-Forwarded-Proto", schemeOf(r))

	client := &http.Client{Transport: d.transportFor(u)}
	resp, err := client.Do(outReq)
	if err != nil {
		return Outcome{TransportFailed: true}, fmt.Errorf("proxy: round trip: %w", err)
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = io.Copy(w, resp.Body)
	}

	failed := countHTTP5xx && resp.StatusCode >= 500
	return Outcome{StatusCode: resp.StatusCode, TransportFailed: false}, boolErr(failed)
}

func boolErr(failed bool) error {
	if !failed {
		return nil
	}
	return fmt.Errorf("proxy: upstream returned 5xx")
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func cloneHeaders(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
