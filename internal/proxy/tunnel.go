// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

package proxy

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/snakewayhq/snakeway/internal/snapshot"
)

// IsUpgrade reports whether r asks to upgrade to WebSocket (spec §4.6
// phase 3).
func IsUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// Tunnel hijacks the client connection, dials the upstream directly, and
// relays bytes bidirectionally until either side closes (spec §9
// "WebSocket": "proceeds to proxy as a bidirectional tunnel"). It forwards
// the original request line and headers verbatim so the upstream performs
// its own handshake.
func (d *Dispatcher) Tunnel(w http.ResponseWriter, r *http.Request, u *snapshot.Upstream, idleTimeout time.Duration) error {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return fmt.Errorf("proxy: tunnel: response writer does not support hijacking")
	}

	network, addr := "tcp", u.Addr
	if u.Socket != "" {
		network, addr = "unix", u.Socket
	}
	upstreamConn, err := net.DialTimeout(network, addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("proxy: tunnel: dial upstream: %w", err)
	}
	defer upstreamConn.Close()

	if err := r.Write(upstreamConn); err != nil {
		return fmt.Errorf("proxy: tunnel: write handshake: %w", err)
	}

	clientConn, buf, err := hj.Hijack()
	if err != nil {
		return fmt.Errorf("proxy: tunnel: hijack: %w", err)
	}
	defer clientConn.Close()

	if buf.Reader.Buffered() > 0 {
		if _, err := io.CopyN(upstreamConn, buf.Reader, int64(buf.Reader.Buffered())); err != nil {
			return fmt.Errorf("proxy: tunnel: drain buffered client bytes: %w", err)
		}
	}

	errc := make(chan error, 2)
	go relay(errc, upstreamConn, clientConn, idleTimeout)
	go relay(errc, clientConn, upstreamConn, idleTimeout)
	return <-errc
}

// relay copies dst<-src until EOF or idleTimeout elapses with no traffic,
// resetting each side's read deadline on every successful read.
func relay(errc chan<- error, dst io.Writer, src net.Conn, idleTimeout time.Duration) {
	buf := make([]byte, 32*1024)
	for {
		if idleTimeout > 0 {
			_ = src.SetReadDeadline(time.Now().Add(idleTimeout))
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				errc <- werr
				return
			}
		}
		if err != nil {
			errc <- err
			return
		}
	}
}
