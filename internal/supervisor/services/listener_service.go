// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

// Package services wraps long-running components as suture.Service
// implementations for internal/supervisor's tree.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// HTTPServer matches *http.Server's lifecycle methods (spec §6: every
// configured listener binds one *http.Server). The interface lets
// ListenerService be exercised with a fake in tests without spinning up a
// real socket.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// ListenerService wraps one configured listener's *http.Server as a
// supervised service (spec §6 listeners[], SPEC_FULL.md's "transport"
// branch). It translates http.Server's blocking ListenAndServe into
// suture's context-aware Serve:
//
//  1. Starts ListenAndServe in a goroutine
//  2. Waits for either context cancellation or a server error
//  3. On shutdown, calls Shutdown with the configured timeout
type ListenerService struct {
	server          HTTPServer
	addr            string
	shutdownTimeout time.Duration
}

// NewListenerService wraps server, bound to addr, as a supervised service.
// shutdownTimeout bounds how long in-flight connections get to drain during
// a graceful stop; it defaults to 10s when not positive.
func NewListenerService(addr string, server HTTPServer, shutdownTimeout time.Duration) *ListenerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &ListenerService{server: server, addr: addr, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service. On context cancellation it shuts the
// server down and returns ctx.Err(), or a wrapped error if Shutdown fails
// or times out. If the server stops on its own it returns the listener
// error, or nil when that error is http.ErrServerClosed.
func (s *ListenerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listener %s: %w", s.addr, err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("listener %s: shutdown: %w", s.addr, err)
		}
		<-errCh
		return ctx.Err()
	}
}

// String implements fmt.Stringer; suture uses this to identify the service
// in log messages.
func (s *ListenerService) String() string {
	return "listener:" + s.addr
}
