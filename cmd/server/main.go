// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

// Package main is Snakeway's entry point: it loads and validates the
// configured spec, builds the first runtime snapshot through the same
// reload path a SIGHUP or admin POST would use, binds one listener per
// configured entry, and runs them under a supervisor tree until an
// interrupt or termination signal arrives.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/snakewayhq/snakeway/internal/admin"
	"github.com/snakewayhq/snakeway/internal/config"
	"github.com/snakewayhq/snakeway/internal/engine"
	"github.com/snakewayhq/snakeway/internal/logging"
	"github.com/snakewayhq/snakeway/internal/proxy"
	"github.com/snakewayhq/snakeway/internal/reload"
	"github.com/snakewayhq/snakeway/internal/snapshot"
	"github.com/snakewayhq/snakeway/internal/supervisor"
	"github.com/snakewayhq/snakeway/internal/supervisor/services"
	"github.com/snakewayhq/snakeway/internal/upstream"
)

// Exit codes (spec §6 "CLI exit codes").
const (
	exitOK              = 0
	exitConfigInvalid   = 1
	exitListenerBind    = 2
	exitInternalFailure = 3
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Error().Err(err).Msg("configuration invalid")
		os.Exit(exitConfigInvalid)
	}

	logging.Init(logging.Config{
		Level:  cfg.Server.LogLevel,
		Format: cfg.Server.LogFormat,
		Caller: cfg.Server.LogCaller,
	})

	if cfg.Server.Threads > 0 {
		runtime.GOMAXPROCS(cfg.Server.Threads)
	}

	if cfg.Server.PIDFile != "" {
		if err := writePIDFile(cfg.Server.PIDFile); err != nil {
			logging.Error().Err(err).Str("path", cfg.Server.PIDFile).Msg("failed to write pid file")
			os.Exit(exitInternalFailure)
		}
		defer os.Remove(cfg.Server.PIDFile)
	}

	logging.Info().Msg("starting snakeway")

	store := &snapshot.Store{}
	registry := upstream.NewRegistry()
	coordinator := reload.New(store, registry)

	// The first snapshot is built through the exact same validate-build-
	// swap path a SIGHUP or admin POST drives later (spec §4.8), so
	// startup and reload never diverge in behavior.
	if result := coordinator.Reload(context.Background()); !result.OK {
		logging.Error().Strs("errors", result.Errors).Msg("initial configuration invalid")
		os.Exit(exitConfigInvalid)
	}

	slogLogger := logging.NewSlogLogger()
	tree, err := supervisor.NewSupervisorTree(slogLogger, supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Error().Err(err).Msg("failed to create supervisor tree")
		os.Exit(exitInternalFailure)
	}

	dispatcher := proxy.New()

	for _, l := range cfg.Listeners {
		ln, err := net.Listen("tcp", l.Addr)
		if err != nil {
			logging.Error().Err(err).Str("addr", l.Addr).Msg("failed to bind listener")
			os.Exit(exitListenerBind)
		}

		var handler http.Handler
		if l.EnableAdmin {
			handler = admin.NewRouter(store, registry, coordinator)
		} else {
			handler = engine.New(store, registry, dispatcher, false)
		}

		httpServer := &http.Server{
			Addr:    l.Addr,
			Handler: handler,
		}
		if l.EnableHTTP2 {
			httpServer.TLSConfig = &tls.Config{NextProtos: []string{"h2", "http/1.1"}}
		}

		bound := &boundServer{server: httpServer, listener: ln}
		if l.TLS != nil {
			bound.certFile = l.TLS.CertFile
			bound.keyFile = l.TLS.KeyFile
		}

		tree.AddTransportService(services.NewListenerService(l.Addr, bound, 10*time.Second))
		logging.Info().Str("addr", l.Addr).Bool("admin", l.EnableAdmin).Bool("tls", l.TLS != nil).Msg("listener configured")
	}

	tree.AddControlService(coordinator)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor tree error")
		}
	}

	exitCode := exitOK
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor shutdown error")
			exitCode = exitInternalFailure
		}
	}

	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("service failed to stop")
		}
		exitCode = exitInternalFailure
	}

	logging.Info().Msg("snakeway stopped")
	// os.Exit skips deferred calls, so the pid file is removed here.
	if cfg.Server.PIDFile != "" {
		_ = os.Remove(cfg.Server.PIDFile)
	}
	os.Exit(exitCode)
}

func writePIDFile(path string) error {
	return os.WriteFile(path, fmt.Appendf(nil, "%d\n", os.Getpid()), 0o644)
}

// boundServer adapts a pre-bound net.Listener (so bind failures surface
// synchronously at startup, spec §6 exit code 2) to services.HTTPServer.
type boundServer struct {
	server   *http.Server
	listener net.Listener
	certFile string
	keyFile  string
}

func (b *boundServer) ListenAndServe() error {
	if b.certFile != "" {
		return b.server.ServeTLS(b.listener, b.certFile, b.keyFile)
	}
	return b.server.Serve(b.listener)
}

func (b *boundServer) Shutdown(ctx context.Context) error {
	return b.server.Shutdown(ctx)
}
