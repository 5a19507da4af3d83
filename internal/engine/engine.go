// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

// Package engine implements the request lifecycle (spec §4.6): the
// deterministic phased pipeline that drives every request through devices,
// routing, upstream dispatch or static serving, and response emission.
package engine

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/snakewayhq/snakeway/internal/device"
	"github.com/snakewayhq/snakeway/internal/lb"
	"github.com/snakewayhq/snakeway/internal/metrics"
	"github.com/snakewayhq/snakeway/internal/proxy"
	"github.com/snakewayhq/snakeway/internal/routing"
	"github.com/snakewayhq/snakeway/internal/snapshot"
	"github.com/snakewayhq/snakeway/internal/staticfile"
	"github.com/snakewayhq/snakeway/internal/upstream"
)

// Engine drives one listener's request lifecycle against whatever
// snapshot is current at request start (spec §4.7: "requests in flight
// continue to reference the snapshot they started with").
type Engine struct {
	store     *snapshot.Store
	upstreams *upstream.Registry
	dispatch  *proxy.Dispatcher
	admin     bool // true: this Engine serves only listener-scoped /admin/* traffic
}

// New builds an Engine reading the current snapshot from store and
// dispatching to upstream runtime state tracked in reg.
func New(store *snapshot.Store, reg *upstream.Registry, dispatch *proxy.Dispatcher, admin bool) *Engine {
	return &Engine{store: store, upstreams: reg, dispatch: dispatch, admin: admin}
}

const adminPrefix = "/admin"

func hasAdminPrefix(path string) bool {
	return path == adminPrefix || strings.HasPrefix(path, adminPrefix+"/")
}

// ServeHTTP implements the phase sequence of spec §4.6 end to end.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// Admin isolation (spec §8 "Admin isolation", §4.9): a public listener
	// never serves /admin/*, and the admin listener serves nothing else.
	if hasAdminPrefix(r.URL.Path) != e.admin {
		http.NotFound(w, r)
		return
	}

	snap := e.store.Load()
	if snap == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	reg := device.NewRegistry(toDeviceSlice(snap.Devices))
	ctx := device.NewRequestCtx(r.Method, r.URL.Path, r.Header, peerAddr(r))

	dec := reg.DispatchOnRequest(ctx)
	switch dec.Kind {
	case device.RespondNow:
		e.emit(w, reg, ctx, synthResponse(dec), "", start)
		return
	case device.Error:
		e.fail(w, reg, ctx, dec.ErrKind, "", start)
		return
	}

	matcher := routing.New(snap.Routes)
	route, prefixLen, ok := matcher.Match(r.URL.Path)
	if !ok {
		e.fail(w, reg, ctx, device.ErrRouteNotFound, "", start)
		return
	}
	ctx.RoutePath = route.Path
	if !route.IsStatic() {
		ctx.RouteService = route.ServiceName
	}
	if proxy.IsUpgrade(r) && !route.EnableWebsocket {
		e.emit(w, reg, ctx, synthResponse(device.RespondNowDecision(http.StatusBadRequest, nil, nil)), route.Path, start)
		return
	}

	body, err := e.streamBody(r, reg, ctx)
	if err != nil {
		e.fail(w, reg, ctx, device.ErrClientGone, route.Path, start)
		return
	}
	if body != nil {
		r.Body = body
	}
	if ctx.Decision.Kind == device.Error {
		e.fail(w, reg, ctx, ctx.Decision.ErrKind, route.Path, start)
		return
	}
	if ctx.Decision.Kind == device.RespondNow {
		e.emit(w, reg, ctx, synthResponse(ctx.Decision), route.Path, start)
		return
	}

	if route.IsStatic() {
		e.serveStatic(w, r, reg, ctx, route, r.URL.Path[:prefixLen], start)
		return
	}

	if route.EnableWebsocket && proxy.IsUpgrade(r) {
		e.serveWebsocket(w, r, reg, ctx, route, snap)
		return
	}

	e.serveProxy(w, r, reg, ctx, route, snap, start)
}

// streamBody runs on_stream_request_body over the request body in 32KiB
// chunks (spec §4.6 phase 4), buffering the observed bytes so the body can
// still be read downstream.
func (e *Engine) streamBody(r *http.Request, reg *device.Registry, ctx *device.RequestCtx) (io.ReadCloser, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	const chunkSize = 32 * 1024
	var buf bytes.Buffer
	chunk := make([]byte, chunkSize)
	for {
		n, err := r.Body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			dec := reg.DispatchStreamRequestBody(ctx, chunk[:n])
			if dec.Kind != device.Continue {
				ctx.Decision = dec
				return io.NopCloser(&buf), nil
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
}

// serveStatic invokes the static file server for a static route target
// (spec §4.6 phase 5 "static"). before_proxy/after_proxy never run here.
func (e *Engine) serveStatic(w http.ResponseWriter, r *http.Request, reg *device.Registry, ctx *device.RequestCtx, route *snapshot.Route, matchedPrefix string, start time.Time) {
	srv := staticfile.New(route)
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	if err := srv.ServeHTTP(rec, r, matchedPrefix); err != nil {
		kind := classifyStaticErr(err)
		if kind != "" {
			e.observeRoute(route.Path, rec.status, start)
			reg.DispatchOnError(ctx, kind)
			reg.DispatchOnResponse(ctx, device.NewResponseCtx(rec.status, w.Header()))
			return
		}
	}
	e.observeRoute(route.Path, rec.status, start)
	reg.DispatchOnResponse(ctx, device.NewResponseCtx(rec.status, w.Header()))
}

func classifyStaticErr(err error) device.ErrorKind {
	switch {
	case err == staticfile.ErrForbidden:
		return device.ErrStaticForbidden
	case err == staticfile.ErrNotFound:
		return device.ErrStaticNotFound
	case err == staticfile.ErrMethodNotAllowed, err == staticfile.ErrTooLarge:
		return ""
	default:
		return device.ErrStaticIO
	}
}

// serveProxy implements phase 5 "service": before_proxy, selection,
// dispatch, after_proxy (spec §4.6).
func (e *Engine) serveProxy(w http.ResponseWriter, r *http.Request, reg *device.Registry, ctx *device.RequestCtx, route *snapshot.Route, snap *snapshot.Snapshot, start time.Time) {
	dec := reg.DispatchBeforeProxy(ctx)
	if dec.Kind != device.Continue {
		if dec.Kind == device.RespondNow {
			e.emit(w, reg, ctx, synthResponse(dec), route.Path, start)
		} else {
			e.fail(w, reg, ctx, dec.ErrKind, route.Path, start)
		}
		return
	}

	svc, ok := snap.Service(route.ServiceName)
	if !ok {
		e.fail(w, reg, ctx, device.ErrUpstreamUnavailable, route.Path, start)
		return
	}
	svcRuntime := e.upstreams.Service(svc.Name)
	runtimes := e.runtimesFor(svc)

	chosen, guard, err := lb.Select(svc, runtimes, svcRuntime, fingerprint(r))
	if err != nil {
		e.fail(w, reg, ctx, device.ErrUpstreamUnavailable, route.Path, start)
		return
	}
	ctx.UpstreamID = chosen.ID
	runtime := runtimes[chosen.ID]
	metrics.UpstreamActiveRequests.WithLabelValues(svc.Name, chosen.Label()).Set(float64(runtime.ActiveRequests()))
	defer func() {
		guard.Release()
		metrics.UpstreamActiveRequests.WithLabelValues(svc.Name, chosen.Label()).Set(float64(runtime.ActiveRequests()))
	}()

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	outcome, dispatchErr := e.dispatch.Dispatch(r.Context(), rec, r, chosen, svc.CircuitBreaker.CountHTTP5xxAsFailure)

	respCtx := device.NewResponseCtx(rec.status, w.Header())
	respCtx.UpstreamID = chosen.ID
	afterDec := reg.DispatchAfterProxy(ctx, respCtx)

	if outcome.TransportFailed {
		guard.Failure(dispatchErr)
		metrics.UpstreamRequestsTotal.WithLabelValues(svc.Name, chosen.Label(), "transport_failure").Inc()
		if rec.status == http.StatusOK && !rec.wrote {
			e.fail(w, reg, ctx, device.ErrUpstreamTransportFailure, route.Path, start)
			return
		}
	} else if dispatchErr != nil {
		guard.Failure(dispatchErr)
		metrics.UpstreamRequestsTotal.WithLabelValues(svc.Name, chosen.Label(), "http_5xx").Inc()
	} else {
		guard.Success()
		metrics.UpstreamRequestsTotal.WithLabelValues(svc.Name, chosen.Label(), "success").Inc()
	}

	if afterDec.Kind == device.Error {
		reg.DispatchOnError(ctx, afterDec.ErrKind)
	}
	e.observeRoute(route.Path, rec.status, start)
	reg.DispatchOnResponse(ctx, respCtx)
}

// serveWebsocket tunnels a WebSocket upgrade (spec §9 "WebSocket"): it runs
// before_proxy, selects an upstream and relays bytes until the tunnel
// closes, then runs on_response once. after_proxy is not dispatched for a
// tunnel, and a rejection or selection failure here answers without
// on_response.
func (e *Engine) serveWebsocket(w http.ResponseWriter, r *http.Request, reg *device.Registry, ctx *device.RequestCtx, route *snapshot.Route, snap *snapshot.Snapshot) {
	dec := reg.DispatchBeforeProxy(ctx)
	if dec.Kind != device.Continue {
		http.Error(w, "rejected", http.StatusForbidden)
		return
	}
	svc, ok := snap.Service(route.ServiceName)
	if !ok {
		http.Error(w, "no such service", http.StatusBadGateway)
		return
	}
	svcRuntime := e.upstreams.Service(svc.Name)
	runtimes := e.runtimesFor(svc)
	chosen, guard, err := lb.Select(svc, runtimes, svcRuntime, fingerprint(r))
	if err != nil {
		http.Error(w, "no healthy upstream", http.StatusBadGateway)
		return
	}
	ctx.UpstreamID = chosen.ID

	idle := time.Duration(route.WSIdleTimeoutSeconds) * time.Second
	tunnelErr := e.dispatch.Tunnel(w, r, chosen, idle)
	if tunnelErr != nil {
		guard.Failure(tunnelErr)
	} else {
		guard.Success()
	}
	guard.Release()
	reg.DispatchOnResponse(ctx, device.NewResponseCtx(http.StatusSwitchingProtocols, nil))
}

func (e *Engine) runtimesFor(svc *snapshot.Service) map[string]*upstream.Runtime {
	out := make(map[string]*upstream.Runtime, len(svc.Upstreams))
	for _, u := range svc.Upstreams {
		out[u.ID] = e.upstreams.Upstream(u.ID, svc.Name, u.Label(), svc.CircuitBreaker, svc.HealthCheck)
	}
	return out
}

func fingerprint(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		return v
	}
	return r.RemoteAddr
}

// emit commits a synthesized (RespondNow) response to the client and runs
// on_response (spec §4.6 phases 7).
func (e *Engine) emit(w http.ResponseWriter, reg *device.Registry, ctx *device.RequestCtx, resp *device.ResponseCtx, routePath string, start time.Time) {
	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.Status)
	e.observeRoute(routePath, resp.Status, start)
	reg.DispatchOnResponse(ctx, resp)
}

// fail runs on_error on every device that implements it, then emits the
// default error response (spec §4.6 phase 6, §7).
func (e *Engine) fail(w http.ResponseWriter, reg *device.Registry, ctx *device.RequestCtx, kind device.ErrorKind, routePath string, start time.Time) {
	reg.DispatchOnError(ctx, kind)
	status := defaultStatus(kind)
	if status == 0 {
		// ClientGone: no response is sent.
		reg.DispatchOnResponse(ctx, device.NewResponseCtx(0, nil))
		return
	}
	http.Error(w, http.StatusText(status), status)
	e.observeRoute(routePath, status, start)
	reg.DispatchOnResponse(ctx, device.NewResponseCtx(status, w.Header()))
}

func (e *Engine) observeRoute(routePath string, status int, start time.Time) {
	if routePath == "" {
		routePath = "unmatched"
	}
	metrics.RouteRequestsTotal.WithLabelValues(routePath, metrics.StatusClass(status)).Inc()
	metrics.RouteRequestDuration.WithLabelValues(routePath).Observe(time.Since(start).Seconds())
}

func synthResponse(dec device.Decision) *device.ResponseCtx {
	resp := device.NewResponseCtx(dec.Status, dec.Headers)
	resp.Synthetic = true
	return resp
}

func toDeviceSlice(devices []snapshot.Device) []device.Device {
	out := make([]device.Device, len(devices))
	for i, d := range devices {
		out[i] = d.(device.Device)
	}
	return out
}

func peerAddr(r *http.Request) net.Addr {
	host, portStr, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return nil
	}
	port, _ := strconv.Atoi(portStr)
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	return &net.TCPAddr{IP: ip, Port: port}
}

// statusRecorder captures the status code a downstream handler wrote so
// the engine can log/observe it after the fact without buffering the body.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.wrote = true
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wrote {
		s.wrote = true
	}
	return s.ResponseWriter.Write(b)
}
