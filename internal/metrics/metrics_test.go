// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestStatusClass(t *testing.T) {
	cases := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{500, "5xx"},
		{599, "5xx"},
		{999, "unknown"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusClass(tc.status))
	}
}

func TestCircuitStateValue(t *testing.T) {
	assert.Equal(t, 0.0, CircuitStateValue("closed"))
	assert.Equal(t, 1.0, CircuitStateValue("half_open"))
	assert.Equal(t, 2.0, CircuitStateValue("open"))
	assert.Equal(t, -1.0, CircuitStateValue("bogus"))
}

func TestRouteRequestsTotal_IncrementsPerLabelSet(t *testing.T) {
	RouteRequestsTotal.Reset()
	RouteRequestsTotal.WithLabelValues("/api", "2xx").Inc()
	RouteRequestsTotal.WithLabelValues("/api", "2xx").Inc()
	RouteRequestsTotal.WithLabelValues("/api", "5xx").Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(RouteRequestsTotal.WithLabelValues("/api", "2xx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(RouteRequestsTotal.WithLabelValues("/api", "5xx")))
}

func TestUpstreamActiveRequests_GaugeTracksSetValue(t *testing.T) {
	UpstreamActiveRequests.Reset()
	g := UpstreamActiveRequests.WithLabelValues("api", "127.0.0.1:9001")
	g.Inc()
	g.Inc()
	g.Dec()
	assert.Equal(t, float64(1), testutil.ToFloat64(g))
}

func TestCircuitBreakerState_ReflectsStateEncoding(t *testing.T) {
	CircuitBreakerState.Reset()
	g := CircuitBreakerState.WithLabelValues("api", "127.0.0.1:9001")
	g.Set(CircuitStateValue("open"))
	assert.Equal(t, float64(2), testutil.ToFloat64(g))
}

func TestReloadEpoch_SetAndRead(t *testing.T) {
	ReloadEpoch.Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(ReloadEpoch))
}
