// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

package config

// Spec is the root of the validated configuration tree (spec §6). It is the
// shape the reload coordinator feeds to snapshot construction, and the shape
// every Load() caller receives back.
type Spec struct {
	Server    ServerSpec     `koanf:"server"`
	Listeners []ListenerSpec `koanf:"listeners"`
	Services  []ServiceSpec  `koanf:"services"`
	Routes    []RouteSpec    `koanf:"routes"`
	Devices   []DeviceSpec   `koanf:"devices"`
}

// ServerSpec carries process-wide settings (spec §6 server{}).
type ServerSpec struct {
	Version   string `koanf:"version"`
	PIDFile   string `koanf:"pid_file"`
	Threads   int    `koanf:"threads" validate:"gte=0"`
	CAFile    string `koanf:"ca_file"`
	LogLevel  string `koanf:"log_level" validate:"oneof=trace debug info warn error fatal"`
	LogFormat string `koanf:"log_format" validate:"oneof=json console"`
	LogCaller bool   `koanf:"log_caller"`
}

// ListenerSpec is one bind address (spec §6 listener{}).
type ListenerSpec struct {
	Addr        string   `koanf:"addr" validate:"required"`
	TLS         *TLSSpec `koanf:"tls"`
	EnableHTTP2 bool     `koanf:"enable_http2"`
	EnableAdmin bool     `koanf:"enable_admin"`
}

// TLSSpec names the certificate/key pair a listener terminates with.
// Loading and validating the cert/key pair itself is delegated (spec §1);
// this package only carries the paths through to that collaborator.
type TLSSpec struct {
	CertFile string `koanf:"cert_file" validate:"required"`
	KeyFile  string `koanf:"key_file" validate:"required"`
}

// ServiceSpec is a named upstream pool plus its load-balancing and
// resilience policy (spec §3 "Service").
type ServiceSpec struct {
	Name           string             `koanf:"name" validate:"required"`
	Strategy       string             `koanf:"strategy" validate:"oneof=failover round_robin request_pressure random sticky_hash"`
	Upstreams      []UpstreamSpec     `koanf:"upstreams" validate:"required,min=1,dive"`
	HealthCheck    HealthCheckSpec    `koanf:"health_check"`
	CircuitBreaker CircuitBreakerSpec `koanf:"circuit_breaker"`
}

// UpstreamSpec is a single backend (spec §3 "Upstream"). Exactly one of
// Addr/Socket must be set — enforced in Validate, not expressible as a
// single validator tag because it is an XOR across two optional fields.
type UpstreamSpec struct {
	Addr   string `koanf:"addr"`
	Socket string `koanf:"socket"`
	Weight int    `koanf:"weight" validate:"gte=1"`
	TLS    bool   `koanf:"tls"`
}

// HealthCheckSpec configures passive health tracking layered in front of
// the circuit breaker (spec §6 service.health_check.*).
type HealthCheckSpec struct {
	Enable                   bool `koanf:"enable"`
	FailureThreshold         int  `koanf:"failure_threshold" validate:"gte=1"`
	UnhealthyCooldownSeconds int  `koanf:"unhealthy_cooldown_seconds" validate:"gte=0"`
}

// CircuitBreakerSpec is the per-upstream state machine's parameters
// (spec §4.3).
type CircuitBreakerSpec struct {
	FailureThreshold      int  `koanf:"failure_threshold" validate:"gte=1"`
	OpenDurationMS        int  `koanf:"open_duration_ms" validate:"gte=1"`
	HalfOpenMaxRequests   int  `koanf:"half_open_max_requests" validate:"gte=1"`
	SuccessThreshold      int  `koanf:"success_threshold" validate:"gte=1"`
	CountHTTP5xxAsFailure bool `koanf:"count_http_5xx_as_failure"`
	EnableAutoRecovery    bool `koanf:"enable_auto_recovery"`
}

// RouteSpec is an immutable path-prefix-to-target mapping (spec §3 "Route").
// Exactly one of Service/Static is the request's target; validated as an
// XOR in Validate for the same reason as UpstreamSpec's Addr/Socket.
type RouteSpec struct {
	Path                 string      `koanf:"path" validate:"required"`
	Service              string      `koanf:"service"`
	Static               *StaticSpec `koanf:"static"`
	EnableWebsocket      bool        `koanf:"enable_websocket"`
	WSIdleTimeoutSeconds int         `koanf:"ws_idle_timeout_seconds" validate:"gte=0"`
	WSMaxConnections     int         `koanf:"ws_max_connections" validate:"gte=0"`
}

// StaticSpec configures a static-file route target (spec §4.4).
type StaticSpec struct {
	Dir              string          `koanf:"dir" validate:"required"`
	Index            string          `koanf:"index"`
	DirectoryListing bool            `koanf:"directory_listing"`
	MaxFileSize      int64           `koanf:"max_file_size" validate:"gte=1"`
	Compression      CompressionSpec `koanf:"compression"`
	CachePolicy      CachePolicySpec `koanf:"cache_policy"`
}

// CompressionSpec configures the static file server's on-the-fly
// compression negotiation (spec §4.4 step 7).
type CompressionSpec struct {
	MinBrotliSize      int64 `koanf:"min_brotli_size" validate:"gte=0"`
	MinGzipSize        int64 `koanf:"min_gzip_size" validate:"gte=0"`
	SmallFileThreshold int64 `koanf:"small_file_threshold" validate:"gte=0"`
}

// CachePolicySpec configures the Cache-Control header a static route emits
// (spec §4.4 step 9).
type CachePolicySpec struct {
	MaxAgeSeconds int  `koanf:"max_age_seconds" validate:"gte=0"`
	Public        bool `koanf:"public"`
	Immutable     bool `koanf:"immutable"`
}

// DeviceSpec is one configured pipeline device (spec §3 "Device"). Config
// is an opaque blob decoded against the named device's own schema by the
// device registry at snapshot-build time (spec §4.5: unknown configuration
// keys are rejected at build time by that per-device decode, not here).
type DeviceSpec struct {
	Type    string                 `koanf:"type" validate:"required"`
	Name    string                 `koanf:"name"`
	Enabled bool                   `koanf:"enabled"`
	Config  map[string]interface{} `koanf:"config"`
}
