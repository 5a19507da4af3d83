// Snakeway - Programmable L7 Reverse Proxy
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snakewayhq/snakeway

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, in order
// of priority. The first file found is used.
var DefaultConfigPaths = []string{
	"snakeway.yaml",
	"snakeway.yml",
	"/etc/snakeway/snakeway.yaml",
	"/etc/snakeway/snakeway.yml",
}

// ConfigPathEnvVar is the environment variable that overrides the config
// file path search entirely.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix is stripped from SNAKEWAY_-prefixed environment variables before
// they are mapped onto koanf paths (SNAKEWAY_SERVER_THREADS -> server.threads).
const envPrefix = "SNAKEWAY_"

// defaultSpec returns a Spec with every field set to its documented default
// (spec §6). Defaults are the lowest-priority layer; a config file and then
// environment variables are layered on top in Load.
func defaultSpec() *Spec {
	return &Spec{
		Server: ServerSpec{
			Version:   "1",
			Threads:   0, // 0 = runtime default (spec §6 server.threads)
			LogLevel:  "info",
			LogFormat: "json",
			LogCaller: false,
		},
	}
}

// Load builds the configuration tree from defaults, an optional YAML file,
// and environment variables (in that priority order, as spec §6 describes),
// then validates the result. It is the sole entry point used by both
// startup and the reload coordinator (spec §4.8 step 1).
func Load() (*Spec, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultSpec(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: failed to load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("config: failed to load environment variables: %w", err)
	}

	spec := &Spec{}
	if err := k.UnmarshalWithConf("", spec, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal configuration: %w", err)
	}

	if err := Validate(spec); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return spec, nil
}

// findConfigFile searches DefaultConfigPaths, honoring ConfigPathEnvVar as
// an override.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// envTransformFunc maps SNAKEWAY_SERVER_THREADS -> server.threads. Only the
// leaf-level scalar fields are practically addressable this way; list
// elements (listeners, services, routes) are configured via the YAML file.
func envTransformFunc(key string) string {
	return flattenEnvKey(strings.TrimPrefix(key, envPrefix))
}

// flattenEnvKey lowercases an env-style SCREAMING_SNAKE key (prefix already
// removed) and maps it onto its koanf path through the knownEnvPaths table,
// e.g. SERVER_LOG_LEVEL -> server.log_level. A key missing from the table is
// returned lowercased with its underscores intact, so it addresses no nested
// field.
func flattenEnvKey(key string) string {
	lower := toLower(key)
	if mapped, ok := knownEnvPaths[lower]; ok {
		return mapped
	}
	return lower
}

// knownEnvPaths maps the scalar Spec fields that make sense to override via
// a single environment variable onto their koanf dotted path.
var knownEnvPaths = map[string]string{
	"server_version":    "server.version",
	"server_pid_file":   "server.pid_file",
	"server_threads":    "server.threads",
	"server_ca_file":    "server.ca_file",
	"server_log_level":  "server.log_level",
	"server_log_format": "server.log_format",
	"server_log_caller": "server.log_caller",
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// defaultCircuitBreaker returns the parameters applied to a service's
// circuit_breaker block when the config file omits one entirely, so that
// every service always has a fully-specified breaker (spec §4.3 never
// describes an "off" state — only enable_auto_recovery gates recovery).
func defaultCircuitBreaker() CircuitBreakerSpec {
	return CircuitBreakerSpec{
		FailureThreshold:      5,
		OpenDurationMS:        int(30 * time.Second / time.Millisecond),
		HalfOpenMaxRequests:   1,
		SuccessThreshold:      1,
		CountHTTP5xxAsFailure: true,
		EnableAutoRecovery:    true,
	}
}

// defaultHealthCheck returns the passive health-check defaults applied when
// a service's health_check block is omitted.
func defaultHealthCheck() HealthCheckSpec {
	return HealthCheckSpec{
		Enable:                   true,
		FailureThreshold:         3,
		UnhealthyCooldownSeconds: 30,
	}
}

// defaultStaticCompression mirrors spec §4.4 step 7's size thresholds.
func defaultStaticCompression() CompressionSpec {
	return CompressionSpec{
		MinBrotliSize:      1024,
		MinGzipSize:        1024,
		SmallFileThreshold: 1 << 20, // 1 MiB, per spec §4.4 step 8
	}
}
