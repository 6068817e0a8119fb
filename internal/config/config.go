// Package config handles fleetd configuration loading.
//
// Configuration comes from a single YAML file discovered automatically
// (see DefaultSearchPaths), with every operational tunable overridable
// by an environment variable. Environment wins over file, file wins
// over defaults. Deployments that configure purely by environment can
// run without any config file at all.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./fleetd.yaml, ~/.config/fleetd/fleetd.yaml, /etc/fleetd/fleetd.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"fleetd.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "fleetd", "fleetd.yaml"))
	}

	paths = append(paths, "/etc/fleetd/fleetd.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns an empty path (no error) when nothing is found — environment-only
// configuration is a supported deployment mode.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}

// Config holds all fleetd configuration.
type Config struct {
	Bus       BusConfig       `yaml:"bus"`
	Store     StoreConfig     `yaml:"store"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Ops       OpsConfig       `yaml:"ops"`
	Ingest    IngestConfig    `yaml:"ingest"`
	AuthCache AuthCacheConfig `yaml:"auth_cache"`
	MetricMap MetricMapConfig `yaml:"metric_map"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
	Escalate  EscalateConfig  `yaml:"escalate"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // "text" or "json"
}

// BusConfig defines the internal message bus connection.
type BusConfig struct {
	// URL is the NATS server URL (nats:// or tls://).
	URL string `yaml:"url"`
	// OpTimeoutSec bounds each bus operation (publish ack, fetch).
	OpTimeoutSec int `yaml:"op_timeout_sec"`
}

// StoreConfig defines the relational time-series store connection.
type StoreConfig struct {
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
	// PoolMin and PoolMax bound the connection pool. The totals across
	// all fleetd processes must stay under the pooler's server-side cap.
	PoolMin int `yaml:"pool_min"`
	PoolMax int `yaml:"pool_max"`
}

// MQTTConfig defines the device-facing broker connection, used by the
// bridge (subscribe) and the route delivery worker (republish).
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // mqtt://, mqtts://, or ssl:// URL
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// ClientIDPrefix is combined with the process role to form the
	// MQTT client ID, e.g. "fleetd-bridge".
	ClientIDPrefix string `yaml:"client_id_prefix"`
	// InFlightLimit caps concurrent bridge publishes to the bus.
	InFlightLimit int `yaml:"in_flight_limit"`
}

// OpsConfig defines the per-process health/metrics/events listener.
type OpsConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// IngestConfig defines the telemetry ingestion pipeline.
type IngestConfig struct {
	WorkerCount         int `yaml:"worker_count"`
	BatchSize           int `yaml:"batch_size"`
	FlushIntervalMS     int `yaml:"flush_interval_ms"`
	DeliveryWorkerCount int `yaml:"delivery_worker_count"`
	// MaxPayloadBytes rejects oversized payloads before JSON decoding.
	MaxPayloadBytes int `yaml:"max_payload_bytes"`
	// MaxMetrics caps the number of entries in a telemetry metrics map.
	MaxMetrics int `yaml:"max_metrics"`
}

// AuthCacheConfig defines the device authorization cache.
type AuthCacheConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
	MaxSize    int `yaml:"max_size"`
}

// MetricMapConfig defines the metric key normalization cache.
type MetricMapConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
	MaxSize    int `yaml:"max_size"`
}

// RateLimitConfig defines token bucket admission control.
type RateLimitConfig struct {
	// DefaultRate and DefaultBurst apply when a tenant's subscription
	// tier does not specify limits.
	DefaultRate  float64 `yaml:"default_rate"`  // messages per second
	DefaultBurst float64 `yaml:"default_burst"` // bucket capacity
	// TenantRateMultiplier scales the per-device rate up to the
	// tenant-aggregate bucket.
	TenantRateMultiplier float64 `yaml:"tenant_rate_multiplier"`
	BucketTTLSeconds     int     `yaml:"bucket_ttl_seconds"`
	CleanupIntervalSec   int     `yaml:"cleanup_interval_sec"`
}

// EvaluatorConfig defines device status and rule evaluation.
type EvaluatorConfig struct {
	FallbackPollSeconds     int `yaml:"fallback_poll_seconds"`
	HeartbeatStaleSeconds   int `yaml:"heartbeat_stale_seconds"`
	HeartbeatOfflineSeconds int `yaml:"heartbeat_offline_seconds"`
	DebounceMS              int `yaml:"debounce_ms"`
	// SettingsPollSeconds bounds how stale a platform_settings
	// override may be before it is re-read from the store.
	SettingsPollSeconds int `yaml:"settings_poll_seconds"`
}

// EscalateConfig defines the alert orchestrator tick.
type EscalateConfig struct {
	TickSeconds int `yaml:"tick_seconds"`
}

// Load reads and parses the config file at path, applies environment
// overrides, and fills unset fields with defaults. An empty path skips
// the file and configures from environment and defaults alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Bus:   BusConfig{URL: "nats://localhost:4222", OpTimeoutSec: 5},
		Store: StoreConfig{DSN: "", PoolMin: 2, PoolMax: 10},
		MQTT: MQTTConfig{
			Broker:         "mqtt://localhost:1883",
			ClientIDPrefix: "fleetd",
			InFlightLimit:  64,
		},
		Ops: OpsConfig{Port: 8090},
		Ingest: IngestConfig{
			WorkerCount:         4,
			BatchSize:           500,
			FlushIntervalMS:     1000,
			DeliveryWorkerCount: 2,
			MaxPayloadBytes:     64 * 1024,
			MaxMetrics:          256,
		},
		AuthCache: AuthCacheConfig{TTLSeconds: 60, MaxSize: 10000},
		MetricMap: MetricMapConfig{TTLSeconds: 300, MaxSize: 10000},
		RateLimit: RateLimitConfig{
			DefaultRate:          10,
			DefaultBurst:         20,
			TenantRateMultiplier: 10,
			BucketTTLSeconds:     3600,
			CleanupIntervalSec:   300,
		},
		Evaluator: EvaluatorConfig{
			FallbackPollSeconds:     30,
			HeartbeatStaleSeconds:   120,
			HeartbeatOfflineSeconds: 600,
			DebounceMS:              500,
			SettingsPollSeconds:     60,
		},
		Escalate:  EscalateConfig{TickSeconds: 30},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// envOverrides maps environment variable names to config field setters.
// The names are the platform's operational contract — renaming one is a
// breaking change for every deployment.
func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"NATS_URL":    &c.Bus.URL,
		"PG_DSN":      &c.Store.DSN,
		"MQTT_BROKER": &c.MQTT.Broker,
		"LOG_LEVEL":   &c.LogLevel,
		"LOG_FORMAT":  &c.LogFormat,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"BATCH_SIZE":                &c.Ingest.BatchSize,
		"FLUSH_INTERVAL_MS":         &c.Ingest.FlushIntervalMS,
		"INGEST_WORKER_COUNT":       &c.Ingest.WorkerCount,
		"DELIVERY_WORKER_COUNT":     &c.Ingest.DeliveryWorkerCount,
		"PG_POOL_MIN":               &c.Store.PoolMin,
		"PG_POOL_MAX":               &c.Store.PoolMax,
		"AUTH_CACHE_TTL_SECONDS":    &c.AuthCache.TTLSeconds,
		"AUTH_CACHE_MAX_SIZE":       &c.AuthCache.MaxSize,
		"METRIC_MAP_CACHE_TTL":      &c.MetricMap.TTLSeconds,
		"METRIC_MAP_CACHE_SIZE":     &c.MetricMap.MaxSize,
		"BUCKET_TTL_SECONDS":        &c.RateLimit.BucketTTLSeconds,
		"BUCKET_CLEANUP_INTERVAL":   &c.RateLimit.CleanupIntervalSec,
		"SETTINGS_POLL_SECONDS":     &c.Evaluator.SettingsPollSeconds,
		"FALLBACK_POLL_SECONDS":     &c.Evaluator.FallbackPollSeconds,
		"HEARTBEAT_STALE_SECONDS":   &c.Evaluator.HeartbeatStaleSeconds,
		"HEARTBEAT_OFFLINE_SECONDS": &c.Evaluator.HeartbeatOfflineSeconds,
	}
	for name, dst := range ints {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s=%q: %w", name, v, err)
		}
		*dst = n
	}

	return nil
}

// Validate checks for configuration that can never work. It catches
// fatal boot errors early rather than letting a process limp along.
func (c *Config) Validate() error {
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn (or PG_DSN) is required")
	}
	if c.Bus.URL == "" {
		return fmt.Errorf("bus.url (or NATS_URL) is required")
	}
	if c.Store.PoolMin > c.Store.PoolMax {
		return fmt.Errorf("store.pool_min %d exceeds pool_max %d", c.Store.PoolMin, c.Store.PoolMax)
	}
	if c.Ingest.WorkerCount < 1 {
		return fmt.Errorf("ingest.worker_count must be at least 1")
	}
	if c.Ingest.BatchSize < 1 {
		return fmt.Errorf("ingest.batch_size must be at least 1")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
