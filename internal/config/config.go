// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible defaults.
// All timeouts and operational parameters are configurable.
//
// Configuration categories:
//   - Proxy: default dial/idle timeouts, keepalive interval, max message size
//   - Backpressure: warn and drop thresholds for queued outbound bytes
//   - Flush: counter snapshot cadence toward the session store
//   - Reaper: stale-session sweep interval and threshold
//   - Telemetry: per-subscriber queue depth and write timeout
//   - Retry: database retry attempts and delays
//
// For a complete list of all environment variables, see .env.example
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ProxyConfig holds data-plane defaults applied when an endpoint leaves a
// limit unset.
type ProxyConfig struct {
	DialTimeout       time.Duration // Default upstream dial + handshake budget
	IdleTimeout       time.Duration // Default no-traffic window before close
	KeepaliveInterval time.Duration // Ping interval toward the client
	MaxMessageSize    int64         // Default per-message size cap in bytes
	ShutdownGrace     time.Duration // Drain window for live relays on shutdown
}

// BackpressureConfig holds the two-tier outbound queue thresholds.
type BackpressureConfig struct {
	WarnBytes int64 // Queued bytes above which a warning is emitted
	DropBytes int64 // Queued bytes above which messages are dropped
}

// FlushConfig controls how often in-memory counters are flushed to the
// session store. Both triggers are checked only when a message is
// tracked: a session that goes quiet is next flushed by its next message
// or by its close.
type FlushConfig struct {
	Messages int           // Flush after this many tracked messages
	Interval time.Duration // ... or on the first message tracked this long after the last flush
}

// ReaperConfig controls the stale-session sweeper.
type ReaperConfig struct {
	Interval       time.Duration // Sweep cadence
	StaleThreshold time.Duration // Idle age after which a session is reaped
}

// TelemetryConfig holds subscriber fan-out tuning.
type TelemetryConfig struct {
	QueueSize    int           // Per-subscriber event queue depth
	WriteTimeout time.Duration // Max time for a single subscriber write
}

// RetryConfig holds retry-related configuration.
type RetryConfig struct {
	DatabaseMaxRetries     int           // Max database retry attempts (default: 3)
	DatabaseRetryBaseDelay time.Duration // Base delay for DB retries (default: 50ms)
}

// Config holds all application configuration.
type Config struct {
	Port           string
	DBPath         string
	AllowedOrigins []string
	Proxy          ProxyConfig
	Backpressure   BackpressureConfig
	Flush          FlushConfig
	Reaper         ReaperConfig
	Telemetry      TelemetryConfig
	Retry          RetryConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		DBPath:         getEnv("DB_PATH", "./data/wsproxy.db"),
		AllowedOrigins: getEnvList("WSPROXY_ALLOWED_ORIGINS", []string{"*"}),
		Proxy: ProxyConfig{
			DialTimeout:       getEnvDuration("WSPROXY_DIAL_TIMEOUT", 10*time.Second),
			IdleTimeout:       getEnvDuration("WSPROXY_IDLE_TIMEOUT", 5*time.Minute),
			KeepaliveInterval: getEnvDuration("WSPROXY_KEEPALIVE_INTERVAL", 30*time.Second),
			MaxMessageSize:    getEnvInt64("WSPROXY_MAX_MESSAGE_SIZE", 1<<20), // 1MB
			ShutdownGrace:     getEnvDuration("WSPROXY_SHUTDOWN_GRACE", 5*time.Second),
		},
		Backpressure: BackpressureConfig{
			WarnBytes: getEnvInt64("WSPROXY_BACKPRESSURE_WARN", 16*1024),
			DropBytes: getEnvInt64("WSPROXY_BACKPRESSURE_DROP", 64*1024),
		},
		Flush: FlushConfig{
			Messages: getEnvInt("WSPROXY_FLUSH_MESSAGES", 10),
			Interval: getEnvDuration("WSPROXY_FLUSH_INTERVAL", 30*time.Second),
		},
		Reaper: ReaperConfig{
			Interval:       getEnvDuration("WSPROXY_REAPER_INTERVAL", 5*time.Minute),
			StaleThreshold: getEnvDuration("WSPROXY_STALE_THRESHOLD", 30*time.Minute),
		},
		Telemetry: TelemetryConfig{
			QueueSize:    getEnvInt("WSPROXY_TELEMETRY_QUEUE_SIZE", 64),
			WriteTimeout: getEnvDuration("WSPROXY_TELEMETRY_WRITE_TIMEOUT", 5*time.Second),
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     getEnvInt("WSPROXY_DB_MAX_RETRIES", 3),
			DatabaseRetryBaseDelay: getEnvDuration("WSPROXY_DB_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Proxy.MaxMessageSize <= 0 {
		return fmt.Errorf("WSPROXY_MAX_MESSAGE_SIZE must be > 0")
	}
	if c.Backpressure.WarnBytes <= 0 || c.Backpressure.DropBytes <= 0 {
		return fmt.Errorf("backpressure thresholds must be > 0")
	}
	if c.Backpressure.DropBytes < c.Backpressure.WarnBytes {
		return fmt.Errorf("WSPROXY_BACKPRESSURE_DROP must be >= WSPROXY_BACKPRESSURE_WARN")
	}
	if c.Flush.Messages <= 0 {
		return fmt.Errorf("WSPROXY_FLUSH_MESSAGES must be > 0")
	}
	if c.Telemetry.QueueSize <= 0 {
		return fmt.Errorf("WSPROXY_TELEMETRY_QUEUE_SIZE must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
