// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package config provides layered configuration for Herald using koanf:
// built-in defaults, an optional YAML config file, and environment variable
// overrides (prefix HERALD_), in increasing precedence.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the Herald server.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	NATS         NATSConfig         `koanf:"nats"`
	Registry     RegistryConfig     `koanf:"registry"`
	Coalescer    CoalescerConfig    `koanf:"coalescer"`
	Backpressure BackpressureConfig `koanf:"backpressure"`
	Gate         GateConfig         `koanf:"gate"`
	Fanout       FanoutConfig       `koanf:"fanout"`
	Delivery     DeliveryConfig     `koanf:"delivery"`
	Auth         AuthConfig         `koanf:"auth"`
}

// ServerConfig holds the HTTP API listener settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// RateLimitPerMinute bounds ingress requests per client IP. 0 disables.
	RateLimitPerMinute int `koanf:"rate_limit_per_minute"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// NATSConfig holds the embedded JetStream server and client settings.
type NATSConfig struct {
	// Embedded starts an in-process NATS server. When false, URL must point
	// at an external server.
	Embedded bool   `koanf:"embedded"`
	URL      string `koanf:"url"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	StoreDir string `koanf:"store_dir"`
	MaxMem   int64  `koanf:"max_mem"`
	MaxStore int64  `koanf:"max_store"`

	StreamName      string        `koanf:"stream_name"`
	StreamMaxAge    time.Duration `koanf:"stream_max_age"`
	DuplicateWindow time.Duration `koanf:"duplicate_window"`
	DurableName     string        `koanf:"durable_name"`
	QueueGroup      string        `koanf:"queue_group"`
	AckWait         time.Duration `koanf:"ack_wait"`
	MaxAckPending   int           `koanf:"max_ack_pending"`
	MaxReconnects   int           `koanf:"max_reconnects"`
	ReconnectWait   time.Duration `koanf:"reconnect_wait"`
}

// RegistryConfig holds device registry settings.
type RegistryConfig struct {
	// Shards bounds lock contention; must be a power of two.
	Shards int `koanf:"shards" validate:"min=1"`
	// DataDir is the badger directory for device persistence.
	// Empty uses an in-memory store (tests, ephemeral deployments).
	DataDir string `koanf:"data_dir"`
}

// CoalescerConfig holds coalescing window settings for high-frequency
// low-importance events.
type CoalescerConfig struct {
	// Window is the fixed emission cadence per (user, show) key.
	// Matches the one-report-per-minute playback cadence by default.
	Window time.Duration `koanf:"window"`
	Shards int           `koanf:"shards" validate:"min=1"`
}

// BackpressureConfig holds per-priority admission settings.
type BackpressureConfig struct {
	// TotalEventsPerSecond is the overall admission budget.
	TotalEventsPerSecond float64 `koanf:"total_events_per_second" validate:"gt=0"`
	// CriticalReservedFraction of the budget is carved out for critical
	// traffic before the other classes share the rest.
	CriticalReservedFraction float64 `koanf:"critical_reserved_fraction" validate:"gte=0,lte=1"`
	// Burst is the token bucket burst size per class.
	Burst int `koanf:"burst" validate:"min=1"`
}

// GateConfig holds consistency gate settings.
type GateConfig struct {
	// VersionSourceURL is the billing service base URL consulted on gate
	// cache misses. Empty relies on the version webhook alone; users never
	// seen by the webhook then read as version 0.
	VersionSourceURL string `koanf:"version_source_url"`
	// VersionSourceTimeout bounds each version lookup.
	VersionSourceTimeout time.Duration `koanf:"version_source_timeout"`
}

// FanoutConfig holds dispatcher settings.
type FanoutConfig struct {
	// RecommendationDrainPerSecond caps the steady drain rate of
	// RecommendationsReady fan-out so daily batches never burst into the
	// push transports.
	RecommendationDrainPerSecond float64 `koanf:"recommendation_drain_per_second" validate:"gt=0"`
	// CriticalBufferDir is the badger directory for the durable buffer that
	// holds critical events while the registry is unavailable.
	CriticalBufferDir string `koanf:"critical_buffer_dir"`
}

// DeliveryConfig holds worker pool and retry settings.
type DeliveryConfig struct {
	MaxAttempts int `koanf:"max_attempts" validate:"min=1"`
	// BackoffBase and BackoffCap bound the exponential retry backoff.
	BackoffBase time.Duration `koanf:"backoff_base"`
	BackoffCap  time.Duration `koanf:"backoff_cap"`
	// PerPlatformConcurrency bounds concurrent sends per platform to respect
	// external transport rate limits.
	PerPlatformConcurrency int `koanf:"per_platform_concurrency" validate:"min=1"`
	// DeadLetterDir is the badger directory for the dead-letter store.
	DeadLetterDir string `koanf:"dead_letter_dir"`
	// BreakerFailureThreshold trips the per-platform circuit breaker after
	// this many consecutive transport failures.
	BreakerFailureThreshold uint32        `koanf:"breaker_failure_threshold"`
	BreakerTimeout          time.Duration `koanf:"breaker_timeout"`
	// FCMCredentialsFile is the Firebase service account file. Empty
	// disables the FCM transport (web-only deployments, tests).
	FCMCredentialsFile string `koanf:"fcm_credentials_file"`
}

// AuthConfig holds device API authentication settings.
type AuthConfig struct {
	// Enabled requires a JWT bearer token on the device-facing API.
	Enabled bool `koanf:"enabled"`
	// JWTSecret signs and verifies device API tokens (HS256).
	JWTSecret string `koanf:"jwt_secret"`
}

// defaultConfig returns a Config with all default values applied.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8480,
			ReadTimeout:        15 * time.Second,
			WriteTimeout:       15 * time.Second,
			ShutdownTimeout:    10 * time.Second,
			RateLimitPerMinute: 600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		NATS: NATSConfig{
			Embedded:        true,
			URL:             "nats://127.0.0.1:4222",
			Host:            "127.0.0.1",
			Port:            4222,
			StoreDir:        "/data/herald/jetstream",
			MaxMem:          1 << 30,  // 1GB
			MaxStore:        10 << 30, // 10GB
			StreamName:      "HERALD_TASKS",
			StreamMaxAge:    48 * time.Hour,
			DuplicateWindow: 2 * time.Minute,
			DurableName:     "herald-delivery",
			QueueGroup:      "delivery-workers",
			AckWait:         30 * time.Second,
			MaxAckPending:   1024,
			MaxReconnects:   60,
			ReconnectWait:   2 * time.Second,
		},
		Registry: RegistryConfig{
			Shards:  64,
			DataDir: "/data/herald/registry",
		},
		Coalescer: CoalescerConfig{
			Window: 60 * time.Second,
			Shards: 64,
		},
		Backpressure: BackpressureConfig{
			TotalEventsPerSecond:     15000,
			CriticalReservedFraction: 0.2,
			Burst:                    1000,
		},
		Gate: GateConfig{
			VersionSourceTimeout: 5 * time.Second,
		},
		Fanout: FanoutConfig{
			RecommendationDrainPerSecond: 2000,
			CriticalBufferDir:            "/data/herald/critical-buffer",
		},
		Delivery: DeliveryConfig{
			MaxAttempts:             5,
			BackoffBase:             500 * time.Millisecond,
			BackoffCap:              2 * time.Minute,
			PerPlatformConcurrency:  32,
			DeadLetterDir:           "/data/herald/deadletter",
			BreakerFailureThreshold: 5,
			BreakerTimeout:          30 * time.Second,
		},
		Auth: AuthConfig{
			Enabled: false,
		},
	}
}

// Validate checks the configuration for invalid or inconsistent values.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if c.Delivery.BackoffBase <= 0 {
		return fmt.Errorf("delivery.backoff_base must be positive, got %s", c.Delivery.BackoffBase)
	}
	if c.Delivery.BackoffCap < c.Delivery.BackoffBase {
		return fmt.Errorf("delivery.backoff_cap %s is below backoff_base %s",
			c.Delivery.BackoffCap, c.Delivery.BackoffBase)
	}
	if c.Coalescer.Window <= 0 {
		return fmt.Errorf("coalescer.window must be positive, got %s", c.Coalescer.Window)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	return nil
}
