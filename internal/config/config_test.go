// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should validate: %v", err)
	}
	if cfg.Delivery.MaxAttempts != 5 {
		t.Errorf("Expected default max attempts 5, got %d", cfg.Delivery.MaxAttempts)
	}
	if cfg.Coalescer.Window != 60*time.Second {
		t.Errorf("Expected default coalescing window 60s, got %s", cfg.Coalescer.Window)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero port", func(c *Config) { c.Server.Port = 0 }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"cap below base", func(c *Config) {
			c.Delivery.BackoffBase = time.Minute
			c.Delivery.BackoffCap = time.Second
		}, true},
		{"zero window", func(c *Config) { c.Coalescer.Window = 0 }, true},
		{"reserved fraction too high", func(c *Config) { c.Backpressure.CriticalReservedFraction = 1.5 }, true},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true }, true},
		{"auth with secret", func(c *Config) {
			c.Auth.Enabled = true
			c.Auth.JWTSecret = "secret"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected validation error: %v", err)
			}
		})
	}
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"HERALD_SERVER_PORT", "server.port"},
		{"HERALD_DELIVERY_MAX_ATTEMPTS", "delivery.max_attempts"},
		{"HERALD_COALESCER_WINDOW", "coalescer.window"},
	}
	for _, tt := range tests {
		if got := envTransform(tt.in); got != tt.want {
			t.Errorf("envTransform(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("server:\n  port: 9999\ndelivery:\n  max_attempts: 3\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Expected port 9999 from file, got %d", cfg.Server.Port)
	}
	if cfg.Delivery.MaxAttempts != 3 {
		t.Errorf("Expected max attempts 3 from file, got %d", cfg.Delivery.MaxAttempts)
	}
	// Untouched values keep their defaults
	if cfg.Coalescer.Window != 60*time.Second {
		t.Errorf("Expected default window, got %s", cfg.Coalescer.Window)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("HERALD_SERVER_PORT", "8888")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8888 {
		t.Errorf("Expected env override port 8888, got %d", cfg.Server.Port)
	}
}
