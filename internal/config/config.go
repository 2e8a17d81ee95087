// Package config implements proxyd's YAML-backed configuration (spec.md's
// external interfaces, expanded per SPEC_FULL.md §1.2), modelled on
// mercator-hq-jupiter/pkg/config's struct/defaults/validate split.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is proxyd's on-disk configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Resolver ResolverConfig `yaml:"resolver"`
	Cache    CacheConfig    `yaml:"cache"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Admin    AdminConfig    `yaml:"admin"`
	Janitor  JanitorConfig  `yaml:"janitor"`
}

// ListenConfig controls the client-facing listener.
type ListenConfig struct {
	Port int `yaml:"port"`
}

// ResolverConfig sizes the C5 resolver pool.
type ResolverConfig struct {
	Workers      int `yaml:"workers"`
	DNSCacheSize int `yaml:"dns_cache_size"`
}

// CacheConfig sizes the C1 response cache.
type CacheConfig struct {
	ResponseCacheSize int `yaml:"response_cache_size"`
}

// TimeoutsConfig controls C8's idle timer.
type TimeoutsConfig struct {
	IdleSeconds int `yaml:"idle_seconds"`
}

// AdminConfig controls the optional Prometheus admin listener. Empty
// MetricsAddr disables it.
type AdminConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
}

// JanitorConfig controls the periodic cache-stats sweep's cron schedule.
type JanitorConfig struct {
	Schedule string `yaml:"schedule"`
}

const (
	DefaultPort              = 8080
	DefaultResolverWorkers   = 4
	DefaultDNSCacheSize      = 1000
	DefaultResponseCacheSize = 10000
	DefaultIdleSeconds       = 120
	DefaultJanitorSchedule   = "@every 1m"
)

// Load reads and parses the YAML file at path, applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults. Idempotent.
func ApplyDefaults(cfg *Config) {
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = DefaultPort
	}
	if cfg.Resolver.Workers == 0 {
		cfg.Resolver.Workers = DefaultResolverWorkers
	}
	if cfg.Resolver.DNSCacheSize == 0 {
		cfg.Resolver.DNSCacheSize = DefaultDNSCacheSize
	}
	if cfg.Cache.ResponseCacheSize == 0 {
		cfg.Cache.ResponseCacheSize = DefaultResponseCacheSize
	}
	if cfg.Timeouts.IdleSeconds == 0 {
		cfg.Timeouts.IdleSeconds = DefaultIdleSeconds
	}
	if cfg.Janitor.Schedule == "" {
		cfg.Janitor.Schedule = DefaultJanitorSchedule
	}
}

// Validate reports whether cfg's values are within the ranges spec.md §6
// requires (a port 1-65535, above all).
func Validate(cfg *Config) error {
	if cfg.Listen.Port < 1 || cfg.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range 1-65535", cfg.Listen.Port)
	}
	if cfg.Resolver.Workers < 1 {
		return fmt.Errorf("resolver.workers must be >= 1, got %d", cfg.Resolver.Workers)
	}
	if cfg.Cache.ResponseCacheSize < 1 {
		return fmt.Errorf("cache.response_cache_size must be >= 1, got %d", cfg.Cache.ResponseCacheSize)
	}
	if cfg.Timeouts.IdleSeconds < 1 {
		return fmt.Errorf("timeouts.idle_seconds must be >= 1, got %d", cfg.Timeouts.IdleSeconds)
	}
	return nil
}
