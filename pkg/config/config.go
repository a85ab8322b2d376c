// Package config loads configuration from environment variables, an
// optional YAML file overlay, and a local .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls the Catalog's relational backend.
type DatabaseConfig struct {
	URL            string `json:"url" yaml:"url" env:"DATABASE_URL"`
	MigrateOnStart bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// CryptoConfig controls CryptoCore and its on-disk master key.
type CryptoConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled" env:"CRYPTO_ENABLED"`
	MasterKeyPath string `json:"master_key_path" yaml:"master_key_path" env:"MASTER_KEY_PATH"`
	RotationCron  string `json:"rotation_cron" yaml:"rotation_cron" env:"CRYPTO_ROTATION_CRON"`
}

// CellStoreConfig controls the per-cell embedded stores.
type CellStoreConfig struct {
	Dir string `json:"dir" yaml:"dir" env:"CELLS_DIR"`
}

// CacheConfig controls the Liquid Cache.
type CacheConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled" env:"CACHE_ENABLED"`
	Size         int    `json:"size" yaml:"size" env:"CACHE_SIZE"`
	TTLSeconds   int    `json:"ttl_seconds" yaml:"ttl_seconds" env:"CACHE_TTL"`
	Layers       int    `json:"layers" yaml:"layers" env:"CACHE_LAYERS"`
	PatternsFile string `json:"patterns_file" yaml:"patterns_file" env:"CACHE_PATTERNS_FILE"`
	PersistCron  string `json:"persist_cron" yaml:"persist_cron" env:"CACHE_PERSIST_CRON"`
}

// EventBusConfig controls the EventBus adapter selection.
type EventBusConfig struct {
	Bootstrap string `json:"bootstrap" yaml:"bootstrap" env:"EVENT_BUS_BOOTSTRAP"`
	RingSize  int    `json:"ring_size" yaml:"ring_size" env:"EVENT_BUS_RING_SIZE"`
	SpillPath string `json:"spill_path" yaml:"spill_path" env:"EVENT_BUS_SPILL_PATH"`
	SpillCron string `json:"spill_cron" yaml:"spill_cron" env:"EVENT_BUS_SPILL_CRON"`
}

// AuthConfig controls token issuance and account lockout.
type AuthConfig struct {
	TokenSigningKey    string `json:"token_signing_key" yaml:"token_signing_key" env:"TOKEN_SIGNING_KEY"`
	TokenTTLMinutes    int    `json:"token_ttl_minutes" yaml:"token_ttl_minutes" env:"TOKEN_TTL_MINUTES"`
	LockoutThreshold   int    `json:"lockout_threshold" yaml:"lockout_threshold" env:"AUTH_LOCKOUT_THRESHOLD"`
	LockoutWindowMin   int    `json:"lockout_window_minutes" yaml:"lockout_window_minutes" env:"AUTH_LOCKOUT_WINDOW_MINUTES"`
	LockoutDurationMin int    `json:"lockout_duration_minutes" yaml:"lockout_duration_minutes" env:"AUTH_LOCKOUT_DURATION_MINUTES"`
}

// RateLimitConfig controls the single token bucket, shared by all
// clients, applied ahead of authentication.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" env:"RATE_LIMIT_RPS"`
	Burst             int     `json:"burst" yaml:"burst" env:"RATE_LIMIT_BURST"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Crypto    CryptoConfig    `json:"crypto" yaml:"crypto"`
	CellStore CellStoreConfig `json:"cell_store" yaml:"cell_store"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	EventBus  EventBusConfig  `json:"event_bus" yaml:"event_bus"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			MigrateOnStart: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "cellserver",
		},
		Crypto: CryptoConfig{
			Enabled:       true,
			MasterKeyPath: "sealed_data/master.key",
			RotationCron:  "@every 24h",
		},
		CellStore: CellStoreConfig{
			Dir: "cells",
		},
		Cache: CacheConfig{
			Enabled:      true,
			Size:         1000,
			TTLSeconds:   1800,
			Layers:       3,
			PatternsFile: "cache/patterns.json",
			PersistCron:  "@every 5m",
		},
		EventBus: EventBusConfig{
			RingSize:  1024,
			SpillPath: "cache/events.jsonl",
			SpillCron: "@every 1m",
		},
		Auth: AuthConfig{
			TokenTTLMinutes:    60,
			LockoutThreshold:   5,
			LockoutWindowMin:   15,
			LockoutDurationMin: 15,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
	}
}

// Load loads configuration from an optional YAML file, a local .env file,
// and environment variables, in that order of increasing precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in
		// the environment; treat that case as "no overrides" so local runs
		// work without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

// LoadFile reads configuration from a YAML file without consulting the
// environment. Used by tests that want a deterministic, hermetic config.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
