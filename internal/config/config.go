// Package config loads relay configuration from the environment.
// Priority: environment variables > .env file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all relay configuration.
type Config struct {
	// Server basics
	Addr         string `env:"RELAY_ADDR" envDefault:"0.0.0.0:5000"`
	DatabaseFile string `env:"DATABASE_FILE" envDefault:":memory:"`

	// Fan-out
	ChannelCapacity int `env:"CHANNEL_CAPACITY" envDefault:"1000"`

	// Write batcher
	BatchSize          int           `env:"BATCH_SIZE" envDefault:"500"`
	BatchFlushInterval time.Duration `env:"BATCH_FLUSH_INTERVAL" envDefault:"20ms"`

	// Retention
	MaxMessages     int64         `env:"MAX_MESSAGES" envDefault:"10000"`
	MaxConsumptions int64         `env:"MAX_CONSUMPTIONS" envDefault:"10000"`
	MaxAge          time.Duration `env:"MAX_AGE" envDefault:"24h"`
	PurgeInterval   time.Duration `env:"PURGE_INTERVAL" envDefault:"30m"`

	// Dashboard read cache
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"2s"`

	// Subscriber ingress rate limiting (frames per second, burst)
	IngressRate  float64 `env:"INGRESS_RATE" envDefault:"10"`
	IngressBurst int     `env:"INGRESS_BURST" envDefault:"100"`

	// HTTP
	HTTPReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"10s"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownGrace    time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (optional) and environment
// variables, then validates it.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RELAY_ADDR is required")
	}
	if c.DatabaseFile == "" {
		return fmt.Errorf("DATABASE_FILE is required")
	}
	if c.ChannelCapacity < 1 {
		return fmt.Errorf("CHANNEL_CAPACITY must be > 0, got %d", c.ChannelCapacity)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be > 0, got %d", c.BatchSize)
	}
	if c.BatchFlushInterval <= 0 {
		return fmt.Errorf("BATCH_FLUSH_INTERVAL must be positive, got %s", c.BatchFlushInterval)
	}
	if c.MaxMessages < 1 || c.MaxConsumptions < 1 {
		return fmt.Errorf("MAX_MESSAGES and MAX_CONSUMPTIONS must be > 0")
	}
	if c.MaxAge <= 0 {
		return fmt.Errorf("MAX_AGE must be positive, got %s", c.MaxAge)
	}
	if c.PurgeInterval <= 0 {
		return fmt.Errorf("PURGE_INTERVAL must be positive, got %s", c.PurgeInterval)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("CACHE_TTL must be >= 0, got %s", c.CacheTTL)
	}
	if c.IngressRate <= 0 {
		return fmt.Errorf("INGRESS_RATE must be > 0, got %.1f", c.IngressRate)
	}
	if c.IngressBurst < 1 {
		return fmt.Errorf("INGRESS_BURST must be > 0, got %d", c.IngressBurst)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration with structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("database_file", c.DatabaseFile).
		Int("channel_capacity", c.ChannelCapacity).
		Int("batch_size", c.BatchSize).
		Dur("batch_flush_interval", c.BatchFlushInterval).
		Int64("max_messages", c.MaxMessages).
		Int64("max_consumptions", c.MaxConsumptions).
		Dur("max_age", c.MaxAge).
		Dur("purge_interval", c.PurgeInterval).
		Dur("cache_ttl", c.CacheTTL).
		Float64("ingress_rate", c.IngressRate).
		Int("ingress_burst", c.IngressBurst).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
