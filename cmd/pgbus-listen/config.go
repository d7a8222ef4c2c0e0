package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the listener daemon configuration: a YAML file overridden by
// PGBUS_* environment variables, env taking precedence.
type Config struct {
	DatabaseURL string   `yaml:"database_url"`
	Channels    []string `yaml:"channels"`
	LogLevel    string   `yaml:"log_level"`
	LogFormat   string   `yaml:"log_format"`

	PollTimeoutSeconds    int `yaml:"poll_timeout_seconds"`
	MaxAttempts           int `yaml:"max_attempts"`
	LockStaleAfterSeconds int `yaml:"lock_stale_after_seconds"`
	BatchSize             int `yaml:"batch_size"`
	Workers               int `yaml:"workers"`

	MetricsAddr     string `yaml:"metrics_addr"`
	PruneAfterHours int    `yaml:"prune_after_hours"`
}

func loadConfig(path string) (*Config, error) {
	cfg := &Config{
		LogLevel:              "info",
		LogFormat:             "json",
		PollTimeoutSeconds:    30,
		MaxAttempts:           3,
		LockStaleAfterSeconds: 300,
		BatchSize:             100,
		Workers:               1,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	overrideString(&cfg.DatabaseURL, "PGBUS_DATABASE_URL")
	overrideString(&cfg.LogLevel, "PGBUS_LOG_LEVEL")
	overrideString(&cfg.LogFormat, "PGBUS_LOG_FORMAT")
	overrideString(&cfg.MetricsAddr, "PGBUS_METRICS_ADDR")
	overrideInt(&cfg.PollTimeoutSeconds, "PGBUS_POLL_TIMEOUT_SECONDS")
	overrideInt(&cfg.MaxAttempts, "PGBUS_MAX_ATTEMPTS")
	overrideInt(&cfg.LockStaleAfterSeconds, "PGBUS_LOCK_STALE_AFTER_SECONDS")
	overrideInt(&cfg.BatchSize, "PGBUS_BATCH_SIZE")
	overrideInt(&cfg.Workers, "PGBUS_WORKERS")
	overrideInt(&cfg.PruneAfterHours, "PGBUS_PRUNE_AFTER_HOURS")
	if v := os.Getenv("PGBUS_CHANNELS"); v != "" {
		cfg.Channels = strings.Split(v, ",")
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required (or set PGBUS_DATABASE_URL)")
	}
	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("at least one channel is required (or set PGBUS_CHANNELS)")
	}
	return cfg, nil
}

func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutSeconds) * time.Second
}

func (c *Config) LockStaleAfter() time.Duration {
	return time.Duration(c.LockStaleAfterSeconds) * time.Second
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
