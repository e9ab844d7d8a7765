// Package config loads application configuration from the environment, with
// an optional YAML file overlay for local development.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/threadline/platform/pkg/logger"
)

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Payments PaymentsConfig `yaml:"payments"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Notifier NotifierConfig `yaml:"notifier"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LoggingConfig mirrors the logger configuration with env bindings.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL,default=info"`
	Format string `yaml:"format" env:"LOG_FORMAT,default=text"`
	Output string `yaml:"output" env:"LOG_OUTPUT,default=stderr"`
}

// ToLogger converts to the logger package's configuration type.
func (c LoggingConfig) ToLogger() logger.LoggingConfig {
	return logger.LoggingConfig{Level: c.Level, Format: c.Format, Output: c.Output}
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"SERVER_HOST,default=0.0.0.0"`
	Port            int           `yaml:"port" env:"SERVER_PORT,default=8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT,default=15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT,default=30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT,default=10s"`
	RatePerSecond   float64       `yaml:"rate_per_second" env:"SERVER_RATE_PER_SECOND,default=20"`
	RateBurst       int           `yaml:"rate_burst" env:"SERVER_RATE_BURST,default=40"`
}

// DatabaseConfig controls the postgres connection. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL          string        `yaml:"url" env:"DATABASE_URL"`
	MaxOpenConns int           `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS,default=20"`
	MaxIdleConns int           `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS,default=5"`
	ConnLifetime time.Duration `yaml:"conn_lifetime" env:"DATABASE_CONN_LIFETIME,default=30m"`
	Migrate      bool          `yaml:"migrate" env:"DATABASE_MIGRATE,default=true"`
}

// RedisConfig controls the optional distributed action lock. An empty address
// disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB,default=0"`
}

// PaymentsConfig controls the provider client and the reconciliation sweep.
type PaymentsConfig struct {
	ProviderURL    string        `yaml:"provider_url" env:"PAYMENT_PROVIDER_URL"`
	ProviderSecret string        `yaml:"provider_secret" env:"PAYMENT_PROVIDER_SECRET"`
	WebhookSecret  string        `yaml:"webhook_secret" env:"PAYMENT_WEBHOOK_SECRET"`
	SweepSchedule  string        `yaml:"sweep_schedule" env:"PAYMENT_SWEEP_SCHEDULE,default=*/5 * * * *"`
	SweepMinAge    time.Duration `yaml:"sweep_min_age" env:"PAYMENT_SWEEP_MIN_AGE,default=10m"`
}

// WorkflowConfig controls the engagement gate.
type WorkflowConfig struct {
	Cooldown  time.Duration `yaml:"cooldown" env:"WORKFLOW_COOLDOWN,default=2m"`
	ActionTTL time.Duration `yaml:"action_ttl" env:"WORKFLOW_ACTION_TTL,default=5m"`
}

// LedgerConfig controls ledger-side thresholds.
type LedgerConfig struct {
	LowBalanceThreshold int64 `yaml:"low_balance_threshold" env:"LEDGER_LOW_BALANCE_THRESHOLD,default=5"`
}

// NotifierConfig controls outbound notifications. An empty endpoint falls
// back to log-only delivery.
type NotifierConfig struct {
	Endpoint string `yaml:"endpoint" env:"NOTIFIER_ENDPOINT"`
	APIKey   string `yaml:"api_key" env:"NOTIFIER_API_KEY"`
}

// Load reads .env (when present), then the environment, then overlays the
// YAML file named by CONFIG_FILE if set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	return &cfg, nil
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
