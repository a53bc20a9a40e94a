// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port      string `env:"PORT" envDefault:"8080"`
	Env       string `env:"ENV" envDefault:"development"` // "development", "staging", "production"
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL string `env:"DATABASE_URL"`

	// Verification policy
	AutoApprovalThreshold float64       `env:"AUTO_APPROVAL_THRESHOLD" envDefault:"30"`
	DefaultDeadlineDays   int           `env:"DEFAULT_DEADLINE_DAYS" envDefault:"7"`
	MaxDeadlineDays       int           `env:"MAX_DEADLINE_DAYS" envDefault:"30"`
	SchedulerInterval     time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1m"`
	PresenceIdleTimeout   time.Duration `env:"PRESENCE_IDLE_TIMEOUT" envDefault:"60s"`

	// Event streaming (optional); comma-separated broker list
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`

	// Tracing (optional)
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// Security
	AdminSecret  string `env:"ADMIN_SECRET"`
	NotifySecret string `env:"NOTIFY_SECRET"`
}

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants that would otherwise surface as
// subtle runtime misbehavior in the scheduler and release guards.
func (c *Config) Validate() error {
	if c.AutoApprovalThreshold < 0 || c.AutoApprovalThreshold > 100 {
		return fmt.Errorf("AUTO_APPROVAL_THRESHOLD must be in [0,100], got %v", c.AutoApprovalThreshold)
	}
	if c.DefaultDeadlineDays <= 0 {
		return fmt.Errorf("DEFAULT_DEADLINE_DAYS must be positive")
	}
	if c.MaxDeadlineDays < c.DefaultDeadlineDays {
		return fmt.Errorf("MAX_DEADLINE_DAYS must be >= DEFAULT_DEADLINE_DAYS")
	}
	// The scheduler must poll well inside the smallest warning threshold (1h)
	// for the fire-once guarantee to be meaningful.
	if c.SchedulerInterval <= 0 || c.SchedulerInterval > 5*time.Minute {
		return fmt.Errorf("SCHEDULER_INTERVAL must be in (0, 5m], got %v", c.SchedulerInterval)
	}
	if c.PresenceIdleTimeout <= 0 {
		return fmt.Errorf("PRESENCE_IDLE_TIMEOUT must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
