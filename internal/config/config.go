package config

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	DatabaseURI   string `envconfig:"DATABASE_URI" required:"true"`
	TelegramToken string `envconfig:"TELEGRAM_TOKEN" required:"true"`

	AI        AIConfig
	Scheduler SchedulerConfig
	Delivery  DeliveryConfig
	Log       LogConfig

	DefaultTimezone   string        `envconfig:"DEFAULT_TIMEZONE" default:"Asia/Taipei"`
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"5m"`
	// MetricsAddr enables the Prometheus endpoint when set, e.g. ":9090".
	MetricsAddr string `envconfig:"METRICS_ADDR"`
}

// AIConfig is optional; natural language input is disabled without an API key.
type AIConfig struct {
	APIKey  string `envconfig:"AI_API_KEY"`
	BaseURL string `envconfig:"AI_BASE_URL" default:"https://openrouter.ai/api/v1"`
	Model   string `envconfig:"AI_MODEL" default:"openai/gpt-4o-mini"`
}

type SchedulerConfig struct {
	GraceWindow time.Duration `envconfig:"SCHEDULER_GRACE_WINDOW" default:"30s"`
	FireTimeout time.Duration `envconfig:"SCHEDULER_FIRE_TIMEOUT" default:"30s"`
}

type DeliveryConfig struct {
	Concurrency       int     `envconfig:"DELIVERY_CONCURRENCY" default:"4"`
	SendRatePerSecond float64 `envconfig:"SEND_RATE_PER_SECOND" default:"25"`
}

type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Pretty bool   `envconfig:"LOG_PRETTY" default:"false"`
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	// .env file is optional in production
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "process env config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DatabaseURI == "" {
		return errors.New("DATABASE_URI is required")
	}
	if c.TelegramToken == "" {
		return errors.New("TELEGRAM_TOKEN is required")
	}
	if c.Scheduler.GraceWindow < 0 {
		return errors.New("SCHEDULER_GRACE_WINDOW must not be negative")
	}
	if c.Scheduler.FireTimeout <= 0 {
		return errors.New("SCHEDULER_FIRE_TIMEOUT must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return errors.New("RECONCILE_INTERVAL must be positive")
	}
	if c.Delivery.Concurrency < 1 {
		return errors.New("DELIVERY_CONCURRENCY must be at least 1")
	}
	if c.Delivery.SendRatePerSecond <= 0 {
		return errors.New("SEND_RATE_PER_SECOND must be positive")
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return errors.Wrapf(err, "DEFAULT_TIMEZONE %q", c.DefaultTimezone)
	}
	return nil
}
