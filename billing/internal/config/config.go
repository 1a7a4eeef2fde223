package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/telhawk-systems/controlplane/common/config"
	"github.com/telhawk-systems/controlplane/common/failure"
	"github.com/telhawk-systems/controlplane/common/messaging"
)

type Config struct {
	Server    config.ServerConfig  `mapstructure:"server"`
	NATS      config.NATSConfig    `mapstructure:"nats"`
	Logging   config.LoggingConfig `mapstructure:"logging"`
	Webhook   WebhookConfig        `mapstructure:"webhook"`
	Publisher PublisherConfig      `mapstructure:"publisher"`
	Redis     config.RedisConfig   `mapstructure:"redis"`
	RateLimit RateLimitConfig      `mapstructure:"rate_limit"`
}

// RateLimitConfig throttles webhook requests per client IP. The window is
// shared across replicas through Redis.
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type WebhookConfig struct {
	Secret    string        `mapstructure:"secret"`
	Tolerance time.Duration `mapstructure:"tolerance"`
}

type PublisherConfig struct {
	Queues      []string      `mapstructure:"queues"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("nats.name", "billing")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.tolerance", "5m")
	v.SetDefault("publisher.queues", []string{messaging.QueueProvisioning, messaging.QueueNotification})
	v.SetDefault("publisher.base_delay", "200ms")
	v.SetDefault("publisher.max_delay", "5s")
	v.SetDefault("publisher.max_attempts", 5)
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.requests", 600)
	v.SetDefault("rate_limit.window", "1m")
}

// Load reads the billing configuration. Environment variables use the
// BILLING_ prefix (BILLING_WEBHOOK_SECRET, BILLING_NATS_URL, ...).
func Load(configPath string) (*Config, error) {
	var cfg Config
	if err := config.Load("BILLING", configPath, []string{"/etc/controlplane/billing"}, setDefaults, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	return config.Collect(
		c.Server.Validate(),
		c.NATS.Validate(),
		c.Logging.Validate(),
		c.Webhook.Validate(),
		c.Publisher.Validate(),
		c.RateLimit.Validate(c.Redis),
	)
}

func (w WebhookConfig) Validate() error {
	if w.Secret == "" {
		return failure.Configf("webhook.secret is required")
	}
	if w.Tolerance <= 0 {
		return failure.Configf("webhook.tolerance must be positive")
	}
	return nil
}

func (p PublisherConfig) Validate() error {
	var errs []error
	if len(p.Queues) == 0 {
		errs = append(errs, errors.New("publisher.queues must name at least one queue"))
	}
	if p.BaseDelay <= 0 || p.MaxDelay < p.BaseDelay {
		errs = append(errs, errors.New("publisher.base_delay must be positive and not above publisher.max_delay"))
	}
	if p.MaxAttempts < 1 {
		errs = append(errs, errors.New("publisher.max_attempts must be at least 1"))
	}
	if len(errs) > 0 {
		return failure.Config(errors.Join(errs...))
	}
	return nil
}

func (r RateLimitConfig) Validate(redis config.RedisConfig) error {
	if !r.Enabled {
		return nil
	}
	if r.Requests < 1 || r.Window <= 0 {
		return failure.Configf("rate_limit.requests and rate_limit.window must be positive")
	}
	if err := redis.Validate(); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	return nil
}
