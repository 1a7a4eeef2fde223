package config

import (
	"fmt"
	"slices"
	"time"

	"github.com/spf13/viper"

	"github.com/telhawk-systems/controlplane/common/config"
	"github.com/telhawk-systems/controlplane/common/failure"
	"github.com/telhawk-systems/controlplane/common/messaging"
)

// Sender names accepted in sender.chain.
const (
	SenderSMTP    = "smtp"
	SenderWebhook = "webhook"
	SenderLog     = "log"
)

type Config struct {
	Server    config.ServerConfig   `mapstructure:"server"`
	NATS      config.NATSConfig     `mapstructure:"nats"`
	Database  DatabaseConfig        `mapstructure:"database"`
	Redis     config.RedisConfig    `mapstructure:"redis"`
	Logging   config.LoggingConfig  `mapstructure:"logging"`
	Consumer  config.ConsumerConfig `mapstructure:"consumer"`
	Ledger    config.LedgerConfig   `mapstructure:"ledger"`
	Directory DirectoryConfig       `mapstructure:"directory"`
	Sender    SenderConfig          `mapstructure:"sender"`
}

type DatabaseConfig struct {
	Postgres   config.PostgresConfig `mapstructure:"postgres"`
	Migrations MigrationsConfig      `mapstructure:"migrations"`
}

type MigrationsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Source  string `mapstructure:"source"`
	Table   string `mapstructure:"table"`
}

// DirectoryConfig controls the Redis cache in front of the recipients table.
type DirectoryConfig struct {
	CacheEnabled bool          `mapstructure:"cache_enabled"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

// SenderConfig lists the senders to try, in order.
type SenderConfig struct {
	Chain   []string      `mapstructure:"chain"`
	SMTP    SMTPConfig    `mapstructure:"smtp"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

type SMTPConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	StartTLS bool          `mapstructure:"starttls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type WebhookConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8082)
	v.SetDefault("nats.name", "notification")
	v.SetDefault("database.postgres.database", "notification")
	v.SetDefault("database.migrations.enabled", true)
	v.SetDefault("database.migrations.source", "file://migrations")
	v.SetDefault("database.migrations.table", "notification_schema_migrations")
	v.SetDefault("consumer.queue", messaging.QueueNotification)

	v.SetDefault("directory.cache_enabled", false)
	v.SetDefault("directory.cache_ttl", "5m")

	v.SetDefault("sender.chain", []string{SenderLog})
	v.SetDefault("sender.smtp.host", "localhost")
	v.SetDefault("sender.smtp.port", 25)
	v.SetDefault("sender.smtp.from", "Control Plane <noreply@controlplane.local>")
	v.SetDefault("sender.smtp.starttls", true)
	v.SetDefault("sender.smtp.timeout", "10s")
	v.SetDefault("sender.webhook.timeout", "10s")
}

// Load reads the notification configuration. Environment variables use the
// NOTIFICATION_ prefix.
func Load(configPath string) (*Config, error) {
	var cfg Config
	if err := config.Load("NOTIFICATION", configPath, []string{"/etc/controlplane/notification"}, setDefaults, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NeedsRedis reports whether any component is backed by Redis.
func (c *Config) NeedsRedis() bool {
	return c.Ledger.Backend == config.LedgerRedis || c.Directory.CacheEnabled
}

func (c *Config) Validate() error {
	checks := []error{
		c.Server.Validate(),
		c.NATS.Validate(),
		c.Logging.Validate(),
		c.Consumer.Validate(),
		c.Ledger.Validate(c.Redis),
		c.Database.Postgres.Validate(),
		c.Sender.Validate(),
	}
	if c.Directory.CacheEnabled {
		checks = append(checks, c.Redis.Validate())
		if c.Directory.CacheTTL <= 0 {
			checks = append(checks, failure.Configf("directory.cache_ttl must be positive"))
		}
	}
	if c.Database.Migrations.Enabled && c.Database.Migrations.Source == "" {
		checks = append(checks, failure.Configf("database.migrations.source is required when migrations are enabled"))
	}
	return config.Collect(checks...)
}

func (s SenderConfig) Validate() error {
	if len(s.Chain) == 0 {
		return failure.Configf("sender.chain must name at least one sender")
	}
	var checks []error
	for _, name := range s.Chain {
		switch name {
		case SenderSMTP:
			if s.SMTP.Host == "" || s.SMTP.Port <= 0 {
				checks = append(checks, failure.Configf("sender.smtp.host and sender.smtp.port are required"))
			}
			if s.SMTP.From == "" {
				checks = append(checks, failure.Configf("sender.smtp.from is required"))
			}
		case SenderWebhook:
			if s.Webhook.URL == "" {
				checks = append(checks, failure.Configf("sender.webhook.url is required"))
			}
		case SenderLog:
		default:
			checks = append(checks, failure.Config(fmt.Errorf("unknown sender %q (want one of %v)", name, []string{SenderSMTP, SenderWebhook, SenderLog})))
		}
	}
	if dup := duplicate(s.Chain); dup != "" {
		checks = append(checks, failure.Configf("sender %q listed twice in sender.chain", dup))
	}
	return config.Collect(checks...)
}

func duplicate(names []string) string {
	seen := make([]string, 0, len(names))
	for _, n := range names {
		if slices.Contains(seen, n) {
			return n
		}
		seen = append(seen, n)
	}
	return ""
}
