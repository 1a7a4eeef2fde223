package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/telhawk-systems/controlplane/common/config"
	"github.com/telhawk-systems/controlplane/common/failure"
	"github.com/telhawk-systems/controlplane/common/messaging"
	natsclient "github.com/telhawk-systems/controlplane/common/messaging/nats"
)

type Config struct {
	Server       config.ServerConfig   `mapstructure:"server"`
	NATS         config.NATSConfig     `mapstructure:"nats"`
	Database     DatabaseConfig        `mapstructure:"database"`
	Redis        config.RedisConfig    `mapstructure:"redis"`
	Logging      config.LoggingConfig  `mapstructure:"logging"`
	Consumer     config.ConsumerConfig `mapstructure:"consumer"`
	Ledger       config.LedgerConfig   `mapstructure:"ledger"`
	Provisioning ProvisioningConfig    `mapstructure:"provisioning"`
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

type ProvisioningConfig struct {
	// StaleAfter is how long a tenant may stay in provisioning before a
	// redelivered subscription.created resumes it.
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8081)
	v.SetDefault("nats.name", "provisioning")
	v.SetDefault("database.postgres.database", "provisioning")
	v.SetDefault("database.migrations.enabled", true)
	v.SetDefault("database.migrations.source", "file://migrations")
	v.SetDefault("database.migrations.table", "provisioning_schema_migrations")
	v.SetDefault("consumer.queue", messaging.QueueProvisioning)
	v.SetDefault("provisioning.stale_after", "2m")
}

// Load reads the provisioning configuration. Environment variables use the
// PROVISIONING_ prefix.
func Load(configPath string) (*Config, error) {
	var cfg Config
	if err := config.Load("PROVISIONING", configPath, []string{"/etc/controlplane/provisioning"}, setDefaults, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section the service uses.
func (c *Config) Validate() error {
	checks := []error{
		c.Server.Validate(),
		c.NATS.Validate(),
		c.Logging.Validate(),
		c.Consumer.Validate(),
		c.Ledger.Validate(c.Redis),
		c.Database.Postgres.Validate(),
	}
	if c.Provisioning.StaleAfter <= 0 {
		checks = append(checks, failure.Configf("provisioning.stale_after must be positive"))
	} else {
		// A tenant held in provisioning by a crashed worker is resumed only
		// after stale_after; redeliveries must still be arriving by then.
		opts := natsclient.BrokerOptions(c.NATS, 0)
		opts.RetryCeiling = c.Consumer.RetryCeiling
		if window := opts.RetryWindow(); window < c.Provisioning.StaleAfter {
			checks = append(checks, failure.Configf(
				"consumer.retry_ceiling %d with nats.backoff redelivers for %s, less than provisioning.stale_after %s",
				c.Consumer.RetryCeiling, window, c.Provisioning.StaleAfter))
		}
	}
	if c.Database.Migrations.Enabled && c.Database.Migrations.Source == "" {
		checks = append(checks, failure.Configf("database.migrations.source is required when migrations are enabled"))
	}
	return config.Collect(checks...)
}
