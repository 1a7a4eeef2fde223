// Package config holds the configuration sections shared by the control-plane
// services and the viper loader they all use.
//
// Each service composes the sections it needs into its own Config struct in
// <svc>/internal/config and calls Load with its environment prefix.
// Configuration is loaded once at startup and passed by value into
// constructors.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/telhawk-systems/controlplane/common/failure"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// NATSConfig holds NATS JetStream configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Token         string        `mapstructure:"token"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`

	// StartupTimeout bounds how long a service waits for the first
	// connection before exiting.
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`

	AckWait         time.Duration   `mapstructure:"ack_wait"`
	Backoff         []time.Duration `mapstructure:"backoff"`
	DuplicateWindow time.Duration   `mapstructure:"duplicate_window"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// ConnString builds a postgres:// URL.
func (p PostgresConfig) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     "/" + p.Database,
		RawQuery: "sslmode=" + url.QueryEscape(p.SSLMode),
	}
	return u.String()
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	Enabled    bool   `mapstructure:"enabled"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ConsumerConfig tunes a queue consumer.
type ConsumerConfig struct {
	Queue          string        `mapstructure:"queue"`
	Workers        int           `mapstructure:"workers"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	RetryCeiling   int           `mapstructure:"retry_ceiling"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
}

// Ledger backends.
const (
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
	LedgerMemory   = "memory"
)

// LedgerConfig selects the idempotency ledger backend.
type LedgerConfig struct {
	Backend string `mapstructure:"backend"`

	// TTL applies to the redis backend only. Zero keeps entries forever.
	TTL time.Duration `mapstructure:"ttl"`
}

// SetSharedDefaults registers defaults for every shared section. Services
// override the port and their own sections afterwards.
func SetSharedDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "controlplane")
	v.SetDefault("nats.username", "")
	v.SetDefault("nats.password", "")
	v.SetDefault("nats.token", "")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.timeout", "5s")
	v.SetDefault("nats.startup_timeout", "30s")
	v.SetDefault("nats.ack_wait", "30s")
	v.SetDefault("nats.backoff", []string{"1s", "2s", "5s", "10s", "30s", "1m", "2m", "5m"})
	v.SetDefault("nats.duplicate_window", "10m")

	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "controlplane")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.max_conns", 25)
	v.SetDefault("database.postgres.min_conns", 2)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("consumer.workers", 4)
	v.SetDefault("consumer.handler_timeout", "10s")
	v.SetDefault("consumer.retry_ceiling", 10)
	v.SetDefault("consumer.drain_timeout", "30s")

	v.SetDefault("ledger.backend", LedgerPostgres)
	v.SetDefault("ledger.ttl", "0s")
}

// Load reads configPath (or config.yaml from searchDirs) and environment
// variables named <envPrefix>_<SECTION>_<KEY> into out. setDefaults runs
// after the shared defaults. A missing config file is not an error unless
// configPath was given explicitly.
func Load(envPrefix, configPath string, searchDirs []string, setDefaults func(*viper.Viper), out any) error {
	v := viper.New()
	SetSharedDefaults(v)
	if setDefaults != nil {
		setDefaults(v)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		for _, dir := range searchDirs {
			v.AddConfigPath(dir)
		}
	}

	// Environment variables override (BILLING_SERVER_PORT, etc.)
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return failure.Configf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(out); err != nil {
		return failure.Configf("failed to unmarshal config: %w", err)
	}
	return nil
}
