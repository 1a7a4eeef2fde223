package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/telhawk-systems/controlplane/common/failure"
)

// Validate checks the required connection parameters.
func (n NATSConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(n.URL) == "" {
		errs = append(errs, errors.New("nats.url is required"))
	}
	if n.StartupTimeout <= 0 {
		errs = append(errs, errors.New("nats.startup_timeout must be positive"))
	}
	if n.AckWait <= 0 {
		errs = append(errs, errors.New("nats.ack_wait must be positive"))
	}
	return joinConfig(errs)
}

// Validate checks the required connection parameters.
func (p PostgresConfig) Validate() error {
	var errs []error
	if p.Host == "" {
		errs = append(errs, errors.New("database.postgres.host is required"))
	}
	if p.Port <= 0 {
		errs = append(errs, fmt.Errorf("database.postgres.port must be positive, got %d", p.Port))
	}
	if p.User == "" {
		errs = append(errs, errors.New("database.postgres.user is required"))
	}
	if p.Database == "" {
		errs = append(errs, errors.New("database.postgres.database is required"))
	}
	return joinConfig(errs)
}

// Validate checks the consumer tuning.
func (c ConsumerConfig) Validate() error {
	var errs []error
	if c.Queue == "" {
		errs = append(errs, errors.New("consumer.queue is required"))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("consumer.workers must be positive, got %d", c.Workers))
	}
	if c.HandlerTimeout <= 0 {
		errs = append(errs, errors.New("consumer.handler_timeout must be positive"))
	}
	if c.RetryCeiling < 0 {
		errs = append(errs, errors.New("consumer.retry_ceiling must not be negative"))
	}
	if c.DrainTimeout <= 0 {
		errs = append(errs, errors.New("consumer.drain_timeout must be positive"))
	}
	return joinConfig(errs)
}

// Validate checks the ledger backend against the available stores.
func (l LedgerConfig) Validate(redis RedisConfig) error {
	switch l.Backend {
	case LedgerPostgres, LedgerMemory:
		return nil
	case LedgerRedis:
		if err := redis.Validate(); err != nil {
			return failure.Configf("ledger.backend=redis: %w", err)
		}
		return nil
	default:
		return failure.Configf("ledger.backend must be one of postgres, redis, memory; got %q", l.Backend)
	}
}

// Validate requires an enabled Redis with a URL. Callers only invoke it when
// a component is configured to use Redis.
func (r RedisConfig) Validate() error {
	if !r.Enabled || r.URL == "" {
		return failure.Configf("redis.enabled and redis.url are required")
	}
	return nil
}

// Validate checks the logging settings.
func (l LoggingConfig) Validate() error {
	switch strings.ToLower(l.Format) {
	case "json", "text":
		return nil
	default:
		return failure.Configf("logging.format must be json or text, got %q", l.Format)
	}
}

// Validate checks the listen port.
func (s ServerConfig) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return failure.Configf("server.port must be in 1..65535, got %d", s.Port)
	}
	return nil
}

func joinConfig(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return failure.Config(errors.Join(errs...))
}

// Collect validates every section and joins the failures into one
// configuration-fatal error.
func Collect(checks ...error) error {
	var errs []error
	for _, err := range checks {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return joinConfig(errs)
}
