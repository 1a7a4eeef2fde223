package nats

import (
	"github.com/telhawk-systems/controlplane/common/config"
)

// ClientConfig maps the shared nats section onto client settings.
func ClientConfig(c config.NATSConfig) Config {
	cfg := DefaultConfig()
	cfg.URL = c.URL
	if c.Name != "" {
		cfg.Name = c.Name
	}
	cfg.Username = c.Username
	cfg.Password = c.Password
	cfg.Token = c.Token
	if c.MaxReconnects != 0 {
		cfg.MaxReconnects = c.MaxReconnects
	}
	if c.ReconnectWait > 0 {
		cfg.ReconnectWait = c.ReconnectWait
	}
	if c.Timeout > 0 {
		cfg.Timeout = c.Timeout
	}
	return cfg
}

// BrokerOptions maps the shared nats section onto stream and consumer
// options. retryCeiling is the consumer's ceiling, or zero for publishers.
func BrokerOptions(c config.NATSConfig, retryCeiling int) Options {
	opts := DefaultOptions()
	if c.AckWait > 0 {
		opts.AckWait = c.AckWait
	}
	if len(c.Backoff) > 0 {
		opts.Backoff = c.Backoff
	}
	if c.DuplicateWindow > 0 {
		opts.Duplicates = c.DuplicateWindow
	}
	if retryCeiling > 0 {
		opts.RetryCeiling = retryCeiling
	}
	return opts
}
