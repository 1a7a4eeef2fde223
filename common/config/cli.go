package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// CLIConfig is the cpctl configuration stored in $HOME/.cpctl/config.yaml.
type CLIConfig struct {
	CurrentProfile string                 `yaml:"current_profile" mapstructure:"current_profile"`
	Profiles       map[string]*CLIProfile `yaml:"profiles" mapstructure:"profiles"`
	Defaults       *CLIProfile            `yaml:"defaults" mapstructure:"defaults"`

	path string
}

// CLIProfile holds the endpoints of one control-plane environment.
type CLIProfile struct {
	NATSURL     string `yaml:"nats_url" mapstructure:"nats_url"`
	PostgresURL string `yaml:"postgres_url,omitempty" mapstructure:"postgres_url"`
	RedisURL    string `yaml:"redis_url,omitempty" mapstructure:"redis_url"`

	// LedgerBackend is postgres or redis.
	LedgerBackend string `yaml:"ledger_backend,omitempty" mapstructure:"ledger_backend"`
}

// DefaultCLI returns a CLIConfig with default values
func DefaultCLI() *CLIConfig {
	return &CLIConfig{
		CurrentProfile: "default",
		Profiles:       make(map[string]*CLIProfile),
		Defaults: &CLIProfile{
			NATSURL:       "nats://localhost:4222",
			PostgresURL:   "postgres://controlplane@localhost:5432/controlplane?sslmode=disable",
			RedisURL:      "redis://localhost:6379/0",
			LedgerBackend: LedgerPostgres,
		},
	}
}

// LoadCLI loads configuration for cpctl. CPCTL_CONFIG_DIR overrides the
// default $HOME/.cpctl; CPCTL_NATS_URL and friends override the defaults.
func LoadCLI() (*CLIConfig, error) {
	configDir := os.Getenv("CPCTL_CONFIG_DIR")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to determine home directory: %w", err)
		}
		configDir = filepath.Join(home, ".cpctl")
	}
	return LoadCLIFrom(filepath.Join(configDir, "config.yaml"))
}

// LoadCLIFrom loads cpctl configuration from configPath.
func LoadCLIFrom(configPath string) (*CLIConfig, error) {
	v := viper.New()

	def := DefaultCLI()
	v.SetDefault("current_profile", def.CurrentProfile)
	v.SetDefault("defaults.nats_url", def.Defaults.NATSURL)
	v.SetDefault("defaults.postgres_url", def.Defaults.PostgresURL)
	v.SetDefault("defaults.redis_url", def.Defaults.RedisURL)
	v.SetDefault("defaults.ledger_backend", def.Defaults.LedgerBackend)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("CPCTL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Short forms (CPCTL_NATS_URL) besides CPCTL_DEFAULTS_NATS_URL.
	_ = v.BindEnv("defaults.nats_url", "CPCTL_NATS_URL", "CPCTL_DEFAULTS_NATS_URL")
	_ = v.BindEnv("defaults.postgres_url", "CPCTL_POSTGRES_URL", "CPCTL_DEFAULTS_POSTGRES_URL")
	_ = v.BindEnv("defaults.redis_url", "CPCTL_REDIS_URL", "CPCTL_DEFAULTS_REDIS_URL")
	_ = v.BindEnv("defaults.ledger_backend", "CPCTL_LEDGER_BACKEND", "CPCTL_DEFAULTS_LEDGER_BACKEND")

	// The file may not exist yet.
	_ = v.ReadInConfig()

	cfg := DefaultCLI()
	cfg.path = configPath
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// Save writes the CLI config to disk
func (c *CLIConfig) Save() error {
	if c.path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		c.path = filepath.Join(home, ".cpctl", "config.yaml")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0600)
}

// SetProfile stores p under name, makes it current and saves.
func (c *CLIConfig) SetProfile(name string, p *CLIProfile) error {
	if c.Profiles == nil {
		c.Profiles = make(map[string]*CLIProfile)
	}
	c.Profiles[name] = p
	c.CurrentProfile = name
	return c.Save()
}

// Resolve merges the named profile (or the current one) over the defaults.
func (c *CLIConfig) Resolve(name string) CLIProfile {
	out := CLIProfile{}
	if c.Defaults != nil {
		out = *c.Defaults
	}
	if name == "" {
		name = c.CurrentProfile
	}
	p, ok := c.Profiles[name]
	if !ok || p == nil {
		return out
	}
	if p.NATSURL != "" {
		out.NATSURL = p.NATSURL
	}
	if p.PostgresURL != "" {
		out.PostgresURL = p.PostgresURL
	}
	if p.RedisURL != "" {
		out.RedisURL = p.RedisURL
	}
	if p.LedgerBackend != "" {
		out.LedgerBackend = p.LedgerBackend
	}
	return out
}
