package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/controlplane/cli/pkg/output"
	"github.com/telhawk-systems/controlplane/common/config"
	"github.com/telhawk-systems/controlplane/common/logging"
	"github.com/telhawk-systems/controlplane/common/messaging"
	natsclient "github.com/telhawk-systems/controlplane/common/messaging/nats"
)

var (
	cfgFile string
	cfg     *config.CLIConfig

	profileName  string
	natsURL      string
	postgresURL  string
	redisURL     string
	outputFormat string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "cpctl",
	Short: "Control plane operator CLI",
	Long: `cpctl operates the control-plane billing event pipeline.

Inspect and replay dead letters, publish envelopes by hand, seed synthetic
billing traffic and look up idempotency ledger entries.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := output.ParseFormat(outputFormat)
		return err
	},
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		output.Error("%v", err)
		return err
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.cpctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&profileName, "profile", "", "profile to use (default: current profile)")
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats-url", "", "NATS server URL (overrides the profile)")
	rootCmd.PersistentFlags().StringVar(&postgresURL, "postgres-url", "", "Postgres URL of the consumer database (overrides the profile)")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", "", "Redis URL (overrides the profile)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log connection details")
}

func initConfig() {
	var err error
	if cfgFile != "" {
		cfg, err = config.LoadCLIFrom(cfgFile)
	} else {
		cfg, err = config.LoadCLI()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.DefaultCLI()
	}
}

// activeProfile merges command-line overrides over the selected profile.
func activeProfile() config.CLIProfile {
	if cfg == nil {
		cfg = config.DefaultCLI()
	}
	p := cfg.Resolve(profileName)
	if natsURL != "" {
		p.NATSURL = natsURL
	}
	if postgresURL != "" {
		p.PostgresURL = postgresURL
	}
	if redisURL != "" {
		p.RedisURL = redisURL
	}
	return p
}

func format() output.Format {
	f, _ := output.ParseFormat(outputFormat)
	return f
}

func cliLogger() *logging.Logger {
	if verbose {
		return logging.NewWithWriter(os.Stderr, slog.LevelDebug, "text")
	}
	return logging.Discard()
}

// connectBroker dials NATS for one command. The caller closes the broker.
func connectBroker(ctx context.Context) (*natsclient.Broker, error) {
	p := activeProfile()
	logger := cliLogger()

	clientCfg := natsclient.DefaultConfig()
	clientCfg.URL = p.NATSURL
	clientCfg.Name = "cpctl"
	clientCfg.MaxReconnects = 2

	conn, err := natsclient.ConnectWithin(ctx, clientCfg, 10*time.Second, logger)
	if err != nil {
		return nil, err
	}
	broker, err := natsclient.NewBroker(ctx, conn, natsclient.DefaultOptions(), logger)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize jetstream: %w", err)
	}
	return broker, nil
}

// ensureQueues creates the queue streams so a publish never lands on a
// subject without a stream.
func ensureQueues(ctx context.Context, broker *natsclient.Broker, queues []string) error {
	for _, q := range queues {
		if err := broker.EnsureQueue(ctx, q); err != nil {
			return fmt.Errorf("failed to ensure queue %s: %w", q, err)
		}
	}
	return nil
}

var defaultQueues = []string{messaging.QueueProvisioning, messaging.QueueNotification}
