package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/controlplane/cli/pkg/output"
	"github.com/telhawk-systems/controlplane/common/config"
	"github.com/telhawk-systems/controlplane/common/ledger"
)

var (
	ledgerConsumer string
	ledgerEventID  string
	ledgerBackend  string
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the idempotency ledger",
}

var ledgerGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Look up whether a consumer has applied an event",
	Example: `  cpctl ledger get --consumer provisioning --event-id 0d9c…
  cpctl ledger get --consumer notification --event-id 0d9c… --backend redis`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, closeFn, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		entry, err := l.Lookup(cmd.Context(), ledgerConsumer, ledgerEventID)
		if err != nil {
			return err
		}
		if entry == nil {
			if format() == output.FormatTable {
				output.Warn("No ledger entry for %s/%s: the event has not been applied", ledgerConsumer, ledgerEventID)
				return nil
			}
			return output.Print(format(), map[string]any{"consumer": ledgerConsumer, "event_id": ledgerEventID, "found": false}, nil)
		}
		return output.Print(format(), entry, func() *output.Table {
			t := output.NewTable("CONSUMER", "EVENT ID", "TYPE", "TENANT", "OUTCOME", "APPLIED AT", "DETAIL")
			t.AddRow(entry.Consumer, entry.EventID, entry.EventType, entry.TenantRef, string(entry.Outcome),
				entry.AppliedAt.Format("2006-01-02 15:04:05"), truncate(entry.Detail, 60))
			return t
		})
	},
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerGetCmd)
	ledgerGetCmd.Flags().StringVar(&ledgerConsumer, "consumer", "", "consumer name, e.g. provisioning or notification")
	ledgerGetCmd.Flags().StringVar(&ledgerEventID, "event-id", "", "event ID")
	ledgerGetCmd.Flags().StringVar(&ledgerBackend, "backend", "", "postgres or redis (default: the profile's ledger backend)")
	_ = ledgerGetCmd.MarkFlagRequired("consumer")
	_ = ledgerGetCmd.MarkFlagRequired("event-id")
}

// openLedger connects only the store the selected backend needs.
func openLedger(ctx context.Context) (ledger.Ledger, func(), error) {
	p := activeProfile()
	backend := ledgerBackend
	if backend == "" {
		backend = p.LedgerBackend
	}

	var (
		pool   *pgxpool.Pool
		client *redis.Client
	)
	closeFn := func() {
		if pool != nil {
			pool.Close()
		}
		if client != nil {
			_ = client.Close()
		}
	}

	switch backend {
	case config.LedgerPostgres:
		var err error
		if pool, err = pgxpool.New(ctx, p.PostgresURL); err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
	case config.LedgerRedis:
		opts, err := redis.ParseURL(p.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		client = redis.NewClient(opts)
	}

	l, err := ledger.Open(config.LedgerConfig{Backend: backend}, pool, client)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return l, func() { _ = l.Close(); closeFn() }, nil
}
