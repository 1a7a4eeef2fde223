package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/controlplane/billing/pkg/publisher"
	"github.com/telhawk-systems/controlplane/cli/internal/seeder"
	"github.com/telhawk-systems/controlplane/cli/pkg/output"
	"github.com/telhawk-systems/controlplane/common/envelope"
)

var (
	seedTenants    int
	seedSeed       int64
	seedInterval   time.Duration
	seedBillingURL string
	seedSecret     string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Publish synthetic billing lifecycles",
	Long: `Generate fake tenants and send each one a full billing lifecycle:
subscription created, payment failed, payment recovered and subscription
cancelled.

By default envelopes are published straight to the consumer queues. With
--billing-url the equivalent provider notifications are signed and posted to
the billing webhook instead, exercising the whole pipeline.`,
	Example: `  cpctl seed --tenants 25
  cpctl seed --tenants 5 --billing-url http://localhost:8080/webhooks/payments --secret whsec_dev`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if seedTenants <= 0 {
			return fmt.Errorf("--tenants must be positive")
		}

		var sink seeder.Sink
		if seedBillingURL != "" {
			if seedSecret == "" {
				return fmt.Errorf("--secret is required with --billing-url")
			}
			sink = seeder.NewWebhookSink(seedBillingURL, seedSecret)
		} else {
			broker, err := connectBroker(cmd.Context())
			if err != nil {
				return err
			}
			defer broker.Close()
			if err := ensureQueues(cmd.Context(), broker, defaultQueues); err != nil {
				return err
			}
			pub, err := publisher.New(broker, defaultQueues, publisher.DefaultRetryPolicy(), cliLogger())
			if err != nil {
				return err
			}
			sink = seeder.PublisherSink{Publisher: seeder.PublisherFunc(func(ctx context.Context, env *envelope.Envelope) error {
				_, err := pub.Publish(ctx, env)
				return err
			})}
		}

		runner := seeder.NewRunner(seeder.Config{
			Tenants:  seedTenants,
			Seed:     seedSeed,
			Interval: seedInterval,
		}, sink)
		if format() == output.FormatTable {
			runner.Progress = func(t seeder.Tenant, e seeder.Event, err error) {
				if err != nil {
					output.Warn("%s %s: %v", t.Ref, e.Envelope.EventType, err)
				}
			}
		}

		sum, err := runner.Run(cmd.Context())
		if err != nil {
			return err
		}
		if perr := output.Print(format(), sum, func() *output.Table {
			t := output.NewTable("TENANT", "COMPANY", "EMAIL", "PLAN", "SEATS")
			for _, tn := range sum.Tenants {
				t.AddRow(tn.Ref, tn.Company, tn.Email, tn.Plan, strconv.Itoa(tn.Seats))
			}
			return t
		}); perr != nil {
			return perr
		}
		if sum.Failed > 0 {
			return fmt.Errorf("%d events were not sent", sum.Failed)
		}
		if format() == output.FormatTable {
			output.Success("Sent %d events for %d tenants", sum.Sent, len(sum.Tenants))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().IntVar(&seedTenants, "tenants", 10, "number of synthetic tenants")
	seedCmd.Flags().Int64Var(&seedSeed, "seed", 0, "random seed (0 picks one)")
	seedCmd.Flags().DurationVar(&seedInterval, "interval", 0, "pause between events")
	seedCmd.Flags().StringVar(&seedBillingURL, "billing-url", "", "post signed provider notifications to this billing webhook URL")
	seedCmd.Flags().StringVar(&seedSecret, "secret", "", "webhook signing secret for --billing-url")
}
