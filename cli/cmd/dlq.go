package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/controlplane/cli/internal/dlq"
	"github.com/telhawk-systems/controlplane/cli/pkg/output"
	natsclient "github.com/telhawk-systems/controlplane/common/messaging/nats"
)

var (
	dlqQueue string
	dlqLimit int
	dlqYes   bool
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead letters",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		broker, err := connectBroker(cmd.Context())
		if err != nil {
			return err
		}
		defer broker.Close()

		letters, err := broker.ListDeadLetters(cmd.Context(), dlqQueue, dlqLimit)
		if err != nil {
			return err
		}
		if len(letters) == 0 && format() == output.FormatTable {
			output.Info("No dead letters")
			return nil
		}
		return output.Print(format(), letters, func() *output.Table { return deadLetterTable(letters) })
	},
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dead-letter stream totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		broker, err := connectBroker(cmd.Context())
		if err != nil {
			return err
		}
		defer broker.Close()

		stats, err := broker.DeadLetterStats(cmd.Context())
		if err != nil {
			return err
		}
		return output.Print(format(), stats, func() *output.Table {
			t := output.NewTable("MESSAGES", "BYTES", "FIRST SEQ", "LAST SEQ")
			t.AddRow(u64(stats.Messages), u64(stats.Bytes), u64(stats.FirstSeq), u64(stats.LastSeq))
			return t
		})
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete dead letters of one queue, or all of them",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !dlqYes {
			return fmt.Errorf("purge deletes dead letters permanently; pass --yes to confirm")
		}
		broker, err := connectBroker(cmd.Context())
		if err != nil {
			return err
		}
		defer broker.Close()

		if err := broker.PurgeDeadLetters(cmd.Context(), dlqQueue); err != nil {
			return err
		}
		if dlqQueue == "" {
			output.Success("Purged all dead letters")
		} else {
			output.Success("Purged dead letters of %s", dlqQueue)
		}
		return nil
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Republish dead letters to their original queue",
	Long: `Republish dead-lettered envelopes with their original event IDs.

Replayed dead letters are removed from the stream. An envelope whose event ID
is still inside the broker's deduplication window is reported as a duplicate
and kept; replay it again once the window has passed. Consumers skip events
their ledger already records, so only retry-ceiling dead letters are
reprocessed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		broker, err := connectBroker(cmd.Context())
		if err != nil {
			return err
		}
		defer broker.Close()

		results, err := dlq.Replay(cmd.Context(), broker, broker, dlqQueue, dlqLimit)
		if perr := output.Print(format(), results, func() *output.Table { return replayTable(results) }); perr != nil {
			return perr
		}
		if err != nil {
			return err
		}
		if format() == output.FormatTable {
			output.Success("Replayed %d of %d dead letters", countStatus(results, dlq.StatusReplayed), len(results))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd, dlqStatsCmd, dlqPurgeCmd, dlqReplayCmd)

	for _, c := range []*cobra.Command{dlqListCmd, dlqPurgeCmd, dlqReplayCmd} {
		c.Flags().StringVar(&dlqQueue, "queue", "", "only this queue (default: every queue)")
	}
	for _, c := range []*cobra.Command{dlqListCmd, dlqReplayCmd} {
		c.Flags().IntVar(&dlqLimit, "limit", 100, "maximum number of dead letters")
	}
	dlqPurgeCmd.Flags().BoolVar(&dlqYes, "yes", false, "confirm the purge")
}

func deadLetterTable(letters []natsclient.DeadLetter) *output.Table {
	t := output.NewTable("SEQ", "QUEUE", "EVENT ID", "TYPE", "TENANT", "REASON", "ATTEMPTS", "AT", "ERROR")
	for _, dl := range letters {
		rec := dl.Record
		eventID, eventType, tenant := "-", "-", "-"
		if rec.Envelope != nil {
			eventID, eventType, tenant = rec.Envelope.EventID, string(rec.Envelope.EventType), rec.Envelope.TenantRef
		}
		t.AddRow(
			u64(dl.Sequence),
			rec.Queue,
			eventID,
			eventType,
			tenant,
			rec.Reason,
			strconv.Itoa(rec.Attempts),
			rec.DeadLetteredAt.Format(time.RFC3339),
			truncate(rec.Error, 60),
		)
	}
	return t
}

func replayTable(results []dlq.Result) *output.Table {
	t := output.NewTable("SEQ", "QUEUE", "EVENT ID", "TYPE", "STATUS", "ERROR")
	for _, r := range results {
		t.AddRow(u64(r.Sequence), r.Queue, r.EventID, r.EventType, r.Status, truncate(r.Error, 60))
	}
	return t
}

func countStatus(results []dlq.Result, status string) int {
	n := 0
	for _, r := range results {
		if r.Status == status {
			n++
		}
	}
	return n
}

func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
