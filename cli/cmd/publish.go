package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/controlplane/billing/pkg/publisher"
	"github.com/telhawk-systems/controlplane/cli/pkg/output"
	"github.com/telhawk-systems/controlplane/common/envelope"
)

var (
	publishFile   string
	publishQueues []string
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Validate and publish an envelope",
	Long: `Publish one envelope read from a JSON file (or - for stdin) to the
consumer queues. The envelope keeps its event_id, so publishing the same file
twice is deduplicated by the broker and by the consumers.`,
	Example: `  cpctl publish --file envelope.json
  cat envelope.json | cpctl publish --file - --queue provisioning.events`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := readEnvelope(publishFile)
		if err != nil {
			return err
		}

		broker, err := connectBroker(cmd.Context())
		if err != nil {
			return err
		}
		defer broker.Close()
		if err := ensureQueues(cmd.Context(), broker, publishQueues); err != nil {
			return err
		}

		pub, err := publisher.New(broker, publishQueues, publisher.DefaultRetryPolicy(), cliLogger())
		if err != nil {
			return err
		}
		ack, err := pub.Publish(cmd.Context(), env)
		if err != nil {
			return err
		}
		return output.Print(format(), ack, func() *output.Table {
			t := output.NewTable("EVENT ID", "QUEUE", "SEQ", "DUPLICATE")
			for _, q := range ack.Queues {
				t.AddRow(ack.EventID, q.Queue, u64(q.Sequence), strconv.FormatBool(q.Duplicate))
			}
			return t
		})
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().StringVarP(&publishFile, "file", "f", "", "envelope JSON file, - for stdin")
	publishCmd.Flags().StringSliceVar(&publishQueues, "queue", defaultQueues, "queues to publish to")
	_ = publishCmd.MarkFlagRequired("file")
}

func readEnvelope(path string) (*envelope.Envelope, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read envelope: %w", err)
	}

	env, err := envelope.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	return env, nil
}
