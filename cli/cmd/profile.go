package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/controlplane/cli/pkg/output"
	"github.com/telhawk-systems/controlplane/common/config"
)

var profileLedgerBackend string

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage connection profiles",
}

var profileSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Save a profile from the connection flags and make it current",
	Example: `  cpctl profile set staging --nats-url nats://nats.staging:4222 \
    --postgres-url postgres://ops@db.staging/provisioning --ledger-backend postgres`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch profileLedgerBackend {
		case "", config.LedgerPostgres, config.LedgerRedis:
		default:
			return fmt.Errorf("--ledger-backend must be postgres or redis")
		}
		p := &config.CLIProfile{
			NATSURL:       natsURL,
			PostgresURL:   postgresURL,
			RedisURL:      redisURL,
			LedgerBackend: profileLedgerBackend,
		}
		if err := cfg.SetProfile(args[0], p); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		output.Success("Profile %s saved and selected", args[0])
		return nil
	},
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved connection settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := activeProfile()
		return output.Print(format(), p, func() *output.Table {
			t := output.NewTable("SETTING", "VALUE")
			t.AddRow("profile", currentProfileName())
			t.AddRow("nats_url", p.NATSURL)
			t.AddRow("postgres_url", p.PostgresURL)
			t.AddRow("redis_url", p.RedisURL)
			t.AddRow("ledger_backend", p.LedgerBackend)
			return t
		})
	},
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		names := make([]string, 0, len(cfg.Profiles))
		for name := range cfg.Profiles {
			names = append(names, name)
		}
		sort.Strings(names)
		return output.Print(format(), cfg.Profiles, func() *output.Table {
			t := output.NewTable("", "NAME", "NATS URL")
			for _, name := range names {
				marker := ""
				if name == cfg.CurrentProfile {
					marker = "*"
				}
				t.AddRow(marker, name, cfg.Profiles[name].NATSURL)
			}
			return t
		})
	},
}

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileSetCmd, profileShowCmd, profileListCmd)
	profileSetCmd.Flags().StringVar(&profileLedgerBackend, "ledger-backend", "", "postgres or redis")
}

func currentProfileName() string {
	if profileName != "" {
		return profileName
	}
	return cfg.CurrentProfile
}
