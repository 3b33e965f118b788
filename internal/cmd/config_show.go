package cmd

import (
	"context"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/vidgen/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after applying defaults, the config file and
VIDGEN_* environment variables. Secrets are redacted unless --show-secrets
is given.`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configShowCmd.Flags().Bool("show-secrets", false, "Print credentials in clear text")
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(context.Background())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load config", err)
	}
	showSecrets, _ := cmd.Flags().GetBool("show-secrets")
	if !showSecrets {
		redact(cfg)
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return exitError(foundry.ExitFailure, "Failed to encode config", err)
	}
	return enc.Close()
}

const redacted = "[redacted]"

func redact(cfg *config.Config) {
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&cfg.Jobs.Redis.Password)
	mask(&cfg.Storage.S3.SecretAccessKey)
	mask(&cfg.Storage.Minio.SecretKey)
	mask(&cfg.Profile.Postgres.DSN)
	mask(&cfg.Events.AMQP.URL)
}
