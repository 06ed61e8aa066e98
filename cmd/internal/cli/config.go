package cli

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"wagate/cmd/internal/app"
)

const redacted = "[redacted]"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect runtime configuration",
	}
	cmd.AddCommand(newConfigCheckCmd())
	return cmd
}

func newConfigCheckCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load WAGATE_* variables, validate them and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.LoadConfig()
			if err := app.ValidateConfig(cfg); err != nil {
				return err
			}
			if !asJSON {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "config ok")
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(redactConfig(cfg))
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the effective config as JSON with secrets redacted")
	return cmd
}

func redactConfig(cfg app.Config) app.Config {
	for _, s := range []*string{&cfg.BridgeToken, &cfg.WebhookSecret, &cfg.APIToken, &cfg.CredentialsKeyHex} {
		if *s != "" {
			*s = redacted
		}
	}
	if cfg.DatabaseURL != "" {
		if u, err := url.Parse(cfg.DatabaseURL); err == nil {
			cfg.DatabaseURL = u.Redacted()
		} else {
			cfg.DatabaseURL = redacted
		}
	}
	return cfg
}
