package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"wagate/cmd/internal/app"
	"wagate/cmd/internal/credentials"
)

func newCredentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage stored session credentials under WAGATE_SESSIONS_DIR",
	}
	cmd.AddCommand(newCredentialsListCmd(), newCredentialsPurgeCmd())
	return cmd
}

func newCredentialsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List session keys that have stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store := credentials.NewStore(app.LoadConfig().SessionsDir)
			keys, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, k := range keys {
				if _, err := fmt.Fprintln(out, k); err != nil {
					return err
				}
			}
			_, err = fmt.Fprintf(out, "sessions: %d\n", len(keys))
			return err
		},
	}
}

// Purging forces a fresh pairing on the next start; run it while the server is stopped.
func newCredentialsPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <session-key>",
		Short: "Delete stored credentials for one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := credentials.NewStore(app.LoadConfig().SessionsDir)
			if err := store.Purge(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", args[0])
			return err
		},
	}
}
