package cmd

import (
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/spf13/cobra"
)

var (
	sessionsUserID string
	sessionsKeepID string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and revoke user sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live sessions for a user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		infra, err := openInfra(cmd.Context())
		if err != nil {
			return err
		}
		defer infra.Close()

		sessions, err := infra.Sessions.ListForUser(cmd.Context(), sessionsUserID, "")
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, s := range sessions {
			fmt.Fprintf(out, "%s\tcreated %s\texpires %s\n",
				s.ID, s.CreatedAt.UTC().Format(time.RFC3339), s.ExpiresAt.UTC().Format(time.RFC3339))
		}
		return nil
	},
}

var sessionsRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke every session for a user",
	Long: `Deletes the user's sessions from Postgres and evicts them from the
Redis cache so revocation takes effect immediately. --keep spares one session.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		infra, err := openInfra(cmd.Context())
		if err != nil {
			return err
		}
		defer infra.Close()

		ids, err := infra.Sessions.DeleteAllForUser(cmd.Context(), sessionsUserID, models.DeleteSessionsOptions{
			KeepCurrent:      sessionsKeepID != "",
			CurrentSessionID: sessionsKeepID,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "revoked %d session(s)\n", len(ids))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsRevokeCmd)

	sessionsCmd.PersistentFlags().StringVar(&sessionsUserID, "user", "", "User ID")
	_ = sessionsCmd.MarkPersistentFlagRequired("user")
	sessionsRevokeCmd.Flags().StringVar(&sessionsKeepID, "keep", "", "Session ID to leave in place")
}
