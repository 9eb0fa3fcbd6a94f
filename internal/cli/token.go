package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/coinhost/afkd/internal/daemon"
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().Bool("admin", false, "Grant the admin role")
}

var tokenCmd = &cobra.Command{
	Use:   "token USER_ID",
	Short: "Issue a bearer token for a user",
	Long: `Issue an HS256 bearer token signed with auth.jwt_secret.
Use it as "Authorization: Bearer <token>" against /api routes.`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func runToken(cmd *cobra.Command, args []string) error {
	admin, _ := cmd.Flags().GetBool("admin")
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	auth, err := daemon.NewAuthenticator(cfg)
	if err != nil {
		return err
	}
	tok, exp, err := auth.Issue(args[0], admin)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.UTC().Format(time.RFC3339))
	return nil
}
