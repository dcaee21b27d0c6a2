package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"docket/api/internal/auth"
	"docket/api/internal/rbac"
)

// newTokenCmd mints a bearer token for local use, standing in for the
// upstream identity provider.
func newTokenCmd(load loader) *cobra.Command {
	var (
		actor rbac.Actor
		role  string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for an actor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			if actor.ID == "" || actor.Name == "" {
				return fmt.Errorf("--id and --name are required")
			}
			if rbac.Normalize(role) != rbac.Role(role) {
				return fmt.Errorf("unknown --role %q", role)
			}
			actor.Role = rbac.Role(role)
			if ttl <= 0 {
				ttl = cfg.TokenTTL
			}
			token, err := auth.Mint([]byte(cfg.JWTSecret), actor, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&actor.ID, "id", "", "user id")
	cmd.Flags().StringVar(&actor.Name, "name", "", "display name")
	cmd.Flags().StringVar(&actor.Email, "email", "", "email for notification mail")
	cmd.Flags().StringVar(&role, "role", string(rbac.RoleEditor), "viewer, editor, reviewer or admin")
	cmd.Flags().BoolVar(&actor.QCQualified, "qc", false, "qualified to sign the QC stage")
	cmd.Flags().BoolVar(&actor.PMQualified, "pm", false, "qualified to sign the PM stage")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default DOCKET_TOKEN_TTL)")
	return cmd
}
