package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"marginalia/api/internal/auth"
	"marginalia/api/internal/rbac"
)

func newTokenCommand() *cobra.Command {
	var (
		name string
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("--name is required")
			}
			normalized := rbac.Normalize(role)
			if string(normalized) != role {
				return fmt.Errorf("unknown role %q", role)
			}
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			token, claims, err := auth.Issue([]byte(cfg.JWTSecret), name, role, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "issued %s token for %s, expires %s\n",
				claims.Role, claims.Name, time.Unix(claims.Exp, 0).UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name of the token holder")
	cmd.Flags().StringVar(&role, "role", string(rbac.RoleEditor), "viewer, editor or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
