package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/coachly/coachly/internal/auth"
)

func newTokenCommand() *cobra.Command {
	var expires time.Duration
	cmd := &cobra.Command{
		Use:   "token <user_id>",
		Short: "Print a signed JWT for a user, for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if expires <= 0 {
				expires, err = time.ParseDuration(cfg.Auth.JWTExpiresIn)
				if err != nil {
					return fmt.Errorf("invalid auth.jwt_expires_in: %w", err)
				}
			}
			token, expiresAt, err := auth.GenerateToken(args[0], cfg.Auth.JWTSecret, expires)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&expires, "expires", 0, "token lifetime, defaults to auth.jwt_expires_in")
	return cmd
}
