package command

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tingly-dev/toolfence/internal/auth"
	"github.com/tingly-dev/toolfence/internal/config"
)

// TokenCommand generates a bearer token for the HTTP API.
func TokenCommand(app *App) *cobra.Command {
	var (
		clientID string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate a bearer token for the HTTP API",
		Long: `Generate a JWT signed with server.jwt_secret. When a secret is configured the
server requires it on every /v1 request:

  Authorization: Bearer <token>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.Config()
			if err != nil {
				return err
			}
			secret := cfg.ServerConfig().JWTSecret
			if secret == "" {
				return &config.ConfigError{Field: "server.jwt_secret", Message: "must be set to issue tokens"}
			}

			token, err := auth.NewJWTManager(secret).GenerateToken(clientID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&clientID, "client", "cli", "client id stored in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "token lifetime")
	return cmd
}
