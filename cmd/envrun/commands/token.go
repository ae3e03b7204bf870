package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/envrun/pkg/api"
	"github.com/openfroyo/envrun/pkg/engine"
)

func newTokenCommand() *cobra.Command {
	var (
		user string
		team string
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token",
		Long: `Sign an HS256 bearer token with server.jwt_secret for the given user.

The token subject becomes the acting user on runs and audit entries; the
team claim becomes the actor's team.`,
		Example: `  # Token for alice valid for a day
  envrun token --user alice --team platform --ttl 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			auth := api.NewAuthenticator(cfg.Server.JWTSecret, cfg.Server.JWTIssuer)
			token, expires, err := auth.IssueToken(engine.Actor{UserID: user, TeamID: team}, ttl)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{"token": token, "expires_at": expires})
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "user id (token subject)")
	cmd.Flags().StringVar(&team, "team", "", "team id claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}
