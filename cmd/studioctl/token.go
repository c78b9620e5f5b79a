package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bizmatters/agent-builder/app-studio/internal/auth"
)

var (
	tokenUsername string
	tokenTTL      time.Duration
	tokenIssuer   string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a gateway access token for local development",
	Long: `token signs an HS256 access token with JWT_SECRET for the --user id.
Use it against a local gateway; production tokens come from the identity provider.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := os.Getenv("JWT_SECRET")
		if secret == "" {
			return errors.New("JWT_SECRET must be set")
		}
		jm, err := auth.NewJWTManager(secret)
		if err != nil {
			return err
		}
		if tokenIssuer != "" {
			jm = jm.WithIssuer(tokenIssuer)
		}

		token, err := jm.GenerateToken(cmd.Context(), userID, tokenUsername, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenUsername, "username", "", "Username claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	tokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "", "Issuer claim")
}
