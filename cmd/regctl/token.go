package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jmerrifield20/veriregistry/internal/identity"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	tokenSubject string
	tokenIssuer  string
	tokenTTL     time.Duration
	tokenScopes  []string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an operator token from the shared signing secret",
	Long: `token signs an operator JWT with the registry's auth.token_secret, read
from $REGISTRY_AUTH_TOKEN_SECRET or the token_secret config key.

  export REGISTRY_TOKEN=$(regctl token --subject alice)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := os.Getenv("REGISTRY_AUTH_TOKEN_SECRET")
		if secret == "" {
			secret = viper.GetString("token_secret")
		}
		if secret == "" {
			return fmt.Errorf("no signing secret: set REGISTRY_AUTH_TOKEN_SECRET")
		}

		issuer, err := identity.NewTokenIssuer([]byte(secret), tokenIssuer, tokenTTL)
		if err != nil {
			return err
		}
		tok, err := issuer.Issue(tokenSubject, tokenScopes)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "operator name recorded as the actor of mutations")
	tokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "veriregistry", "token issuer (must match auth.token_issuer)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", []string{identity.ScopeWrite}, "scopes to grant")

	_ = tokenCmd.MarkFlagRequired("subject")
}
