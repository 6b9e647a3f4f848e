package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jmerrifield20/veriregistry/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	registryURL string
	cfgFile     string
	authToken   string
	outputJSON  bool
	retries     uint64
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "regctl",
	Short: "veriregistry operator and auditor CLI",
	Long: `regctl manages permission grants on a veriregistry server and
verifies inclusion proofs, online or fully offline against a trusted root.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.regctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.BindEnv("token", "REGISTRY_TOKEN")
		_ = viper.ReadInConfig()

		if registryURL == "" {
			registryURL = viper.GetString("registry_url")
		}
		if registryURL == "" {
			registryURL = "http://localhost:8080"
		}
		if authToken == "" {
			authToken = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.regctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&registryURL, "registry", "", "registry base URL (default $REGISTRY_URL or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "operator bearer token (default $REGISTRY_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print raw JSON instead of text")
	rootCmd.PersistentFlags().Uint64Var(&retries, "retries", 3, "retries for read requests")

	rootCmd.AddCommand(rootHashCmd, statsCmd, getCmd, validateCmd, listCmd, proofCmd, verifyCmd)
	rootCmd.AddCommand(grantCmd, revokeCmd, suspendCmd, restoreCmd, removeCmd)
	rootCmd.AddCommand(tokenCmd, versionCmd)
}

func newClient() (*client.Client, error) {
	opts := []client.Option{client.WithRetries(retries, 200*time.Millisecond)}
	if authToken != "" {
		opts = append(opts, client.WithBearerToken(authToken))
	}
	return client.New(registryURL, opts...)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the regctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "regctl %s\n", version)
	},
}
