package main

import (
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	outputFmt string
	certFile  string
	keyFile   string
	insecure  bool
	token     string
	timeout   time.Duration

	out io.Writer = os.Stdout
)

var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "CLI for a relay server",
	Long: `relayctl submits federated queries to a relay server, inspects their
progress and manages the relay's configuration.

Peer relays and users are identified by their client certificate; pass
--cert and --key when the server listens with TLS.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("RELAY_SERVER", "http://localhost:8000"), "Relay server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&certFile, "cert", "", "Client certificate (PEM)")
	rootCmd.PersistentFlags().StringVar(&keyFile, "key", "", "Client private key (PEM)")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "Skip server certificate verification")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("RELAY_TOKEN"), "Operator bearer token for admin commands")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Request timeout")

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(requestsCmd)
	rootCmd.AddCommand(entitiesCmd)
	rootCmd.AddCommand(healthCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
