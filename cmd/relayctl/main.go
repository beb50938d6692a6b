package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "relayctl",
		Short:         "Control the detection relay server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("server", envOr("RELAY_SERVER", defaultServer), "relay server base URL")
	rootCmd.PersistentFlags().Duration("timeout", defaultTimeout, "request timeout")

	rootCmd.AddCommand(newHealthCmd())
	rootCmd.AddCommand(newModelCmd())
	rootCmd.AddCommand(newStreamCmd())
	rootCmd.AddCommand(newSessionCmd())
	rootCmd.AddCommand(newRecordsCmd())

	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
