package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "broker",
	Short: "Durable topic/subscription event broker",
	Long: `broker stores published events per topic and hands them to subscription
consumers through leased deliveries.

Available commands:
  serve      Run the HTTP API
  e2e        Publish and consume a batch of ordered events against the configured storage
  version    Print the version

Configuration is read from the environment (STORAGE_DRIVER, MYSQL_DSN,
COUCHBASE_CONNECTION_STRING, HTTP_PORT, ...).`,
	SilenceUsage: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
