package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"broker/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the broker version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "broker %s (storage: %s)\n", cfg.Version, cfg.StorageDriver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
