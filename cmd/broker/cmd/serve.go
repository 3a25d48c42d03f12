package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"broker/internal/transport/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker HTTP API",
	Long: `Run the HTTP API for topics, subscriptions, publishing and consuming,
plus the metrics server, until SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		api, err := httpapi.NewServer(a.cfg.HTTP, a.publisher, a.consumer, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create api server: %w", err)
		}

		g, gctx := errgroup.WithContext(ctx)
		a.background(gctx, g)
		g.Go(func() error {
			return api.Start(gctx)
		})

		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
