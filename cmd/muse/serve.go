package main

import (
	"context"

	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Muse dashboard API",
	Long:  "Start the dashboard API that streams drafts, tracks background jobs and relays panel events.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := loadApp()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		app.Config().Server.Addr = serveAddr
	}

	ctx, stop := signalContext(context.Background())
	defer stop()
	return app.Start(ctx)
}
