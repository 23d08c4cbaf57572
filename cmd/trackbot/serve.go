package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"trackbot/internal/app"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tracker",
	Long: `Load the configuration, restore persisted subscriptions and start
polling. The config file is watched and hot-reloadable sections are applied
without a restart.

The process runs until interrupted (Ctrl+C) or it receives SIGTERM.

Example:
  trackbot serve -c config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "./config.yaml", "path to config file (JSON or YAML)")
}

func runServe(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, configFile)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	fatal := a.Err()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError && fatal != nil {
		return fmt.Errorf("fatal: %w", fatal)
	}
	return nil
}
