// Package main is the entry point for the trackbot CLI.
//
// Usage:
//
//	trackbot serve -c config.yaml    # Run the tracker
//	trackbot validate -c config.yaml # Validate configuration
//	trackbot version                 # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set at build time via -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "trackbot",
	Short: "Polls an upstream API for subscribed entities and notifies chats",
	Long: `trackbot keeps a set of (entity, mode) subscriptions, each with one or
more chat channels, and polls the upstream API for new items so every
subscription is visited about once per tracking interval.

Quick start:
  1. Create a config file (see config.example.yaml)
  2. Run: trackbot serve -c config.yaml`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("trackbot %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
