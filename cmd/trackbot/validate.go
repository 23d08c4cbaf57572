package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"trackbot/internal/app"
	"trackbot/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a trackbot configuration file without starting anything.

Storage and the upstream API are not contacted.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  trackbot validate -c config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	b, err := os.ReadFile(configFile)
	if err != nil {
		return err
	}
	cfg, err := config.Decode(configFile, b)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := app.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	driver := "none"
	if cfg.Storage != nil && cfg.Storage.Driver != "" {
		driver = cfg.Storage.Driver
	}
	fmt.Printf("Config is valid!\n")
	fmt.Printf("  Upstream:  %s\n", cfg.Upstream.BaseURL)
	fmt.Printf("  Storage:   %s\n", driver)
	fmt.Printf("  Telegram:  %t\n", cfg.Telegram.Token != "")
	fmt.Printf("  HTTP API:  %t\n", cfg.HTTP.Enabled)
	return nil
}
