// Package cmd implements the CLI commands for streamcore.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thomasbambino/streamcore/internal/config"
	"github.com/thomasbambino/streamcore/internal/observability"
	"github.com/thomasbambino/streamcore/internal/version"
)

// cfgFile holds the config file path from the --config flag.
var cfgFile string

// loadedCfg and loadErr hold the result of the single config load shared
// by all commands. Load errors surface in the command that needs the
// config rather than at bootstrap, so `config validate` can report them.
var (
	loadedCfg *config.Config
	loadErr   error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "streamcore",
	Short:   "IPTV session metering and transcode supervision service",
	Version: version.Short(),
	Long: `streamcore meters concurrent playback sessions against upstream
provider connection caps and supervises the ffmpeg processes that turn
upstream streams into segmented HLS output.

It exposes an HTTP API for session acquire/heartbeat/release, per-source
capacity snapshots, and on-demand channel transcodes, and serves the
resulting playlists and segments directly.`,
	// PersistentPreRunE is set in init() to avoid initialization cycle
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	// Set PersistentPreRunE here to avoid initialization cycle
	// (initLogging references rootCmd.PersistentFlags)
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// Global flags
	// Note: These flags are NOT bound to viper. Instead, we check if they were
	// explicitly set using Changed() and only then override the config/env values.
	// This preserves the correct priority: CLI flag > env var > config > default
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/streamcore, $HOME/.streamcore)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initConfig loads configuration once per invocation. config.Load owns
// the defaults, search paths, STREAMCORE_ environment overrides, decode
// hooks, and validation.
func initConfig() {
	loadedCfg, loadErr = config.Load(cfgFile)
}

// loadedConfig returns the shared config load result.
func loadedConfig() (*config.Config, error) {
	if loadErr != nil {
		return nil, fmt.Errorf("loading config: %w", loadErr)
	}
	return loadedCfg, nil
}

// initLogging configures the default slog logger based on configuration.
// Uses the observability package so sensitive data redaction is applied.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format) - only if explicitly provided
//  2. Environment variables (STREAMCORE_LOGGING_LEVEL, STREAMCORE_LOGGING_FORMAT)
//  3. Config file values
//  4. Built-in defaults (info, json)
func initLogging() error {
	// config.Load already resolved env > config > default. A failed load
	// still gets a usable logger so the failure itself is reportable.
	logCfg := config.LoggingConfig{Level: "info", Format: "json"}
	if loadedCfg != nil {
		logCfg = loadedCfg.Logging
	}

	// Override with CLI flags only if explicitly set by user.
	// We don't bind flags to viper because viper's flag layer would always
	// override env/config, even when using the flag's default value.
	if rootCmd.PersistentFlags().Changed("log-level") {
		logCfg.Level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		logCfg.Format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}

	logCfg.Level = strings.ToLower(logCfg.Level)
	logCfg.Format = strings.ToLower(logCfg.Format)

	// Handle "warning" as an alias for "warn"
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}

	logger := observability.NewLogger(logCfg, os.Stderr)
	observability.SetDefault(logger)

	return nil
}
