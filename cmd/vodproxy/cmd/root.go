// Package cmd implements the CLI commands for vodproxy.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/vodproxy/internal/config"
	"github.com/jmylchreest/vodproxy/internal/observability"
	"github.com/jmylchreest/vodproxy/internal/version"
)

// cfgFile holds the config file path from CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "vodproxy",
	Short:   "Video-on-demand ingestion and signed streaming proxy",
	Version: version.Short(),
	Long: `vodproxy ingests uploaded videos into adaptive HLS renditions and serves
them to authenticated viewers through a signed-URL streaming proxy.

Media is stored in a Jellyfin server or a plain library directory; the
catalog, genres and ingestion records live in a SQL database.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Global flags
	// These are not bound to viper. They only override the loaded config when
	// explicitly set, which keeps the priority CLI flag > env var > config > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml, /etc/vodproxy)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// loadConfig reads and validates configuration, then installs the default
// logger built from it.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, initLogging(cfg.Logging), nil
}

// initLogging configures the slog logger. Uses the observability package so
// sensitive data redaction is applied.
func initLogging(logCfg config.LoggingConfig) *slog.Logger {
	if rootCmd.PersistentFlags().Changed("log-level") {
		logCfg.Level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		logCfg.Format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}

	logCfg.Level = strings.ToLower(logCfg.Level)
	logCfg.Format = strings.ToLower(logCfg.Format)
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr)
	logger = observability.WithApp(logger, version.ApplicationName)
	observability.SetDefault(logger)
	observability.SetRequestLogging(logCfg.RequestLogging)
	return logger
}
