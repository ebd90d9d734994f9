package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sbn-survey/cs-harvester/internal/config"
)

var (
	// Global flags
	logLevel   string
	logFormat  string
	sourcesDir string
	logPath    string

	// rootCmd represents the base command when called without any subcommands
	rootCmd = &cobra.Command{
		Use:   "harvester",
		Short: "CATCH-SIS harvester - incremental survey metadata harvesting",
		Long: `The CATCH-SIS harvester reads validated survey collections from a source's
validation ledger, resolves each collection's authoritative label on archive
storage, and harvests new observational metadata into a downstream catalog.

Runs are incremental: each run resumes from the watermark recorded by the
last successful run for the same target and source. The harvest log holds
the watermark and doubles as the cross-process run lock.`,
	}
)

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	// Global flags available to all subcommands
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error) (default: info)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, console) (default: console)")
	rootCmd.PersistentFlags().StringVar(&sourcesDir, "sources-dir", "", "source config directory (default: configs/sources)")
	rootCmd.PersistentFlags().StringVar(&logPath, "harvest-log", "", "harvest log file (default: harvest-log.csv)")
}

// loadConfig builds the run configuration from the environment with global
// flag overrides applied.
func loadConfig() config.Config {
	cfg := config.Load()
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if sourcesDir != "" {
		cfg.SourcesDir = sourcesDir
	}
	if logPath != "" {
		cfg.HarvestLog = logPath
	}
	return cfg
}

func newLogger(cfg config.Config) (zerolog.Logger, error) {
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return logger, fmt.Errorf("configuring logging: %w", err)
	}
	return logger, nil
}
