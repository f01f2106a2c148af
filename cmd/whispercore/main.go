// Whispercore turns journal entries into short reflections, a weight and
// tags, served over HTTP or consumed from a NATS queue.
//
// Configuration is read from ~/.config/whispercore/config.yaml (or --config)
// and WHISPERCORE_-prefixed environment variables.
//
// Usage:
//
//	# Start the HTTP API
//	whispercore serve
//
//	# Consume submissions from NATS
//	WHISPERCORE_NATS_URL=nats://queue:4222 whispercore worker
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/whispercore/internal/config"
	"github.com/fyrsmithlabs/whispercore/internal/logging"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	logLevel   string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "whispercore",
	Short: "Journal reflection service",
	Long: `whispercore sends journal entries to a local language model and returns
a short reflection, an emotional weight from 0 to 10 and a few tags.

Entries submitted as memories are encrypted per user and stored in SQLite.`,
	Version:      version,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/whispercore/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (trace, debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(importLegacyCmd)
	rootCmd.AddCommand(migrateKeysCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		printVersion(cmd.OutOrStdout())
	},
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "whispercore by Fyrsmith Labs\n")
	fmt.Fprintf(w, "Version:    %s\n", version)
	fmt.Fprintf(w, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(w, "Build Date: %s\n", buildDate)
}

// loadConfig reads the main config plus the logging section.
func loadConfig() (*config.Config, *logging.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logCfg := logging.NewDefaultConfig()
	if err := cfg.Unmarshal("logging", logCfg); err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		lvl, err := logging.LevelFromString(logLevel)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid --log-level: %w", err)
		}
		logCfg.Level = logging.Level(lvl)
	}
	return cfg, logCfg, nil
}

// initLogger builds the process logger. The OTEL core stays off until a
// log provider is wired; traces and metrics carry the correlation.
func initLogger(logCfg *logging.Config) (*logging.Logger, error) {
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
