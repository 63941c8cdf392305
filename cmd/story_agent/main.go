// Package main provides the story_agent command: the ingestion API server and
// its operational subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jonathan/story-ingest/internal/config"
	"github.com/jonathan/story-ingest/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "story_agent",
	Short: "Story ingestion pipeline",
	Long: "story_agent turns external article URLs into structured, source-attributed story drafts " +
		"through a fetch, extract and generate job pipeline.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML, JSON or TOML config file")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the logger shared by every subcommand.
func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return cfg, log, nil
}
