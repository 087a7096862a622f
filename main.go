package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/james-iacabucci/formedfor-operations-sub001/config"
)

var rootCmd = &cobra.Command{
	Use:   "taskorder",
	Short: "Keeps board tasks in a user defined order",
	Long: `taskorder serves the task ordering API.

Tasks are ordered within scopes (status columns, parent records or assignees)
by sparse integer keys. Moving a task computes a new key between its
neighbours and shifts a minimal run of keys when they are adjacent.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, initStorageCmd, respaceCmd, relayCmd, tokenCmd)
}

// configureLogging applies DEBUG and LOG_FORMAT to logger.
func configureLogging(logger *log.Logger, cfg *config.Config) {
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
}

// loadConfig reads and validates the configuration and sets up the
// package logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	configureLogging(log.StandardLogger(), cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
