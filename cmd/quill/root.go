package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"quill/internal/config"
	"quill/internal/logging"
)

var (
	logLevel  string
	prettyLog bool
)

var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "Quill - collaborative plain-text editing",
	Long: `Quill keeps one plain-text document in sync between many editors. Every
character carries a dense, totally ordered identifier, so concurrent edits
converge without locking; a coordinator relays operations and hands out
snapshots to replicas that (re)connect.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides log.level)")
	rootCmd.PersistentFlags().BoolVar(&prettyLog, "pretty", false, "Human readable logs")
}

// setup loads the settings for the working directory and builds the
// logger every command hands to its components.
func setup() (*config.Settings, zerolog.Logger, error) {
	settings, err := config.Load(".")
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if logLevel != "" {
		settings.LogLevel = logLevel
	}
	if prettyLog {
		settings.LogPretty = true
	}
	log, err := logging.New(os.Stderr, settings.LogLevel, settings.LogPretty)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	return settings, log, nil
}

// Execute runs the CLI
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
