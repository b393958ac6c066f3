package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sevigo/invoice-relay/internal/app"
	"github.com/sevigo/invoice-relay/internal/wire"
)

var (
	sourcesFile string
	outputJSON  bool
)

// Color definitions
var (
	titleColor   = color.New(color.FgCyan, color.Bold)
	successColor = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed)
	dimColor     = color.New(color.FgHiBlack)
	boldColor    = color.New(color.Bold)
)

var rootCmd = &cobra.Command{
	Use:   "relay-cli",
	Short: "relay-cli is the command-line interface for invoice-relay.",
	Long: `A CLI for operating the invoice-relay pipeline: running dedicated workers,
inspecting the job ledger, queueing filings and maintaining the job table.`,
	SilenceUsage: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if sourcesFile != "" {
			return os.Setenv("RELAY_SOURCES_FILE", sourcesFile)
		}
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	rootCmd.PersistentFlags().StringVarP(&sourcesFile, "sources", "s", "", "Path to the per-source configuration (overrides sources_file)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Print machine-readable JSON")
}

// initApp builds the application with the same wiring as the server.
func initApp(ctx context.Context) (*app.App, func(), error) {
	a, cleanup, err := wire.InitializeApp(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize app services: %w\n\nTip: Check that config.yaml and the sources file exist and are valid", err)
	}
	return a, cleanup, nil
}
