package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a dedicated worker process",
	Long: `Run the worker pool without the HTTP server. Any number of worker processes
can run against the same database; the claim keeps them from sharing a job.
SIGINT or SIGTERM lets started jobs finish and releases the rest.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		a, cleanup, err := initApp(context.Background())
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg := a.Config().Worker
		titleColor.Println("invoice-relay worker")
		dimColor.Printf("   workers=%d batch=%d poll=%s timeout=%s\n\n", cfg.Workers, cfg.BatchSize, cfg.PollInterval, cfg.JobTimeout)

		if err := a.RunWorkers(ctx); err != nil {
			return err
		}
		successColor.Println("worker stopped")
		return nil
	},
}

func init() { //nolint:gochecknoinits // Cobra command registration
	rootCmd.AddCommand(workerCmd)
}
