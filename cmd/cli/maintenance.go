package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sevigo/invoice-relay/internal/config"
)

var olderThan time.Duration

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete terminal jobs past the retention window",
	Long: `Delete completed, ignored and dead-lettered jobs that finished longer ago than
--older-than (default: retention.keep_for), together with old rejection audits.
Pending and processing jobs are never touched.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx := context.Background()

		a, cleanup, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		window := olderThan
		if window <= 0 {
			window = a.Config().Retention.KeepFor
		}
		n, err := a.Store.PruneTerminal(ctx, window)
		if err != nil {
			return fmt.Errorf("failed to prune jobs: %w", err)
		}
		successColor.Printf("pruned %d jobs older than %s\n", n, window)
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Send jobs stuck in processing back through the failure path",
	Long: `Jobs whose worker died mid-run stay in processing. recover treats every job
processing for longer than --older-than (default: worker.stale_after) as a
failed attempt: it is re-armed with backoff or dead-lettered when out of attempts.
Running workers do the same periodically.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx := context.Background()

		a, cleanup, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		window := olderThan
		if window <= 0 {
			window = a.Config().Worker.StaleAfter
		}
		n, err := a.Store.RecoverStale(ctx, window)
		if err != nil {
			return fmt.Errorf("failed to recover stale jobs: %w", err)
		}
		if n == 0 {
			successColor.Println("no stale jobs")
			return nil
		}
		warnColor.Printf("recovered %d stale jobs\n", n)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register-integration [source] [external-account-id] [tenant-id]",
	Short: "Route a provider account's webhooks to a tenant",
	Args:  cobra.ExactArgs(3),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx := context.Background()

		a, cleanup, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		source, account, tenant := config.CanonicalSource(args[0]), args[1], args[2]
		if _, ok := a.Config().Sources.Get(source); !ok {
			return fmt.Errorf("source %q is not configured", source)
		}
		if err := a.Store.RegisterIntegration(ctx, source, account, tenant); err != nil {
			return fmt.Errorf("failed to register integration: %w", err)
		}
		successColor.Printf("%s account %s now routes to tenant %s\n", source, account, tenant)
		return nil
	},
}

func init() { //nolint:gochecknoinits // Cobra command registration
	pruneCmd.Flags().DurationVar(&olderThan, "older-than", 0, "Age threshold (e.g. 720h)")
	recoverCmd.Flags().DurationVar(&olderThan, "older-than", 0, "Processing age threshold (e.g. 15m)")
	rootCmd.AddCommand(pruneCmd, recoverCmd, registerCmd)
}
