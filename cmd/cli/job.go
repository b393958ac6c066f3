package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sevigo/invoice-relay/internal/core"
)

var jobCmd = &cobra.Command{
	Use:   "job [job-id]",
	Short: "Show one job with its retry state and result",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx := context.Background()

		a, cleanup, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		job, err := a.Store.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to load job %s: %w", args[0], err)
		}

		if outputJSON {
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(job)
		}
		printJob(job)
		return nil
	},
}

func printJob(job *core.Job) {
	boldColor.Printf("%s ", job.ID)
	printStatusBadge(job.Status)
	fmt.Println()

	dimColor.Printf("   source:   %s / %s\n", job.Source, job.Kind)
	dimColor.Printf("   tenant:   %s\n", job.TenantID)
	dimColor.Printf("   priority: %s\n", job.Priority)
	dimColor.Printf("   attempts: %d/%d\n", job.Attempts, job.MaxAttempts)
	dimColor.Printf("   created:  %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.NextEligibleAt != nil {
		dimColor.Printf("   next try: %s\n", job.NextEligibleAt.Format(time.RFC3339))
	}
	if job.DurationMS != nil {
		dimColor.Printf("   took:     %dms\n", *job.DurationMS)
	}
	if job.LastError != nil {
		errorColor.Printf("   error:    %s\n", *job.LastError)
	}
	if len(job.Result) > 0 {
		fmt.Printf("   result:   %s\n", job.Result)
	}
}

func printStatusBadge(s core.Status) {
	switch s {
	case core.StatusCompleted:
		successColor.Printf("[%s]", s)
	case core.StatusFailed:
		errorColor.Printf("[%s]", s)
	case core.StatusProcessing:
		warnColor.Printf("[%s]", s)
	default:
		dimColor.Printf("[%s]", s)
	}
}

func init() { //nolint:gochecknoinits // Cobra command registration
	rootCmd.AddCommand(jobCmd)
}
