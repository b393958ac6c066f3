package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sevigo/invoice-relay/internal/core"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [job-id]",
	Short: "Re-check the stored signature of an inbound job",
	Long: `Re-run signature verification against the raw body and headers stored with a
job. Useful after a secret rotation or when investigating a suspicious event.
The replay window is not applied to stored jobs.`,
	Args: cobra.ExactArgs(1),
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
		if job.Source == core.SourceRegulatoryAuthority {
			return fmt.Errorf("job %s is an outbound filing and carries no signature", job.ID)
		}

		if err := a.Verifier.VerifyStored(job.Source, job.RawPayload, job.HeaderMap()); err != nil {
			errorColor.Printf("signature invalid for %s (%s): %v\n", job.ID, job.Source, err)
			return err
		}
		successColor.Printf("signature valid for %s (%s)\n", job.ID, job.Source)
		return nil
	},
}

func init() { //nolint:gochecknoinits // Cobra command registration
	rootCmd.AddCommand(verifyCmd)
}
