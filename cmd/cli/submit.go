package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sevigo/invoice-relay/internal/filing"
)

var (
	submitTenant  string
	submitDocID   string
	submitDocType string
	submitFile    string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a document for filing with the tax authority",
	Long: `Queue a document for filing. The job is picked up by a worker like any
other; use "relay-cli job <id>" to follow it.

Examples:
  relay-cli submit --tenant t-42 --type invoice --id INV-2026-001 --file invoice.json`,
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx := context.Background()

		doc, err := os.ReadFile(submitFile)
		if err != nil {
			return fmt.Errorf("failed to read document: %w", err)
		}

		a, cleanup, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		job, err := a.Filing.Submit(ctx, filing.Request{
			TenantID:     submitTenant,
			DocumentID:   submitDocID,
			DocumentType: submitDocType,
			Document:     doc,
		})
		if err != nil {
			return err
		}
		a.Dispatcher.Wait()

		successColor.Printf("queued %s ", job.ID)
		dimColor.Printf("(priority %s, %d attempts)\n", job.Priority, job.MaxAttempts)
		return nil
	},
}

func init() { //nolint:gochecknoinits // Cobra command registration
	submitCmd.Flags().StringVar(&submitTenant, "tenant", "", "Tenant id")
	submitCmd.Flags().StringVar(&submitDocID, "id", "", "Document id")
	submitCmd.Flags().StringVar(&submitDocType, "type", "invoice", "Document type")
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "JSON document to file")
	for _, f := range []string{"tenant", "id", "file"} {
		_ = submitCmd.MarkFlagRequired(f)
	}
	rootCmd.AddCommand(submitCmd)
}
