package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sevigo/invoice-relay/internal/authority"
	"github.com/sevigo/invoice-relay/internal/core"
)

// FilingPayload is the job payload of a regulatory submission.
type FilingPayload struct {
	DocumentID   string          `json:"document_id"`
	DocumentType string          `json:"document_type"`
	Document     json.RawMessage `json:"document"`
}

// Submission files documents with the tax authority. Accepted filings record
// the reference number and the authority's response; rejections surface as
// permanent errors carrying the validation errors.
type Submission struct {
	authority Submitter
	logger    *slog.Logger
}

func NewSubmission(authority Submitter, logger *slog.Logger) *Submission {
	return &Submission{authority: authority, logger: logger}
}

func (h *Submission) Handle(ctx context.Context, job *core.Job) (core.Result, error) {
	var p FilingPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return core.Result{}, core.Permanent("malformed filing payload", err)
	}
	if p.DocumentID == "" || p.DocumentType == "" || len(p.Document) == 0 {
		return core.Result{}, core.Permanent("filing payload is missing document fields", nil)
	}

	receipt, err := h.authority.Submit(ctx, authority.Submission{
		TenantID:       job.TenantID,
		DocumentID:     p.DocumentID,
		DocumentType:   p.DocumentType,
		Document:       p.Document,
		IdempotencyKey: job.IdempotencyKey,
	})
	if err != nil {
		h.logger.Warn("authority submission failed",
			"job_id", job.ID,
			"tenant_id", job.TenantID,
			"document_id", p.DocumentID,
			"attempt", job.Attempts,
			"terminal", core.IsTerminal(err),
			"error", err,
		)
		return core.Result{}, fmt.Errorf("submit %s %s: %w", p.DocumentType, p.DocumentID, err)
	}

	return core.Completed(map[string]any{
		"reference_number":   receipt.ReferenceNumber,
		"authority_status":   receipt.Status,
		"authority_response": receipt.Response,
	}), nil
}
