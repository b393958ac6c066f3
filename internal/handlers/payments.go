package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sevigo/invoice-relay/internal/core"
)

var paymentKinds = map[string]bool{
	"invoice.paid":             true,
	"payment_intent.succeeded": true,
	"charge.refunded":          true,
}

// Payments forwards settled payments and refunds to the invoice ledger.
type Payments struct {
	sink   core.Sink
	logger *slog.Logger
}

func NewPayments(sink core.Sink, logger *slog.Logger) *Payments {
	return &Payments{sink: sink, logger: logger}
}

func (h *Payments) Handle(ctx context.Context, job *core.Job) (core.Result, error) {
	if !paymentKinds[job.Kind] {
		return core.Ignored(fmt.Sprintf("unsupported event type %q", job.Kind)), nil
	}
	if err := h.sink.Apply(ctx, eventFor(job, nil)); err != nil {
		return core.Result{}, fmt.Errorf("apply %s: %w", job.Kind, err)
	}
	h.logger.Debug("payment event applied", "job_id", job.ID, "kind", job.Kind)
	return core.Completed(nil), nil
}
