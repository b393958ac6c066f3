package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sevigo/invoice-relay/internal/core"
)

// DuplicateReason is the ignore reason recorded for already-applied events.
const DuplicateReason = "duplicate"

type idempotent struct {
	next   core.Handler
	ledger core.IdempotencyLedger
	logger *slog.Logger
}

// Idempotent skips jobs whose (source, idempotency key) was already applied
// and records the key after a successful run. Jobs without a key always run.
func Idempotent(next core.Handler, ledger core.IdempotencyLedger, logger *slog.Logger) core.Handler {
	if ledger == nil {
		return next
	}
	return &idempotent{next: next, ledger: ledger, logger: logger}
}

func (h *idempotent) Handle(ctx context.Context, job *core.Job) (core.Result, error) {
	if job.IdempotencyKey == "" {
		return h.next.Handle(ctx, job)
	}

	seen, err := h.ledger.Seen(ctx, job.Source, job.IdempotencyKey)
	if err != nil {
		return core.Result{}, fmt.Errorf("check idempotency ledger: %w", err)
	}
	if seen {
		h.logger.Info("skipping already applied event", "job_id", job.ID, "source", job.Source, "key", job.IdempotencyKey)
		return core.Ignored(DuplicateReason), nil
	}

	res, err := h.next.Handle(ctx, job)
	if err != nil || res.Status != core.StatusCompleted {
		return res, err
	}
	if err := h.ledger.Remember(ctx, job.Source, job.IdempotencyKey, job.ID); err != nil {
		// The side effect happened; a redelivery may repeat it, nothing more.
		h.logger.Error("failed to record applied event", "job_id", job.ID, "key", job.IdempotencyKey, "error", err)
	}
	return res, nil
}
