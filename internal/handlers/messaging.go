package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sevigo/invoice-relay/internal/core"
)

var messagingKinds = map[string]bool{
	"messages":             true,
	"message.status":       true,
	"message_status":       true,
	"statuses":             true,
	"account_update":       true,
	"account.disconnected": true,
}

// Messaging forwards delivery receipts for invoice messages and channel
// disconnects to the messaging inbox.
type Messaging struct {
	sink   core.Sink
	logger *slog.Logger
}

func NewMessaging(sink core.Sink, logger *slog.Logger) *Messaging {
	return &Messaging{sink: sink, logger: logger}
}

func (h *Messaging) Handle(ctx context.Context, job *core.Job) (core.Result, error) {
	if !messagingKinds[job.Kind] {
		return core.Ignored(fmt.Sprintf("unsupported event type %q", job.Kind)), nil
	}
	if err := h.sink.Apply(ctx, eventFor(job, nil)); err != nil {
		return core.Result{}, fmt.Errorf("apply %s: %w", job.Kind, err)
	}
	if job.Kind == "account.disconnected" || job.Kind == "account_update" {
		h.logger.Warn("messaging account changed", "job_id", job.ID, "tenant_id", job.TenantID, "kind", job.Kind)
	}
	return core.Completed(nil), nil
}
