// Package handler provides HTTP handlers for the invoice-relay service.
package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sevigo/invoice-relay/internal/core"
	"github.com/sevigo/invoice-relay/internal/ingest"
)

// Ingester is the intake service behind the webhook endpoint.
type Ingester interface {
	Ingest(ctx context.Context, d ingest.Delivery) (ingest.Receipt, error)
}

// WebhookHandler accepts provider webhooks on /webhooks/{source}.
type WebhookHandler struct {
	ingester Ingester
	timeout  time.Duration
	maxBody  int64
	logger   *slog.Logger
}

// NewWebhookHandler creates a webhook handler. Every request is bounded by
// timeout and bodies larger than maxBody are refused.
func NewWebhookHandler(ingester Ingester, timeout time.Duration, maxBody int64, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{ingester: ingester, timeout: timeout, maxBody: maxBody, logger: logger}
}

type receiptResponse struct {
	ReceiptID  string   `json:"receipt_id,omitempty"`
	ReceiptIDs []string `json:"receipt_ids,omitempty"`
}

// Handle acknowledges a delivery once it is durably stored. The response
// carries only receipt ids; processing happens later. Batched deliveries
// list one receipt per event.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.logger.Warn("could not read webhook body", "source", source, "error", err)
		http.Error(w, "Could not read body", http.StatusBadRequest)
		return
	}

	receipt, err := h.ingester.Ingest(ctx, ingest.Delivery{
		Source:     source,
		Body:       body,
		Headers:    r.Header,
		RemoteAddr: r.RemoteAddr,
	})
	switch {
	case errors.Is(err, core.ErrUnknownSource):
		http.Error(w, "Unknown source", http.StatusNotFound)
		return
	case errors.Is(err, ingest.ErrUnauthenticated):
		h.logger.Warn("rejected webhook with invalid signature", "source", source, "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	case err != nil:
		h.logger.Error("failed to accept webhook", "source", source, "error", err)
		http.Error(w, "Failed to accept delivery", http.StatusServiceUnavailable)
		return
	}

	resp := receiptResponse{ReceiptID: receipt.JobID}
	if len(receipt.JobIDs) > 1 {
		resp.ReceiptIDs = receipt.JobIDs
	}
	writeJSON(w, http.StatusOK, resp, h.logger)
}
