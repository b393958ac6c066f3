// Package handlers holds the per-source job handlers run by the worker pool.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sevigo/invoice-relay/internal/authority"
	"github.com/sevigo/invoice-relay/internal/config"
	"github.com/sevigo/invoice-relay/internal/core"
)

// Handler families a source can select with its `handler` key.
const (
	FamilyPayments   = "payments"
	FamilyAccounting = "accounting"
	FamilyMessaging  = "messaging"
	FamilySubmission = "submission"
)

// Submitter files documents with the tax authority.
type Submitter interface {
	Submit(ctx context.Context, s authority.Submission) (*authority.Receipt, error)
}

// Deps are the collaborators handlers call into.
type Deps struct {
	Sink      core.Sink
	Ledger    core.IdempotencyLedger
	Provider  ResourceFetcher
	Authority Submitter
	Logger    *slog.Logger
}

// ForSources builds the source -> handler table. Every handler is wrapped
// with the idempotency check.
func ForSources(sources *config.Sources, deps Deps) (map[string]core.Handler, error) {
	table := make(map[string]core.Handler, sources.Len())
	for _, name := range sources.Names() {
		sc, _ := sources.Get(name)

		var h core.Handler
		switch sc.Handler {
		case FamilyPayments:
			h = NewPayments(deps.Sink, deps.Logger)
		case FamilyAccounting:
			if deps.Provider == nil {
				return nil, fmt.Errorf("source %q needs a provider client", name)
			}
			h = NewAccounting(deps.Provider, deps.Sink, deps.Logger)
		case FamilyMessaging:
			h = NewMessaging(deps.Sink, deps.Logger)
		case FamilySubmission:
			if deps.Authority == nil {
				return nil, fmt.Errorf("source %q needs an authority client", name)
			}
			h = NewSubmission(deps.Authority, deps.Logger)
		case "":
			deps.Logger.Warn("source has no handler; its jobs will dead-letter", "source", name)
			continue
		default:
			return nil, fmt.Errorf("source %q has unknown handler %q", name, sc.Handler)
		}
		table[name] = Idempotent(h, deps.Ledger, deps.Logger)
	}
	return table, nil
}

func eventFor(job *core.Job, document json.RawMessage) core.Event {
	if document == nil {
		document = json.RawMessage(job.Payload)
	}
	return core.Event{
		TenantID:      job.TenantID,
		Source:        job.Source,
		Kind:          job.Kind,
		EventID:       job.IdempotencyKey,
		CorrelationID: job.CorrelationID,
		Document:      document,
		ReceivedAt:    job.CreatedAt,
	}
}

// LogSink records applied events in the log. It stands in for the invoicing
// platform when the relay runs on its own.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Apply never fails.
func (s *LogSink) Apply(_ context.Context, e core.Event) error {
	s.logger.Info("event applied",
		"tenant_id", e.TenantID,
		"source", e.Source,
		"kind", e.Kind,
		"event_id", e.EventID,
		"bytes", len(e.Document),
	)
	return nil
}
