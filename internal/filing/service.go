// Package filing is the entry point for outbound regulatory submissions.
// A filing request becomes a job for the regulatory-authority source; the
// submission handler does the actual call.
package filing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sevigo/invoice-relay/internal/config"
	"github.com/sevigo/invoice-relay/internal/core"
	"github.com/sevigo/invoice-relay/internal/dispatch"
	"github.com/sevigo/invoice-relay/internal/handlers"
)

// ErrInvalidRequest wraps validation failures of a filing request.
var ErrInvalidRequest = errors.New("invalid filing request")

// Request asks for one document to be filed.
type Request struct {
	TenantID     string          `json:"tenant_id"`
	DocumentID   string          `json:"document_id"`
	DocumentType string          `json:"document_type"`
	Document     json.RawMessage `json:"document"`
}

// Validate checks the fields every filing needs.
func (r Request) Validate() error {
	var missing []string
	if r.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if r.DocumentID == "" {
		missing = append(missing, "document_id")
	}
	if r.DocumentType == "" {
		missing = append(missing, "document_type")
	}
	if len(r.Document) == 0 {
		missing = append(missing, "document")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	if !json.Valid(r.Document) {
		return fmt.Errorf("%w: document is not valid JSON", ErrInvalidRequest)
	}
	return nil
}

// Enqueuer persists new jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job core.NewJob) (*core.Job, error)
}

// Service creates submission jobs.
type Service struct {
	sources    *config.Sources
	dispatcher *dispatch.Dispatcher
	jobs       Enqueuer
	logger     *slog.Logger
}

func NewService(sources *config.Sources, dispatcher *dispatch.Dispatcher, jobs Enqueuer, logger *slog.Logger) *Service {
	return &Service{sources: sources, dispatcher: dispatcher, jobs: jobs, logger: logger}
}

// Submit enqueues the filing and returns the pending job.
func (s *Service) Submit(ctx context.Context, req Request) (*core.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sc, ok := s.sources.Get(core.SourceRegulatoryAuthority)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not configured", core.ErrUnknownSource, core.SourceRegulatoryAuthority)
	}

	payload, err := json.Marshal(handlers.FilingPayload{
		DocumentID:   req.DocumentID,
		DocumentType: req.DocumentType,
		Document:     req.Document,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	class := s.dispatcher.Classify(core.SourceRegulatoryAuthority, req.DocumentType, payload)
	job, err := s.jobs.Enqueue(ctx, core.NewJob{
		Source:         core.SourceRegulatoryAuthority,
		Kind:           req.DocumentType,
		TenantID:       req.TenantID,
		CorrelationID:  req.TenantID + "/" + req.DocumentID,
		IdempotencyKey: req.DocumentType + ":" + req.DocumentID,
		Payload:        payload,
		RawPayload:     payload,
		Priority:       class.Priority,
		MaxAttempts:    sc.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue filing: %w", err)
	}

	s.logger.Info("filing queued",
		"job_id", job.ID,
		"tenant_id", job.TenantID,
		"document_id", req.DocumentID,
		"document_type", req.DocumentType,
		"priority", job.Priority.String(),
	)
	if class.Critical {
		s.dispatcher.Escalate(ctx, job)
	}
	return job, nil
}
