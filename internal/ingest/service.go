// Package ingest turns an authenticated webhook delivery into a durable job.
// It never runs handlers: once the job row exists the caller gets its receipt
// and everything else happens in the worker pool.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/sevigo/invoice-relay/internal/config"
	"github.com/sevigo/invoice-relay/internal/core"
	"github.com/sevigo/invoice-relay/internal/dispatch"
)

// ErrUnauthenticated is returned for deliveries whose signature does not verify.
var ErrUnauthenticated = errors.New("delivery failed signature verification")

// Verifier checks a delivery's signature.
type Verifier interface {
	Check(source string, raw []byte, headers http.Header) error
}

// Enqueuer persists new jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job core.NewJob) (*core.Job, error)
}

// Delivery is one inbound webhook request.
type Delivery struct {
	Source     string
	Body       []byte
	Headers    http.Header
	RemoteAddr string
}

// Receipt is what the caller learns about a delivery. Dropped deliveries
// have no job. A delivery split into several events has one job per event;
// JobID is the first of JobIDs and Priority the highest among them.
type Receipt struct {
	JobID    string
	JobIDs   []string
	Dropped  bool
	Priority core.Priority
	Critical bool
}

// Service runs the intake steps: verify, route, persist, classify.
type Service struct {
	sources    *config.Sources
	verifier   Verifier
	dispatcher *dispatch.Dispatcher
	jobs       Enqueuer
	tenants    core.TenantResolver
	auditor    core.RejectionAuditor
	logger     *slog.Logger
}

// NewService creates the intake service.
func NewService(
	sources *config.Sources,
	verifier Verifier,
	dispatcher *dispatch.Dispatcher,
	jobs Enqueuer,
	tenants core.TenantResolver,
	auditor core.RejectionAuditor,
	logger *slog.Logger,
) *Service {
	return &Service{
		sources:    sources,
		verifier:   verifier,
		dispatcher: dispatcher,
		jobs:       jobs,
		tenants:    tenants,
		auditor:    auditor,
		logger:     logger,
	}
}

// Ingest processes a delivery. It returns core.ErrUnknownSource for sources
// without a webhook endpoint and ErrUnauthenticated for bad signatures.
// Deliveries nobody owns are acknowledged with a dropped receipt.
func (s *Service) Ingest(ctx context.Context, d Delivery) (Receipt, error) {
	d.Source = config.CanonicalSource(d.Source)
	sc, ok := s.sources.Get(d.Source)
	if !ok || sc.Outbound {
		return Receipt{}, fmt.Errorf("%w: %s", core.ErrUnknownSource, d.Source)
	}

	if err := s.verifier.Check(d.Source, d.Body, d.Headers); err != nil {
		if sc.AuditRejections {
			s.audit(ctx, d, err)
		}
		return Receipt{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	var receipt Receipt
	for _, ev := range s.split(d, sc) {
		job, critical, err := s.accept(ctx, d, sc, ev)
		if errors.Is(err, core.ErrUnroutable) {
			s.logger.Debug("dropping event without a known owner", "source", d.Source, "remote_addr", d.RemoteAddr)
			continue
		}
		if err != nil {
			return Receipt{}, err
		}
		receipt.JobIDs = append(receipt.JobIDs, job.ID)
		if job.Priority > receipt.Priority {
			receipt.Priority = job.Priority
		}
		receipt.Critical = receipt.Critical || critical
	}
	if len(receipt.JobIDs) == 0 {
		return Receipt{Dropped: true}, nil
	}
	receipt.JobID = receipt.JobIDs[0]
	return receipt, nil
}

// split returns the event documents carried by a delivery: the elements of
// split_path, or the whole body. A nil document marks a non-JSON body.
func (s *Service) split(d Delivery, sc config.SourceConfig) []json.RawMessage {
	if !gjson.ValidBytes(d.Body) {
		if sc.SplitPath != "" {
			s.logger.Warn("cannot split a non-JSON delivery", "source", d.Source)
			return nil
		}
		s.logger.Warn("delivery body is not JSON; storing raw bytes only", "source", d.Source)
		return []json.RawMessage{nil}
	}
	if sc.SplitPath == "" {
		return []json.RawMessage{json.RawMessage(d.Body)}
	}

	var events []json.RawMessage
	gjson.GetBytes(d.Body, sc.SplitPath).ForEach(func(_, v gjson.Result) bool {
		if v.IsObject() {
			events = append(events, json.RawMessage(v.Raw))
		}
		return true
	})
	return events
}

// accept routes, classifies and persists one event.
func (s *Service) accept(ctx context.Context, d Delivery, sc config.SourceConfig, doc json.RawMessage) (*core.Job, bool, error) {
	tenantID, err := s.resolveTenant(ctx, d, sc, doc)
	if err != nil {
		return nil, false, err
	}

	kind := field(doc, d.Headers, sc.KindPath, sc.KindHeader)
	class := s.dispatcher.Classify(d.Source, kind, doc)

	job, err := s.jobs.Enqueue(ctx, core.NewJob{
		Source:         d.Source,
		Kind:           kind,
		TenantID:       tenantID,
		CorrelationID:  tenantID,
		IdempotencyKey: eventKey(doc, d.Headers, sc),
		Payload:        doc,
		RawPayload:     d.Body,
		Headers:        keptHeaders(d.Headers, sc),
		Priority:       class.Priority,
		MaxAttempts:    sc.MaxAttempts,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to persist delivery: %w", err)
	}

	s.logger.Info("delivery accepted",
		"job_id", job.ID,
		"source", job.Source,
		"kind", job.Kind,
		"tenant_id", job.TenantID,
		"priority", job.Priority.String(),
	)

	if class.Critical {
		s.dispatcher.Escalate(ctx, job)
	}
	return job, class.Critical, nil
}

func (s *Service) resolveTenant(ctx context.Context, d Delivery, sc config.SourceConfig, doc json.RawMessage) (string, error) {
	if sc.TenantPath == "" && sc.TenantHeader == "" {
		if sc.DefaultTenant == "" {
			return "", core.ErrUnroutable
		}
		return sc.DefaultTenant, nil
	}
	account := field(doc, d.Headers, sc.TenantPath, sc.TenantHeader)
	if account == "" {
		return "", core.ErrUnroutable
	}
	tenantID, err := s.tenants.ResolveTenant(ctx, d.Source, account)
	if err != nil {
		if errors.Is(err, core.ErrUnroutable) {
			return "", err
		}
		return "", fmt.Errorf("failed to resolve tenant: %w", err)
	}
	return tenantID, nil
}

func (s *Service) audit(ctx context.Context, d Delivery, cause error) {
	sum := sha256.Sum256(d.Body)
	err := s.auditor.RecordRejection(ctx, core.Rejection{
		Source:     d.Source,
		RemoteAddr: d.RemoteAddr,
		Reason:     cause.Error(),
		BodySHA256: hex.EncodeToString(sum[:]),
		ReceivedAt: time.Now(),
	})
	if err != nil {
		s.logger.Error("failed to record rejected delivery", "source", d.Source, "error", err)
	}
}

// field reads a value from the JSON document by gjson path, falling back to a header.
func field(doc []byte, headers http.Header, path, header string) string {
	if path != "" && doc != nil {
		if v := gjson.GetBytes(doc, path); v.Exists() {
			return v.String()
		}
	}
	if header != "" {
		return headers.Get(header)
	}
	return ""
}

// eventKey joins the present event id fields with ":". The header is the
// fallback when the document has none of them.
func eventKey(doc []byte, headers http.Header, sc config.SourceConfig) string {
	var parts []string
	if doc != nil {
		for _, path := range sc.EventKeyPaths() {
			if v := gjson.GetBytes(doc, path); v.Exists() && v.String() != "" {
				parts = append(parts, v.String())
			}
		}
	}
	if len(parts) == 0 && sc.EventIDHeader != "" {
		return headers.Get(sc.EventIDHeader)
	}
	return strings.Join(parts, ":")
}

func keptHeaders(h http.Header, sc config.SourceConfig) map[string]string {
	out := make(map[string]string)
	for _, name := range sc.KeptHeaders() {
		if v := h.Get(name); v != "" {
			out[http.CanonicalHeaderKey(name)] = v
		}
	}
	return out
}
