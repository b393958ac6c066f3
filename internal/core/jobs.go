// Package core defines the essential interfaces and data structures that form the
// backbone of the application. These components are designed to be abstract,
// allowing for flexible and decoupled implementations of the intake pipeline.
package core

//go:generate mockgen -destination=mocks/mock_jobs.go -package=mocks github.com/sevigo/invoice-relay/internal/core Notifier,Sink,TenantResolver

import (
	"context"
	"encoding/json"
	"time"
)

// JobStore is the durable, table-backed queue shared by every worker process.
// It is the only shared mutable resource in the pipeline: all coordination
// between workers goes through its atomic claim and transition operations.
type JobStore interface {
	// Enqueue inserts a new job with status pending and zero attempts.
	Enqueue(ctx context.Context, job NewJob) (*Job, error)

	// ClaimBatch atomically moves up to limit eligible pending jobs to
	// processing, incrementing their attempts. Concurrent callers never
	// receive the same job. Jobs are returned by priority, then age.
	ClaimBatch(ctx context.Context, limit int) ([]*Job, error)

	// Complete records a successful (completed) or skipped (ignored) outcome.
	Complete(ctx context.Context, id string, result Result) (*Job, error)

	// MarkFailed re-arms the job with a backoff delay when attempts remain and
	// cause is retryable. Otherwise the job is dead-lettered as failed.
	MarkFailed(ctx context.Context, id string, cause error) (*Job, error)

	// Get loads a single job.
	Get(ctx context.Context, id string) (*Job, error)
}

// Handler executes one claimed job. Returning an error sends the job through
// MarkFailed; wrap it with Permanent to skip the remaining attempts.
type Handler interface {
	Handle(ctx context.Context, job *Job) (Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *Job) (Result, error)

// Handle calls f(ctx, job).
func (f HandlerFunc) Handle(ctx context.Context, job *Job) (Result, error) {
	return f(ctx, job)
}

// Alert is an out-of-band message for operators or tenants.
type Alert struct {
	TenantID string
	Source   string
	Kind     string
	JobID    string
	Severity string
	Title    string
	Message  string
}

// Notifier delivers alerts on the escalation channel. Delivery is best
// effort: callers log failures and never roll back job state because of them.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Event is the normalized view of a job that handlers hand to the rest of the
// platform (invoice ledger, contact sync, messaging inbox).
type Event struct {
	TenantID      string
	Source        string
	Kind          string
	EventID       string
	CorrelationID string
	Document      json.RawMessage
	ReceivedAt    time.Time
}

// Sink is the domain collaborator handlers call into. Business rules live
// behind it and are outside the intake pipeline.
type Sink interface {
	Apply(ctx context.Context, event Event) error
}

// TenantResolver maps a provider account to the owning tenant.
type TenantResolver interface {
	// ResolveTenant returns ErrUnroutable when nobody owns the account.
	ResolveTenant(ctx context.Context, source, externalAccountID string) (string, error)
}

// IdempotencyLedger remembers which events a handler already applied.
type IdempotencyLedger interface {
	Seen(ctx context.Context, source, key string) (bool, error)
	Remember(ctx context.Context, source, key, jobID string) error
}

// Rejection is an unauthenticated delivery kept for security auditing.
type Rejection struct {
	Source     string
	RemoteAddr string
	Reason     string
	BodySHA256 string
	ReceivedAt time.Time
}

// RejectionAuditor records rejected deliveries for sources that require it.
type RejectionAuditor interface {
	RecordRejection(ctx context.Context, r Rejection) error
}
