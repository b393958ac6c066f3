package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// SourceRegulatoryAuthority is the source of outbound tax-authority filings.
// Every other source name is an inbound webhook provider from configuration.
const SourceRegulatoryAuthority = "regulatory-authority"

// DefaultMaxAttempts is used when a job is enqueued without an explicit budget.
const DefaultMaxAttempts = 3

// Status is the position of a Job in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusIgnored    Status = "ignored"
)

// IsTerminal reports whether no further transition may happen from s.
// A failed job only reaches StatusFailed once it is dead-lettered; a
// retryable failure goes back to StatusPending instead.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusIgnored
}

// CanTransition reports whether moving from s to next is a legal step of
// pending -> processing -> {completed, ignored, pending (retry), failed}.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusIgnored ||
			next == StatusPending || next == StatusFailed
	default:
		return false
	}
}

// Priority orders claim candidates. Higher values are claimed first.
type Priority int

const (
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a configuration value into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// Job is one unit of asynchronous work: an inbound webhook event or an
// outbound regulatory submission. Its columns double as the retry schedule,
// so any worker process can pick up where another one stopped.
type Job struct {
	ID             string         `db:"id" json:"id"`
	Source         string         `db:"source" json:"source"`
	Kind           string         `db:"kind" json:"kind"`
	TenantID       string         `db:"tenant_id" json:"tenant_id"`
	CorrelationID  string         `db:"correlation_id" json:"correlation_id,omitempty"`
	IdempotencyKey string         `db:"idempotency_key" json:"idempotency_key,omitempty"`
	Payload        types.JSONText `db:"payload" json:"payload,omitempty"`
	RawPayload     []byte         `db:"raw_payload" json:"-"`
	Headers        types.JSONText `db:"headers" json:"-"`
	Status         Status         `db:"status" json:"status"`
	Priority       Priority       `db:"priority" json:"priority"`
	Attempts       int            `db:"attempts" json:"attempts"`
	MaxAttempts    int            `db:"max_attempts" json:"max_attempts"`
	NextEligibleAt *time.Time     `db:"next_eligible_at" json:"next_eligible_at,omitempty"`
	LastError      *string        `db:"last_error" json:"last_error,omitempty"`
	Result         types.JSONText `db:"result" json:"result,omitempty"`
	DurationMS     *int64         `db:"duration_ms" json:"duration_ms,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	StartedAt      *time.Time     `db:"processing_started_at" json:"processing_started_at,omitempty"`
	CompletedAt    *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// CanRetry reports whether another claim is allowed after a failure.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// HeaderMap decodes the persisted signature headers.
func (j *Job) HeaderMap() map[string]string {
	out := map[string]string{}
	if len(j.Headers) == 0 {
		return out
	}
	_ = json.Unmarshal(j.Headers, &out)
	return out
}

// Error returns the last recorded error or an empty string.
func (j *Job) Error() string {
	if j.LastError == nil {
		return ""
	}
	return *j.LastError
}

// Result is what a handler reports for a job that did not fail.
type Result struct {
	// Status is StatusCompleted or StatusIgnored.
	Status Status
	// Reason explains an ignored job. Empty for completed jobs.
	Reason string
	// Artifacts are protocol-level records such as authority reference numbers.
	Artifacts map[string]any
	// Duration is the monotonic run time of the handler.
	Duration time.Duration
}

// Completed builds a completed Result with optional artifacts.
func Completed(artifacts map[string]any) Result {
	return Result{Status: StatusCompleted, Artifacts: artifacts}
}

// Ignored builds an ignored Result carrying the reason.
func Ignored(reason string) Result {
	return Result{Status: StatusIgnored, Reason: reason}
}

// Document renders the result as the JSON stored in the result column.
func (r Result) Document() (types.JSONText, error) {
	doc := map[string]any{}
	for k, v := range r.Artifacts {
		doc[k] = v
	}
	if r.Reason != "" {
		doc["reason"] = r.Reason
	}
	if len(doc) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode job result: %w", err)
	}
	return types.JSONText(b), nil
}

// NewJob describes a job to enqueue. Storage assigns id, status and timestamps.
type NewJob struct {
	Source         string
	Kind           string
	TenantID       string
	CorrelationID  string
	IdempotencyKey string
	Payload        json.RawMessage
	RawPayload     []byte
	Headers        map[string]string
	Priority       Priority
	MaxAttempts    int
}

// Stats summarizes the job ledger for dashboards and the CLI.
type Stats struct {
	Pending          int64            `json:"pending"`
	Processing       int64            `json:"processing"`
	Completed        int64            `json:"completed"`
	Failed           int64            `json:"failed"`
	Ignored          int64            `json:"ignored"`
	OldestPendingAge time.Duration    `json:"oldest_pending_age"`
	FailedBySource   map[string]int64 `json:"failed_by_source"`
}
