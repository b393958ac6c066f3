// Package memstore is an in-process storage.Store. It follows the same
// transition rules as the Postgres store and is used for tests and
// single-process development runs.
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"

	"github.com/sevigo/invoice-relay/internal/core"
	"github.com/sevigo/invoice-relay/internal/retry"
	"github.com/sevigo/invoice-relay/internal/storage"
)

// Store keeps every table in maps guarded by one mutex. The mutex plays the
// role of the row locks a database would take during a claim.
type Store struct {
	mu           sync.Mutex
	jobs         map[string]*core.Job
	integrations map[string]string
	processed    map[string]string
	rejections   []core.Rejection

	policy retry.Policy
	now    func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, letting tests step through backoff windows.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(policy retry.Policy, opts ...Option) *Store {
	s := &Store{
		jobs:         make(map[string]*core.Job),
		integrations: make(map[string]string),
		processed:    make(map[string]string),
		policy:       policy,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Enqueue(_ context.Context, nj core.NewJob) (*core.Job, error) {
	headers := types.JSONText("{}")
	if nj.Headers != nil {
		b, err := json.Marshal(nj.Headers)
		if err != nil {
			return nil, fmt.Errorf("encode headers: %w", err)
		}
		headers = b
	}
	payload := types.JSONText(nj.Payload)
	if len(payload) == 0 {
		payload = types.JSONText("{}")
	}
	maxAttempts := nj.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = core.DefaultMaxAttempts
	}
	priority := nj.Priority
	if priority == 0 {
		priority = core.PriorityNormal
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	job := &core.Job{
		ID:             uuid.NewString(),
		Source:         nj.Source,
		Kind:           nj.Kind,
		TenantID:       nj.TenantID,
		CorrelationID:  nj.CorrelationID,
		IdempotencyKey: nj.IdempotencyKey,
		Payload:        append(types.JSONText(nil), payload...),
		RawPayload:     append([]byte(nil), nj.RawPayload...),
		Headers:        headers,
		Status:         core.StatusPending,
		Priority:       priority,
		MaxAttempts:    maxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.jobs[job.ID] = job
	return clone(job), nil
}

func (s *Store) ClaimBatch(_ context.Context, limit int) ([]*core.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var eligible []*core.Job
	for _, job := range s.jobs {
		if job.Status != core.StatusPending {
			continue
		}
		if job.NextEligibleAt != nil && job.NextEligibleAt.After(now) {
			continue
		}
		eligible = append(eligible, job)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		return eligible[i].ID < eligible[j].ID
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimed := make([]*core.Job, 0, len(eligible))
	for _, job := range eligible {
		started := now
		job.Status = core.StatusProcessing
		job.Attempts++
		job.NextEligibleAt = nil
		job.StartedAt = &started
		job.UpdatedAt = now
		claimed = append(claimed, clone(job))
	}
	return claimed, nil
}

func (s *Store) Complete(_ context.Context, id string, result core.Result) (*core.Job, error) {
	if result.Status != core.StatusCompleted && result.Status != core.StatusIgnored {
		return nil, fmt.Errorf("%w: complete with status %q", core.ErrInvalidTransition, result.Status)
	}
	doc, err := result.Document()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.processing(id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	ms := result.Duration.Milliseconds()
	job.Status = result.Status
	job.Result = doc
	job.DurationMS = &ms
	job.NextEligibleAt = nil
	job.CompletedAt = &now
	job.UpdatedAt = now
	return clone(job), nil
}

func (s *Store) MarkFailed(_ context.Context, id string, cause error) (*core.Job, error) {
	if cause == nil {
		return nil, errors.New("mark failed: nil cause")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.processing(id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	msg := cause.Error()
	job.LastError = &msg
	job.UpdatedAt = now

	if !core.IsTerminal(cause) && job.Attempts < job.MaxAttempts {
		next := now.Add(s.policy.Delay(job.Attempts))
		job.Status = core.StatusPending
		job.NextEligibleAt = &next
		return clone(job), nil
	}

	job.Status = core.StatusFailed
	job.NextEligibleAt = nil
	job.CompletedAt = &now
	if d := core.FailureDetails(cause); len(d) > 0 {
		b, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("encode failure details: %w", err)
		}
		job.Result = b
	}
	return clone(job), nil
}

func (s *Store) Get(_ context.Context, id string) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	return clone(job), nil
}

func (s *Store) processing(id string) (*core.Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	if job.Status != core.StatusProcessing {
		return nil, fmt.Errorf("%w: %s is %s", core.ErrInvalidTransition, id, job.Status)
	}
	return job, nil
}

func (s *Store) Stats(_ context.Context) (*core.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stats := &core.Stats{FailedBySource: map[string]int64{}}
	for _, job := range s.jobs {
		switch job.Status {
		case core.StatusPending:
			stats.Pending++
			if age := now.Sub(job.CreatedAt); age > stats.OldestPendingAge {
				stats.OldestPendingAge = age
			}
		case core.StatusProcessing:
			stats.Processing++
		case core.StatusCompleted:
			stats.Completed++
		case core.StatusFailed:
			stats.Failed++
			stats.FailedBySource[job.Source]++
		case core.StatusIgnored:
			stats.Ignored++
		}
	}
	return stats, nil
}

func (s *Store) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	cutoff := s.now().Add(-olderThan)
	var ids []string
	for id, job := range s.jobs {
		if job.Status == core.StatusProcessing && job.StartedAt != nil && job.StartedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	var recovered int64
	for _, id := range ids {
		if _, err := s.MarkFailed(ctx, id, storage.ErrLeaseExpired); err != nil {
			if errors.Is(err, core.ErrInvalidTransition) || errors.Is(err, core.ErrJobNotFound) {
				continue
			}
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func (s *Store) PruneTerminal(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var pruned int64
	for id, job := range s.jobs {
		if job.Status.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			pruned++
		}
	}
	kept := s.rejections[:0]
	for _, r := range s.rejections {
		if !r.ReceivedAt.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	s.rejections = kept
	return pruned, nil
}

func (s *Store) ResolveTenant(_ context.Context, source, externalAccountID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tenant, ok := s.integrations[key(source, externalAccountID)]
	if !ok || externalAccountID == "" {
		return "", core.ErrUnroutable
	}
	return tenant, nil
}

func (s *Store) RegisterIntegration(_ context.Context, source, externalAccountID, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.integrations[key(source, externalAccountID)] = tenantID
	return nil
}

func (s *Store) Seen(_ context.Context, source, eventKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[key(source, eventKey)]
	return ok, nil
}

func (s *Store) Remember(_ context.Context, source, eventKey, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(source, eventKey)
	if _, ok := s.processed[k]; !ok {
		s.processed[k] = jobID
	}
	return nil
}

func (s *Store) RecordRejection(_ context.Context, r core.Rejection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = s.now()
	}
	s.rejections = append(s.rejections, r)
	return nil
}

// Rejections returns a copy of the audited rejections.
func (s *Store) Rejections() []core.Rejection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Rejection(nil), s.rejections...)
}

// Jobs returns copies of every job, oldest first.
func (s *Store) Jobs() []*core.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, clone(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func key(a, b string) string { return a + "\x00" + b }

func clone(j *core.Job) *core.Job {
	c := *j
	c.Payload = append(types.JSONText(nil), j.Payload...)
	c.Headers = append(types.JSONText(nil), j.Headers...)
	c.Result = append(types.JSONText(nil), j.Result...)
	c.RawPayload = append([]byte(nil), j.RawPayload...)
	if j.NextEligibleAt != nil {
		t := *j.NextEligibleAt
		c.NextEligibleAt = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.LastError != nil {
		e := *j.LastError
		c.LastError = &e
	}
	if j.DurationMS != nil {
		d := *j.DurationMS
		c.DurationMS = &d
	}
	return &c
}
