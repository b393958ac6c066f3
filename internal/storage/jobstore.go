package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	// import db drivers
	_ "github.com/lib/pq"

	"github.com/sevigo/invoice-relay/internal/core"
	"github.com/sevigo/invoice-relay/internal/retry"
)

const jobColumns = `id, source, kind, tenant_id, correlation_id, idempotency_key,
	payload, raw_payload, headers, status, priority, attempts, max_attempts,
	next_eligible_at, last_error, result, duration_ms,
	created_at, processing_started_at, completed_at, updated_at`

type postgresStore struct {
	db     *sqlx.DB
	policy retry.Policy
}

// NewStore creates a Postgres-backed Store. policy decides how long a failed
// job waits before it is claimable again.
func NewStore(db *sqlx.DB, policy retry.Policy) Store {
	return &postgresStore{db: db, policy: policy}
}

// Enqueue inserts a new pending job.
func (s *postgresStore) Enqueue(ctx context.Context, nj core.NewJob) (*core.Job, error) {
	headers, err := json.Marshal(nj.Headers)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	if nj.Headers == nil {
		headers = []byte("{}")
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

	query := `
		INSERT INTO jobs (
			id, source, kind, tenant_id, correlation_id, idempotency_key,
			payload, raw_payload, headers, status, priority, attempts, max_attempts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending', $10, 0, $11)
		RETURNING ` + jobColumns

	var job core.Job
	err = s.db.GetContext(ctx, &job, query,
		uuid.NewString(), nj.Source, nj.Kind, nj.TenantID, nj.CorrelationID, nj.IdempotencyKey,
		payload, nj.RawPayload, types.JSONText(headers), priority, maxAttempts,
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return &job, nil
}

// ClaimBatch claims up to limit eligible jobs in one statement. Rows locked
// by a concurrent claimant are skipped instead of waited on, so N workers
// polling at once partition the eligible set between them.
func (s *postgresStore) ClaimBatch(ctx context.Context, limit int) ([]*core.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
		WITH claimed AS (
			UPDATE jobs
			SET status = 'processing',
			    attempts = attempts + 1,
			    next_eligible_at = NULL,
			    processing_started_at = now(),
			    updated_at = now()
			WHERE id IN (
				SELECT id FROM jobs
				WHERE status = 'pending'
				  AND (next_eligible_at IS NULL OR next_eligible_at <= now())
				ORDER BY priority DESC, created_at ASC
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING ` + jobColumns + `
		)
		SELECT * FROM claimed ORDER BY priority DESC, created_at ASC`

	var jobs []*core.Job
	if err := s.db.SelectContext(ctx, &jobs, query, limit); err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return jobs, nil
}

// Complete records a completed or ignored outcome for a processing job.
func (s *postgresStore) Complete(ctx context.Context, id string, result core.Result) (*core.Job, error) {
	if result.Status != core.StatusCompleted && result.Status != core.StatusIgnored {
		return nil, fmt.Errorf("%w: complete with status %q", core.ErrInvalidTransition, result.Status)
	}
	doc, err := result.Document()
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE jobs
		SET status = $2,
		    result = $3,
		    duration_ms = $4,
		    next_eligible_at = NULL,
		    completed_at = now(),
		    updated_at = now()
		WHERE id = $1 AND status = 'processing'
		RETURNING ` + jobColumns

	var job core.Job
	err = s.db.GetContext(ctx, &job, query, id, result.Status, doc, result.Duration.Milliseconds())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.transitionError(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("complete job %s: %w", id, err)
	}
	return &job, nil
}

// MarkFailed re-arms a processing job for another attempt or dead-letters it.
// The row is locked for the read-decide-write so the decision is made on the
// attempts value the claim wrote.
func (s *postgresStore) MarkFailed(ctx context.Context, id string, cause error) (*core.Job, error) {
	if cause == nil {
		return nil, errors.New("mark failed: nil cause")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mark failed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var cur struct {
		Status      core.Status `db:"status"`
		Attempts    int         `db:"attempts"`
		MaxAttempts int         `db:"max_attempts"`
	}
	err = tx.GetContext(ctx, &cur, `SELECT status, attempts, max_attempts FROM jobs WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if cur.Status != core.StatusProcessing {
		return nil, fmt.Errorf("%w: %s is %s", core.ErrInvalidTransition, id, cur.Status)
	}

	var job core.Job
	if !core.IsTerminal(cause) && cur.Attempts < cur.MaxAttempts {
		delay := s.policy.Delay(cur.Attempts)
		err = tx.GetContext(ctx, &job, `
			UPDATE jobs
			SET status = 'pending',
			    last_error = $2,
			    next_eligible_at = now() + make_interval(secs => $3),
			    updated_at = now()
			WHERE id = $1
			RETURNING `+jobColumns, id, cause.Error(), delay.Seconds())
	} else {
		var details types.JSONText
		if d := core.FailureDetails(cause); len(d) > 0 {
			b, encErr := json.Marshal(d)
			if encErr != nil {
				return nil, fmt.Errorf("encode failure details: %w", encErr)
			}
			details = b
		}
		err = tx.GetContext(ctx, &job, `
			UPDATE jobs
			SET status = 'failed',
			    last_error = $2,
			    result = $3,
			    next_eligible_at = NULL,
			    completed_at = now(),
			    updated_at = now()
			WHERE id = $1
			RETURNING `+jobColumns, id, cause.Error(), details)
	}
	if err != nil {
		return nil, fmt.Errorf("mark job %s failed: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mark failed: %w", err)
	}
	return &job, nil
}

// Get retrieves a job by ID.
func (s *postgresStore) Get(ctx context.Context, id string) (*core.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, core.ErrJobNotFound
	}
	var job core.Job
	err := s.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &job, nil
}

func (s *postgresStore) transitionError(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", core.ErrInvalidTransition, id, job.Status)
}

// Stats summarizes the ledger.
func (s *postgresStore) Stats(ctx context.Context) (*core.Stats, error) {
	var byStatus []struct {
		Status core.Status `db:"status"`
		Count  int64       `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &byStatus, `SELECT status, count(*) AS count FROM jobs GROUP BY status`); err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}

	stats := &core.Stats{FailedBySource: map[string]int64{}}
	for _, row := range byStatus {
		switch row.Status {
		case core.StatusPending:
			stats.Pending = row.Count
		case core.StatusProcessing:
			stats.Processing = row.Count
		case core.StatusCompleted:
			stats.Completed = row.Count
		case core.StatusFailed:
			stats.Failed = row.Count
		case core.StatusIgnored:
			stats.Ignored = row.Count
		}
	}

	var oldest float64
	err := s.db.GetContext(ctx, &oldest, `
		SELECT COALESCE(EXTRACT(EPOCH FROM now() - min(created_at)), 0)::float8
		FROM jobs WHERE status = 'pending'`)
	if err != nil {
		return nil, fmt.Errorf("oldest pending job: %w", err)
	}
	stats.OldestPendingAge = time.Duration(oldest * float64(time.Second))

	var bySource []struct {
		Source string `db:"source"`
		Count  int64  `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &bySource, `SELECT source, count(*) AS count FROM jobs WHERE status = 'failed' GROUP BY source`); err != nil {
		return nil, fmt.Errorf("count failed jobs by source: %w", err)
	}
	for _, row := range bySource {
		stats.FailedBySource[row.Source] = row.Count
	}
	return stats, nil
}

// RecoverStale fails jobs whose worker never reported back. Each job goes
// through MarkFailed, so it is retried or dead-lettered like any other failure.
func (s *postgresStore) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM jobs
		WHERE status = 'processing'
		  AND processing_started_at < now() - make_interval(secs => $1)`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("find stale jobs: %w", err)
	}

	var recovered int64
	for _, id := range ids {
		if _, err := s.MarkFailed(ctx, id, ErrLeaseExpired); err != nil {
			if errors.Is(err, core.ErrInvalidTransition) || errors.Is(err, core.ErrJobNotFound) {
				continue
			}
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// PruneTerminal deletes finished jobs older than the retention window.
func (s *postgresStore) PruneTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'ignored')
		  AND completed_at < now() - make_interval(secs => $1)`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM rejected_deliveries
		WHERE received_at < now() - make_interval(secs => $1)`, olderThan.Seconds()); err != nil {
		return pruned, fmt.Errorf("prune rejected deliveries: %w", err)
	}
	return pruned, nil
}
