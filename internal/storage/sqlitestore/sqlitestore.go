// Package sqlitestore is a storage.Store on an embedded SQLite file for
// single-node deployments. SQLite has no SKIP LOCKED; a claim is one UPDATE
// statement, which SQLite runs under its database write lock, and failure
// reports are guarded by the attempt counter they observed.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	// register the pure-Go sqlite driver
	_ "modernc.org/sqlite"

	"github.com/sevigo/invoice-relay/internal/core"
	"github.com/sevigo/invoice-relay/internal/retry"
	"github.com/sevigo/invoice-relay/internal/storage"
)

// Timestamps are stored as UTC unix microseconds so range predicates compare
// integers.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id                    TEXT PRIMARY KEY,
    source                TEXT NOT NULL,
    kind                  TEXT NOT NULL DEFAULT '',
    tenant_id             TEXT NOT NULL DEFAULT '',
    correlation_id        TEXT NOT NULL DEFAULT '',
    idempotency_key       TEXT NOT NULL DEFAULT '',
    payload               TEXT NOT NULL DEFAULT '{}',
    raw_payload           BLOB,
    headers               TEXT NOT NULL DEFAULT '{}',
    status                TEXT NOT NULL DEFAULT 'pending',
    priority              INTEGER NOT NULL DEFAULT 1,
    attempts              INTEGER NOT NULL DEFAULT 0,
    max_attempts          INTEGER NOT NULL DEFAULT 3,
    next_eligible_at      INTEGER,
    last_error            TEXT,
    result                TEXT,
    duration_ms           INTEGER,
    created_at            INTEGER NOT NULL,
    processing_started_at INTEGER,
    completed_at          INTEGER,
    updated_at            INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_completed ON jobs(completed_at) WHERE completed_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS integrations (
    source              TEXT NOT NULL,
    external_account_id TEXT NOT NULL,
    tenant_id           TEXT NOT NULL,
    created_at          INTEGER NOT NULL,
    PRIMARY KEY (source, external_account_id)
);

CREATE TABLE IF NOT EXISTS processed_events (
    source       TEXT NOT NULL,
    event_key    TEXT NOT NULL,
    job_id       TEXT NOT NULL,
    processed_at INTEGER NOT NULL,
    PRIMARY KEY (source, event_key)
);

CREATE TABLE IF NOT EXISTS rejected_deliveries (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    source      TEXT NOT NULL,
    remote_addr TEXT NOT NULL DEFAULT '',
    reason      TEXT NOT NULL DEFAULT '',
    body_sha256 TEXT NOT NULL DEFAULT '',
    received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rejected_received ON rejected_deliveries(received_at);
`

const jobColumns = `id, source, kind, tenant_id, correlation_id, idempotency_key,
	payload, raw_payload, headers, status, priority, attempts, max_attempts,
	next_eligible_at, last_error, result, duration_ms, created_at,
	processing_started_at, completed_at, updated_at`

// Store implements storage.Store on SQLite.
type Store struct {
	db     *sqlx.DB
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

// Open opens (and creates if needed) the database file at path and applies
// the schema.
func Open(path string, policy retry.Policy, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One writer per process; other processes queue on busy_timeout.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize sqlite schema: %w", err)
	}

	s := &Store{db: db, policy: policy, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type jobRow struct {
	ID             string         `db:"id"`
	Source         string         `db:"source"`
	Kind           string         `db:"kind"`
	TenantID       string         `db:"tenant_id"`
	CorrelationID  string         `db:"correlation_id"`
	IdempotencyKey string         `db:"idempotency_key"`
	Payload        string         `db:"payload"`
	RawPayload     []byte         `db:"raw_payload"`
	Headers        string         `db:"headers"`
	Status         string         `db:"status"`
	Priority       int            `db:"priority"`
	Attempts       int            `db:"attempts"`
	MaxAttempts    int            `db:"max_attempts"`
	NextEligibleAt sql.NullInt64  `db:"next_eligible_at"`
	LastError      sql.NullString `db:"last_error"`
	Result         sql.NullString `db:"result"`
	DurationMS     sql.NullInt64  `db:"duration_ms"`
	CreatedAt      int64          `db:"created_at"`
	StartedAt      sql.NullInt64  `db:"processing_started_at"`
	CompletedAt    sql.NullInt64  `db:"completed_at"`
	UpdatedAt      int64          `db:"updated_at"`
}

func (r jobRow) job() *core.Job {
	j := &core.Job{
		ID:             r.ID,
		Source:         r.Source,
		Kind:           r.Kind,
		TenantID:       r.TenantID,
		CorrelationID:  r.CorrelationID,
		IdempotencyKey: r.IdempotencyKey,
		Payload:        types.JSONText(r.Payload),
		RawPayload:     r.RawPayload,
		Headers:        types.JSONText(r.Headers),
		Status:         core.Status(r.Status),
		Priority:       core.Priority(r.Priority),
		Attempts:       r.Attempts,
		MaxAttempts:    r.MaxAttempts,
		NextEligibleAt: fromMicros(r.NextEligibleAt),
		CreatedAt:      time.UnixMicro(r.CreatedAt).UTC(),
		StartedAt:      fromMicros(r.StartedAt),
		CompletedAt:    fromMicros(r.CompletedAt),
		UpdatedAt:      time.UnixMicro(r.UpdatedAt).UTC(),
	}
	if r.LastError.Valid {
		msg := r.LastError.String
		j.LastError = &msg
	}
	if r.Result.Valid {
		j.Result = types.JSONText(r.Result.String)
	}
	if r.DurationMS.Valid {
		d := r.DurationMS.Int64
		j.DurationMS = &d
	}
	return j
}

func fromMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}

func (s *Store) micros() int64 {
	return s.now().UnixMicro()
}

func (s *Store) Enqueue(ctx context.Context, nj core.NewJob) (*core.Job, error) {
	headers := "{}"
	if nj.Headers != nil {
		b, err := json.Marshal(nj.Headers)
		if err != nil {
			return nil, fmt.Errorf("encode headers: %w", err)
		}
		headers = string(b)
	}
	payload := string(nj.Payload)
	if payload == "" {
		payload = "{}"
	}
	maxAttempts := nj.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = core.DefaultMaxAttempts
	}
	priority := nj.Priority
	if priority == 0 {
		priority = core.PriorityNormal
	}

	now := s.micros()
	var row jobRow
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO jobs (id, source, kind, tenant_id, correlation_id, idempotency_key,
			payload, raw_payload, headers, status, priority, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?)
		RETURNING `+jobColumns,
		uuid.NewString(), nj.Source, nj.Kind, nj.TenantID, nj.CorrelationID, nj.IdempotencyKey,
		payload, nj.RawPayload, headers, int(priority), maxAttempts, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return row.job(), nil
}

func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]*core.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.micros()
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		UPDATE jobs
		SET status = 'processing',
		    attempts = attempts + 1,
		    next_eligible_at = NULL,
		    processing_started_at = ?,
		    updated_at = ?
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'pending' AND (next_eligible_at IS NULL OR next_eligible_at <= ?)
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT ?
		)
		RETURNING `+jobColumns,
		now, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}

	// RETURNING order is unspecified.
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Priority != rows[j].Priority {
			return rows[i].Priority > rows[j].Priority
		}
		if rows[i].CreatedAt != rows[j].CreatedAt {
			return rows[i].CreatedAt < rows[j].CreatedAt
		}
		return rows[i].ID < rows[j].ID
	})
	jobs := make([]*core.Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.job())
	}
	return jobs, nil
}

func (s *Store) Complete(ctx context.Context, id string, result core.Result) (*core.Job, error) {
	if result.Status != core.StatusCompleted && result.Status != core.StatusIgnored {
		return nil, fmt.Errorf("%w: complete with status %q", core.ErrInvalidTransition, result.Status)
	}
	doc, err := result.Document()
	if err != nil {
		return nil, err
	}

	now := s.micros()
	var row jobRow
	err = s.db.GetContext(ctx, &row, `
		UPDATE jobs
		SET status = ?, result = ?, duration_ms = ?, next_eligible_at = NULL,
		    completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'
		RETURNING `+jobColumns,
		string(result.Status), nullText(doc), result.Duration.Milliseconds(), now, now, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.transitionError(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	return row.job(), nil
}

func (s *Store) MarkFailed(ctx context.Context, id string, cause error) (*core.Job, error) {
	if cause == nil {
		return nil, errors.New("mark failed: nil cause")
	}

	var cur struct {
		Status      string `db:"status"`
		Attempts    int    `db:"attempts"`
		MaxAttempts int    `db:"max_attempts"`
	}
	err := s.db.GetContext(ctx, &cur, `SELECT status, attempts, max_attempts FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	if core.Status(cur.Status) != core.StatusProcessing {
		return nil, fmt.Errorf("%w: %s is %s", core.ErrInvalidTransition, id, cur.Status)
	}

	now := s.now()
	var row jobRow
	if !core.IsTerminal(cause) && cur.Attempts < cur.MaxAttempts {
		next := now.Add(s.policy.Delay(cur.Attempts))
		err = s.db.GetContext(ctx, &row, `
			UPDATE jobs
			SET status = 'pending', last_error = ?, next_eligible_at = ?, updated_at = ?
			WHERE id = ? AND status = 'processing' AND attempts = ?
			RETURNING `+jobColumns,
			cause.Error(), next.UnixMicro(), now.UnixMicro(), id, cur.Attempts)
	} else {
		var details any
		if d := core.FailureDetails(cause); len(d) > 0 {
			b, err := json.Marshal(d)
			if err != nil {
				return nil, fmt.Errorf("encode failure details: %w", err)
			}
			details = string(b)
		}
		err = s.db.GetContext(ctx, &row, `
			UPDATE jobs
			SET status = 'failed', last_error = ?, next_eligible_at = NULL,
			    result = COALESCE(?, result), completed_at = ?, updated_at = ?
			WHERE id = ? AND status = 'processing' AND attempts = ?
			RETURNING `+jobColumns,
			cause.Error(), details, now.UnixMicro(), now.UnixMicro(), id, cur.Attempts)
	}
	if errors.Is(err, sql.ErrNoRows) {
		// Another process reported or reclaimed the job in between.
		return nil, s.transitionError(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark job %s failed: %w", id, err)
	}
	return row.job(), nil
}

func (s *Store) Get(ctx context.Context, id string) (*core.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return row.job(), nil
}

func (s *Store) transitionError(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", core.ErrInvalidTransition, id, job.Status)
}

func (s *Store) Stats(ctx context.Context) (*core.Stats, error) {
	var counts []struct {
		Status string `db:"status"`
		N      int64  `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &counts, `SELECT status, COUNT(*) AS n FROM jobs GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	stats := &core.Stats{FailedBySource: map[string]int64{}}
	for _, c := range counts {
		switch core.Status(c.Status) {
		case core.StatusPending:
			stats.Pending = c.N
		case core.StatusProcessing:
			stats.Processing = c.N
		case core.StatusCompleted:
			stats.Completed = c.N
		case core.StatusFailed:
			stats.Failed = c.N
		case core.StatusIgnored:
			stats.Ignored = c.N
		}
	}

	var oldest sql.NullInt64
	if err := s.db.GetContext(ctx, &oldest, `SELECT MIN(created_at) FROM jobs WHERE status = 'pending'`); err != nil {
		return nil, fmt.Errorf("failed to find oldest pending job: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAge = s.now().Sub(time.UnixMicro(oldest.Int64))
	}

	var failed []struct {
		Source string `db:"source"`
		N      int64  `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &failed, `SELECT source, COUNT(*) AS n FROM jobs WHERE status = 'failed' GROUP BY source`); err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}
	for _, f := range failed {
		stats.FailedBySource[f.Source] = f.N
	}
	return stats, nil
}

func (s *Store) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan).UnixMicro()
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT id FROM jobs WHERE status = 'processing' AND processing_started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to find stale jobs: %w", err)
	}

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

func (s *Store) PruneTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan).UnixMicro()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'ignored') AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rejected_deliveries WHERE received_at < ?`, cutoff); err != nil {
		return pruned, fmt.Errorf("failed to prune rejected deliveries: %w", err)
	}
	return pruned, nil
}

func (s *Store) ResolveTenant(ctx context.Context, source, externalAccountID string) (string, error) {
	if externalAccountID == "" {
		return "", core.ErrUnroutable
	}
	var tenant string
	err := s.db.GetContext(ctx, &tenant,
		`SELECT tenant_id FROM integrations WHERE source = ? AND external_account_id = ?`,
		source, externalAccountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", core.ErrUnroutable
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve tenant: %w", err)
	}
	return tenant, nil
}

func (s *Store) RegisterIntegration(ctx context.Context, source, externalAccountID, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integrations (source, external_account_id, tenant_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (source, external_account_id) DO UPDATE SET tenant_id = excluded.tenant_id`,
		source, externalAccountID, tenantID, s.micros())
	if err != nil {
		return fmt.Errorf("failed to register integration: %w", err)
	}
	return nil
}

func (s *Store) Seen(ctx context.Context, source, eventKey string) (bool, error) {
	var seen bool
	err := s.db.GetContext(ctx, &seen,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE source = ? AND event_key = ?)`,
		source, eventKey)
	if err != nil {
		return false, fmt.Errorf("failed to check processed events: %w", err)
	}
	return seen, nil
}

func (s *Store) Remember(ctx context.Context, source, eventKey, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (source, event_key, job_id, processed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (source, event_key) DO NOTHING`,
		source, eventKey, jobID, s.micros())
	if err != nil {
		return fmt.Errorf("failed to record processed event: %w", err)
	}
	return nil
}

func (s *Store) RecordRejection(ctx context.Context, r core.Rejection) error {
	received := r.ReceivedAt
	if received.IsZero() {
		received = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rejected_deliveries (source, remote_addr, reason, body_sha256, received_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.Source, r.RemoteAddr, r.Reason, r.BodySHA256, received.UnixMicro())
	if err != nil {
		return fmt.Errorf("failed to record rejected delivery: %w", err)
	}
	return nil
}

func nullText(doc types.JSONText) any {
	if len(doc) == 0 {
		return nil
	}
	return string(doc)
}
