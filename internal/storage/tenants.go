package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sevigo/invoice-relay/internal/core"
)

// ResolveTenant looks up the tenant that connected externalAccountID.
func (s *postgresStore) ResolveTenant(ctx context.Context, source, externalAccountID string) (string, error) {
	if externalAccountID == "" {
		return "", core.ErrUnroutable
	}
	var tenantID string
	err := s.db.GetContext(ctx, &tenantID, `
		SELECT tenant_id FROM integrations
		WHERE source = $1 AND external_account_id = $2`, source, externalAccountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", core.ErrUnroutable
	}
	if err != nil {
		return "", fmt.Errorf("resolve tenant: %w", err)
	}
	return tenantID, nil
}

// RegisterIntegration upserts the account to tenant mapping.
func (s *postgresStore) RegisterIntegration(ctx context.Context, source, externalAccountID, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integrations (source, external_account_id, tenant_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (source, external_account_id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id`,
		source, externalAccountID, tenantID)
	if err != nil {
		return fmt.Errorf("register integration: %w", err)
	}
	return nil
}

// Seen reports whether an event key was already applied for source.
func (s *postgresStore) Seen(ctx context.Context, source, key string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM processed_events WHERE source = $1 AND event_key = $2)`, source, key)
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return exists, nil
}

// Remember records that jobID applied the event key. The first writer wins.
func (s *postgresStore) Remember(ctx context.Context, source, key, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (source, event_key, job_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (source, event_key) DO NOTHING`, source, key, jobID)
	if err != nil {
		return fmt.Errorf("remember processed event: %w", err)
	}
	return nil
}

// RecordRejection appends an audit row for an unauthenticated delivery.
func (s *postgresStore) RecordRejection(ctx context.Context, r core.Rejection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rejected_deliveries (source, remote_addr, reason, body_sha256, received_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))`,
		r.Source, r.RemoteAddr, r.Reason, r.BodySHA256, nullTime(r.ReceivedAt))
	if err != nil {
		return fmt.Errorf("record rejected delivery: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
