// Package storage persists jobs and the lookup tables around them.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sevigo/invoice-relay/internal/core"
)

// Store defines every database operation the pipeline needs: the claim-based
// job queue plus the small tables around it.
type Store interface {
	core.JobStore
	core.TenantResolver
	core.IdempotencyLedger
	core.RejectionAuditor

	// Stats summarizes the ledger for dashboards.
	Stats(ctx context.Context) (*core.Stats, error)
	// RecoverStale sends jobs stuck in processing for longer than olderThan
	// back through the failure path, as if their handler had timed out.
	RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error)
	// PruneTerminal deletes terminal jobs finished more than olderThan ago.
	PruneTerminal(ctx context.Context, olderThan time.Duration) (int64, error)
	// RegisterIntegration links a provider account to a tenant.
	RegisterIntegration(ctx context.Context, source, externalAccountID, tenantID string) error
}

// ErrLeaseExpired is the failure recorded for jobs recovered by RecoverStale.
var ErrLeaseExpired = errors.New("processing lease expired before the job reported back")
