package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevigo/invoice-relay/internal/core"
	"github.com/sevigo/invoice-relay/internal/retry"
	"github.com/sevigo/invoice-relay/internal/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupStore(t *testing.T) (*Store, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s, err := Open(filepath.Join(t.TempDir(), "relay.db"), retry.NewExponential(5*time.Minute, time.Hour, 0), WithClock(c.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, c
}

func enqueue(t *testing.T, s *Store, nj core.NewJob) *core.Job {
	t.Helper()
	if nj.Source == "" {
		nj.Source = "stripe"
	}
	job, err := s.Enqueue(context.Background(), nj)
	require.NoError(t, err)
	return job
}

func TestEnqueue_Defaults(t *testing.T) {
	s, c := setupStore(t)

	job := enqueue(t, s, core.NewJob{
		Kind:       "invoice.paid",
		TenantID:   "tenant-1",
		Payload:    []byte(`{"id":"evt_1"}`),
		RawPayload: []byte(`{"id":"evt_1"}`),
		Headers:    map[string]string{"Stripe-Signature": "t=1,v1=ab"},
	})

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, core.StatusPending, job.Status)
	assert.Equal(t, core.PriorityNormal, job.Priority)
	assert.Equal(t, core.DefaultMaxAttempts, job.MaxAttempts)
	assert.Zero(t, job.Attempts)
	assert.Nil(t, job.NextEligibleAt)
	assert.True(t, c.Now().Equal(job.CreatedAt))
	assert.Equal(t, "t=1,v1=ab", job.HeaderMap()["Stripe-Signature"])

	got, err := s.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"evt_1"}`, string(got.Payload))
	assert.Equal(t, `{"id":"evt_1"}`, string(got.RawPayload))

	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestClaimBatch_OrderAndEligibility(t *testing.T) {
	s, c := setupStore(t)
	ctx := context.Background()

	normal := enqueue(t, s, core.NewJob{Kind: "a"})
	c.Advance(time.Second)
	critical := enqueue(t, s, core.NewJob{Kind: "b", Priority: core.PriorityCritical})
	c.Advance(time.Second)
	high := enqueue(t, s, core.NewJob{Kind: "c", Priority: core.PriorityHigh})

	jobs, err := s.ClaimBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, critical.ID, jobs[0].ID)
	assert.Equal(t, high.ID, jobs[1].ID)
	for _, j := range jobs {
		assert.Equal(t, core.StatusProcessing, j.Status)
		assert.Equal(t, 1, j.Attempts)
		assert.NotNil(t, j.StartedAt)
	}

	jobs, err = s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, normal.ID, jobs[0].ID)

	jobs, err = s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestClaimBatch_ConcurrentClaimersNeverShareJobs(t *testing.T) {
	s, _ := setupStore(t)
	const total = 40
	for range total {
		enqueue(t, s, core.NewJob{Kind: "x"})
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := s.ClaimBatch(context.Background(), 3)
				if !assert.NoError(t, err) || len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestMarkFailed_RetriesThenDeadLetters(t *testing.T) {
	s, c := setupStore(t)
	ctx := context.Background()
	job := enqueue(t, s, core.NewJob{Kind: "x", MaxAttempts: 2})

	_, err := s.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	failed, err := s.MarkFailed(ctx, job.ID, errors.New("provider timeout"))
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, failed.Status)
	require.NotNil(t, failed.NextEligibleAt)
	assert.Equal(t, 5*time.Minute, failed.NextEligibleAt.Sub(c.Now()))
	assert.Equal(t, "provider timeout", failed.Error())

	jobs, err := s.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, jobs, "not eligible before the backoff elapses")

	c.Advance(5 * time.Minute)
	jobs, err = s.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Attempts)

	dead, err := s.MarkFailed(ctx, job.ID, errors.New("provider timeout"))
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, dead.Status)
	assert.Nil(t, dead.NextEligibleAt)
	assert.NotNil(t, dead.CompletedAt)
}

func TestMarkFailed_PermanentKeepsDetails(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	job := enqueue(t, s, core.NewJob{Source: core.SourceRegulatoryAuthority, Kind: "invoice", MaxAttempts: 5})
	_, err := s.ClaimBatch(ctx, 1)
	require.NoError(t, err)

	dead, err := s.MarkFailed(ctx, job.ID, &core.PermanentError{
		Reason:  "rejected",
		Details: map[string]any{"validation_errors": []string{"E101"}},
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, dead.Status)
	assert.Equal(t, 1, dead.Attempts)
	assert.JSONEq(t, `{"validation_errors":["E101"]}`, string(dead.Result))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.FailedBySource[core.SourceRegulatoryAuthority])
}

func TestComplete_TransitionsAndGuards(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	job := enqueue(t, s, core.NewJob{Kind: "x"})

	_, err := s.Complete(ctx, job.ID, core.Completed(nil))
	assert.ErrorIs(t, err, core.ErrInvalidTransition, "pending jobs cannot complete")

	_, err = s.ClaimBatch(ctx, 1)
	require.NoError(t, err)

	_, err = s.Complete(ctx, job.ID, core.Result{Status: core.StatusFailed})
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	res := core.Ignored("duplicate")
	res.Duration = 42 * time.Millisecond
	done, err := s.Complete(ctx, job.ID, res)
	require.NoError(t, err)
	assert.Equal(t, core.StatusIgnored, done.Status)
	assert.JSONEq(t, `{"reason":"duplicate"}`, string(done.Result))
	require.NotNil(t, done.DurationMS)
	assert.Equal(t, int64(42), *done.DurationMS)

	_, err = s.MarkFailed(ctx, job.ID, errors.New("late"))
	assert.ErrorIs(t, err, core.ErrInvalidTransition, "terminal jobs stay terminal")

	_, err = s.Complete(ctx, "missing", core.Completed(nil))
	assert.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestRecoverStaleAndPrune(t *testing.T) {
	s, c := setupStore(t)
	ctx := context.Background()

	stale := enqueue(t, s, core.NewJob{Kind: "x"})
	_, err := s.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	c.Advance(time.Hour)

	n, err := s.RecoverStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	got, err := s.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, got.Status)
	assert.Equal(t, storage.ErrLeaseExpired.Error(), got.Error())

	c.Advance(time.Hour)
	_, err = s.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	_, err = s.Complete(ctx, stale.ID, core.Completed(nil))
	require.NoError(t, err)
	require.NoError(t, s.RecordRejection(ctx, core.Rejection{Source: "stripe", Reason: "mismatch"}))
	pending := enqueue(t, s, core.NewJob{Kind: "y"})

	c.Advance(48 * time.Hour)
	pruned, err := s.PruneTerminal(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	_, err = s.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, core.ErrJobNotFound)
	_, err = s.Get(ctx, pending.ID)
	assert.NoError(t, err, "pending jobs are never pruned")

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, 48*time.Hour, stats.OldestPendingAge)
}

func TestLookupTables(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	_, err := s.ResolveTenant(ctx, "xero", "org-1")
	assert.ErrorIs(t, err, core.ErrUnroutable)

	require.NoError(t, s.RegisterIntegration(ctx, "xero", "org-1", "tenant-1"))
	require.NoError(t, s.RegisterIntegration(ctx, "xero", "org-1", "tenant-2"))
	tenant, err := s.ResolveTenant(ctx, "xero", "org-1")
	require.NoError(t, err)
	assert.Equal(t, "tenant-2", tenant)

	_, err = s.ResolveTenant(ctx, "xero", "")
	assert.ErrorIs(t, err, core.ErrUnroutable)

	seen, err := s.Seen(ctx, "xero", "inv-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.Remember(ctx, "xero", "inv-1", "job-1"))
	require.NoError(t, s.Remember(ctx, "xero", "inv-1", "job-2"))
	seen, err = s.Seen(ctx, "xero", "inv-1")
	require.NoError(t, err)
	assert.True(t, seen)
}
