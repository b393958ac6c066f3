// Package jobs runs the worker pool that drains the job table.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sevigo/invoice-relay/internal/config"
	"github.com/sevigo/invoice-relay/internal/core"
)

const reportTimeout = 10 * time.Second

var (
	// ErrJobTimeout is recorded when a handler outlives the per-job timeout.
	ErrJobTimeout = errors.New("job exceeded its processing timeout")
	// ErrShuttingDown is recorded for claimed jobs released during shutdown.
	ErrShuttingDown = errors.New("worker shut down before the job started")
)

// Store is the part of the job store the pool needs.
type Store interface {
	core.JobStore
	RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Pool runs uncoordinated workers against the shared store. Workers never
// talk to each other; the claim is the only synchronization.
type Pool struct {
	store    Store
	handlers map[string]core.Handler
	notifier core.Notifier
	cfg      config.WorkerConfig
	logger   *slog.Logger
}

// NewPool creates a pool. Zero values in cfg fall back to one worker, a batch
// of one and a one-second poll.
func NewPool(store Store, handlers map[string]core.Handler, notifier core.Notifier, cfg config.WorkerConfig, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Pool{store: store, handlers: handlers, notifier: notifier, cfg: cfg, logger: logger}
}

// Run starts the workers and the stale-job reaper and blocks until ctx is
// cancelled and every worker has finished its current job.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := range p.cfg.Workers {
		g.Go(func() error {
			p.work(ctx, i)
			return nil
		})
	}
	if p.cfg.ReapInterval > 0 && p.cfg.StaleAfter > 0 {
		g.Go(func() error {
			p.reap(ctx)
			return nil
		})
	}

	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context, workerID int) {
	p.logger.Info("starting worker", "id", workerID)
	defer p.logger.Info("shutting down worker", "id", workerID)

	for {
		n, err := p.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.Error("failed to claim jobs", "worker_id", workerID, "error", err)
		}
		// A full batch means more work is likely waiting.
		if err == nil && n == p.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// RunOnce claims one batch and processes it sequentially in claim order.
// It returns the number of jobs claimed.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	batch, err := p.store.ClaimBatch(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for i, job := range batch {
		if ctx.Err() != nil {
			p.release(batch[i:])
			break
		}
		p.Process(ctx, job)
	}
	return len(batch), nil
}

// Process runs one claimed job and records its outcome. Each job is reported
// on its own; a failure never affects the rest of the batch.
func (p *Pool) Process(ctx context.Context, job *core.Job) {
	log := p.logger.With("job_id", job.ID, "source", job.Source, "kind", job.Kind, "attempt", job.Attempts)

	h, ok := p.handlers[job.Source]
	if !ok {
		p.fail(job, core.Permanent("unroutable job", fmt.Errorf("%w %q", core.ErrNoHandler, job.Source)), log)
		return
	}

	log.Debug("processing job")
	// Shutdown does not interrupt a started job; the job timeout still applies.
	start := time.Now()
	res, err := p.invoke(context.WithoutCancel(ctx), h, job)
	elapsed := time.Since(start)

	if err != nil {
		p.fail(job, err, log)
		return
	}
	if res.Status == "" {
		res.Status = core.StatusCompleted
	}
	res.Duration = elapsed

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if _, err := p.store.Complete(reportCtx, job.ID, res); err != nil {
		log.Error("failed to record job result", "status", res.Status, "error", err)
		return
	}
	log.Info("job finished", "status", res.Status, "reason", res.Reason, "duration", elapsed)
}

// invoke bounds the handler by the job timeout. A handler that ignores its
// context is abandoned when the timeout fires and keeps running in the
// background; once the retry backoff elapses another worker may claim the
// job while that goroutine is still calling out. Handlers must honour ctx.
func (p *Pool) invoke(ctx context.Context, h core.Handler, job *core.Job) (core.Result, error) {
	if p.cfg.JobTimeout <= 0 {
		return safeHandle(ctx, h, job)
	}
	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	type outcome struct {
		res core.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := safeHandle(jobCtx, h, job)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			return core.Result{}, fmt.Errorf("%w after %s: %w", ErrJobTimeout, p.cfg.JobTimeout, o.err)
		}
		return o.res, o.err
	case <-jobCtx.Done():
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			return core.Result{}, fmt.Errorf("%w after %s", ErrJobTimeout, p.cfg.JobTimeout)
		}
		return core.Result{}, jobCtx.Err()
	}
}

func safeHandle(ctx context.Context, h core.Handler, job *core.Job) (res core.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, job)
}

func (p *Pool) fail(job *core.Job, cause error, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	updated, err := p.store.MarkFailed(ctx, job.ID, cause)
	if err != nil {
		log.Error("failed to record job failure", "cause", cause, "error", err)
		return
	}
	if updated.Status == core.StatusPending {
		log.Warn("job failed; retry scheduled", "error", cause, "next_eligible_at", updated.NextEligibleAt)
		return
	}

	log.Error("job dead-lettered", "error", cause, "attempts", updated.Attempts, "terminal", core.IsTerminal(cause))
	p.deadLetterAlert(ctx, updated, cause)
}

func (p *Pool) deadLetterAlert(ctx context.Context, job *core.Job, cause error) {
	if p.notifier == nil {
		return
	}
	err := p.notifier.Notify(ctx, core.Alert{
		TenantID: job.TenantID,
		Source:   job.Source,
		Kind:     job.Kind,
		JobID:    job.ID,
		Severity: "error",
		Title:    fmt.Sprintf("%s job dead-lettered", job.Source),
		Message:  deadLetterMessage(job, cause),
	})
	if err != nil {
		p.logger.Error("failed to send dead-letter alert", "job_id", job.ID, "error", err)
	}
}

func deadLetterMessage(job *core.Job, cause error) string {
	if errors.Is(cause, ErrShuttingDown) {
		return fmt.Sprintf("Job %s (%s) was claimed for its last attempt but never ran: the worker shut down first. "+
			"It had %d earlier attempt(s). Re-submit the event if it is still needed.", job.ID, job.Kind, job.Attempts-1)
	}
	return fmt.Sprintf("Job %s (%s) failed after %d attempt(s): %s", job.ID, job.Kind, job.Attempts, job.Error())
}

// release hands claimed but unstarted jobs back through the failure path.
func (p *Pool) release(jobs []*core.Job) {
	for _, job := range jobs {
		p.fail(job, ErrShuttingDown, p.logger.With("job_id", job.ID, "source", job.Source))
	}
}

func (p *Pool) reap(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.RecoverStale(ctx, p.cfg.StaleAfter)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("failed to recover stale jobs", "error", err)
				}
				continue
			}
			if n > 0 {
				p.logger.Warn("recovered stale jobs", "count", n, "stale_after", p.cfg.StaleAfter)
			}
		}
	}
}
