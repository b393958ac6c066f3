// Package dispatch ranks incoming events and raises the out-of-band alert for
// the ones that cannot wait in the queue.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sevigo/invoice-relay/internal/config"
	"github.com/sevigo/invoice-relay/internal/core"
)

const defaultEscalationTimeout = 10 * time.Second

// Classification is the scheduling decision for one event.
type Classification struct {
	Priority core.Priority
	Critical bool
}

// Dispatcher classifies events from the static per-source priority tables
// and escalates critical ones through the notifier.
type Dispatcher struct {
	sources  *config.Sources
	notifier core.Notifier
	timeout  time.Duration
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A zero timeout uses 10 seconds.
func NewDispatcher(sources *config.Sources, notifier core.Notifier, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultEscalationTimeout
	}
	return &Dispatcher{sources: sources, notifier: notifier, timeout: timeout, logger: logger}
}

// Classify looks the event kind up in the source's priority table. Exact
// patterns win over wildcard ones, and the longest wildcard prefix wins among
// wildcards. Unknown sources and unmatched kinds get the source default.
// The payload is not inspected; every table in use today ranks on kind.
func (d *Dispatcher) Classify(source, kind string, _ json.RawMessage) Classification {
	sc, ok := d.sources.Get(source)
	if !ok {
		return Classification{Priority: core.PriorityNormal}
	}

	name, found := match(sc.Priorities, kind)
	if !found {
		name = sc.DefaultPriority
	}
	p, err := core.ParsePriority(name)
	if err != nil {
		p = core.PriorityNormal
	}
	return Classification{Priority: p, Critical: p == core.PriorityCritical}
}

func match(table map[string]string, kind string) (string, bool) {
	if p, ok := table[kind]; ok {
		return p, true
	}
	best, bestLen, found := "", -1, false
	for pattern, p := range table {
		prefix, ok := strings.CutSuffix(pattern, "*")
		if !ok || !strings.HasPrefix(kind, prefix) {
			continue
		}
		if len(prefix) > bestLen {
			best, bestLen, found = p, len(prefix), true
		}
	}
	return best, found
}

// Escalate sends a critical-event alert in the background. The alert runs on
// a context detached from the caller, so the HTTP request that triggered it
// can return before delivery finishes. Failures are only logged.
func (d *Dispatcher) Escalate(ctx context.Context, job *core.Job) {
	alert := core.Alert{
		TenantID: job.TenantID,
		Source:   job.Source,
		Kind:     job.Kind,
		JobID:    job.ID,
		Severity: "critical",
		Title:    fmt.Sprintf("Critical %s event from %s", job.Kind, job.Source),
		Message:  fmt.Sprintf("Job %s for tenant %s was classified critical and queued ahead of normal traffic.", job.ID, job.TenantID),
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		if err := d.notifier.Notify(sendCtx, alert); err != nil {
			d.logger.Error("failed to deliver critical event alert",
				"job_id", job.ID,
				"source", job.Source,
				"kind", job.Kind,
				"tenant_id", job.TenantID,
				"error", err,
			)
			return
		}
		d.logger.Info("critical event alert delivered", "job_id", job.ID, "source", job.Source)
	}()
}

// Wait blocks until every in-flight escalation has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
