package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevigo/invoice-relay/internal/authority"
	"github.com/sevigo/invoice-relay/internal/config"
	"github.com/sevigo/invoice-relay/internal/core"
	"github.com/sevigo/invoice-relay/internal/dispatch"
	"github.com/sevigo/invoice-relay/internal/filing"
	"github.com/sevigo/invoice-relay/internal/handlers"
	"github.com/sevigo/invoice-relay/internal/ingest"
	"github.com/sevigo/invoice-relay/internal/jobs"
	"github.com/sevigo/invoice-relay/internal/logger"
	"github.com/sevigo/invoice-relay/internal/notify"
	"github.com/sevigo/invoice-relay/internal/retry"
	"github.com/sevigo/invoice-relay/internal/signature"
	"github.com/sevigo/invoice-relay/internal/storage/memstore"
)

const stripeSecret = "whsec_test"

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

type env struct {
	srv     *httptest.Server
	store   *memstore.Store
	clock   *clock
	sources *config.Sources
}

func newEnv(t *testing.T) *env {
	t.Helper()
	sources, err := config.NewSources(map[string]config.SourceConfig{
		"stripe": {
			Handler:         "payments",
			Scheme:          config.SchemeTimestampedHMAC,
			Secret:          stripeSecret,
			SignatureHeader: "Stripe-Signature",
			AuditRejections: true,
			KindPath:        "type",
			EventIDPath:     "id",
			TenantPath:      "account",
			Priorities:      map[string]string{"invoice.paid": "high"},
			MaxAttempts:     3,
		},
		core.SourceRegulatoryAuthority: {Handler: "submission", Outbound: true, DefaultPriority: "high"},
	})
	require.NoError(t, err)

	c := &clock{now: time.Now().UTC()}
	store := memstore.New(retry.NewExponential(time.Minute, time.Hour, 0), memstore.WithClock(c.Now))
	require.NoError(t, store.RegisterIntegration(context.Background(), "stripe", "acct_1", "tenant-1"))

	log := logger.Discard()
	disp := dispatch.NewDispatcher(sources, notify.NewLogNotifier(log), time.Second, log)
	t.Cleanup(disp.Wait)

	cfg := &config.Config{
		Ingest:  config.IngestConfig{Timeout: time.Second, MaxBodyBytes: 1 << 10},
		Sources: sources,
	}
	ingester := ingest.NewService(sources, signature.New(sources, log), disp, store, store, store, log)
	filer := filing.NewService(sources, disp, store, log)

	srv := httptest.NewServer(NewRouter(cfg, ingester, filer, store, log))
	t.Cleanup(srv.Close)
	return &env{srv: srv, store: store, clock: c, sources: sources}
}

func stripeHeader(body string, ts time.Time) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(stripeSecret))
	mac.Write([]byte(unix + "." + body))
	return fmt.Sprintf("t=%s,v1=%s", unix, hex.EncodeToString(mac.Sum(nil)))
}

func (e *env) deliver(t *testing.T, body, sig string) (*http.Response, receiptResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/webhooks/stripe", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", sig)

	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var receipt receiptResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&receipt))
	}
	return resp, receipt
}

type receiptResponse struct {
	ReceiptID string `json:"receipt_id"`
}

func (e *env) pool(table map[string]core.Handler) *jobs.Pool {
	cfg := config.WorkerConfig{Workers: 1, BatchSize: 10, PollInterval: 10 * time.Millisecond, JobTimeout: time.Second}
	return jobs.NewPool(e.store, table, nil, cfg, logger.Discard())
}

func (e *env) job(t *testing.T, id string) *core.Job {
	t.Helper()
	job, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

const paidEvent = `{"id":"evt_1","type":"invoice.paid","account":"acct_1"}`

func TestWebhook_ValidDeliveryIsCompleted(t *testing.T) {
	e := newEnv(t)

	resp, receipt := e.deliver(t, paidEvent, stripeHeader(paidEvent, time.Now()))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, receipt.ReceiptID)

	job := e.job(t, receipt.ReceiptID)
	assert.Equal(t, core.StatusPending, job.Status)
	assert.Equal(t, core.PriorityHigh, job.Priority)
	assert.Equal(t, "tenant-1", job.TenantID)

	log := logger.Discard()
	table, err := handlers.ForSources(e.sources, handlers.Deps{
		Sink:      handlers.NewLogSink(log),
		Ledger:    e.store,
		Provider:  handlers.NewProviderClientWithHTTP("http://provider.invalid", http.DefaultClient),
		Authority: authority.NewClientWithHTTP("http://authority.invalid", http.DefaultClient, log),
		Logger:    log,
	})
	require.NoError(t, err)

	n, err := e.pool(table).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job = e.job(t, receipt.ReceiptID)
	assert.Equal(t, core.StatusCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, 1, job.Attempts)
}

func TestWebhook_RetriesUntilDeadLettered(t *testing.T) {
	e := newEnv(t)

	resp, receipt := e.deliver(t, paidEvent, stripeHeader(paidEvent, time.Now()))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	failing := core.HandlerFunc(func(context.Context, *core.Job) (core.Result, error) {
		return core.Result{}, errors.New("ledger unavailable")
	})
	pool := e.pool(map[string]core.Handler{"stripe": failing})

	for claim := 1; claim <= 3; claim++ {
		n, err := pool.RunOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, n, "claim %d", claim)

		job := e.job(t, receipt.ReceiptID)
		assert.Equal(t, claim, job.Attempts)
		if claim < 3 {
			assert.Equal(t, core.StatusPending, job.Status)
			require.NotNil(t, job.NextEligibleAt)
			e.clock.Advance(job.NextEligibleAt.Sub(e.clock.Now()))
		}
	}

	job := e.job(t, receipt.ReceiptID)
	assert.Equal(t, core.StatusFailed, job.Status)
	assert.Nil(t, job.NextEligibleAt)
	assert.Equal(t, "ledger unavailable", job.Error())

	n, err := pool.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWebhook_TamperedSignatureIsRejected(t *testing.T) {
	e := newEnv(t)

	tampered := strings.Replace(paidEvent, "evt_1", "evt_2", 1)
	resp, _ := e.deliver(t, tampered, stripeHeader(paidEvent, time.Now()))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, e.store.Jobs())
	assert.Len(t, e.store.Rejections(), 1)
}

func TestWebhook_StaleTimestampIsRejected(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.deliver(t, paidEvent, stripeHeader(paidEvent, time.Now().Add(-time.Hour)))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, e.store.Jobs())
}

func TestWebhook_RedeliveryIsAppliedOnce(t *testing.T) {
	e := newEnv(t)

	var applied int
	sink := core.HandlerFunc(func(context.Context, *core.Job) (core.Result, error) {
		applied++
		return core.Completed(nil), nil
	})
	pool := e.pool(map[string]core.Handler{"stripe": handlers.Idempotent(sink, e.store, logger.Discard())})

	var ids []string
	for range 2 {
		resp, receipt := e.deliver(t, paidEvent, stripeHeader(paidEvent, time.Now()))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		ids = append(ids, receipt.ReceiptID)
		_, err := pool.RunOnce(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, 1, applied)
	assert.Equal(t, core.StatusCompleted, e.job(t, ids[0]).Status)
	second := e.job(t, ids[1])
	assert.Equal(t, core.StatusIgnored, second.Status)
	assert.JSONEq(t, `{"reason":"duplicate"}`, string(second.Result))
}

func TestWebhook_RoutingErrors(t *testing.T) {
	e := newEnv(t)

	resp, err := e.srv.Client().Post(e.srv.URL+"/webhooks/shopify", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = e.srv.Client().Post(e.srv.URL+"/webhooks/"+core.SourceRegulatoryAuthority, "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "outbound sources have no webhook")

	big := `{"pad":"` + strings.Repeat("x", 2<<10) + `"}`
	resp, _ = e.deliver(t, big, stripeHeader(big, time.Now()))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	orphan := `{"id":"evt_9","type":"invoice.paid","account":"acct_unknown"}`
	resp, receipt := e.deliver(t, orphan, stripeHeader(orphan, time.Now()))
	assert.Equal(t, http.StatusOK, resp.StatusCode, "unroutable deliveries are acknowledged")
	assert.Empty(t, receipt.ReceiptID)
	assert.Empty(t, e.store.Jobs())
}

func TestAPI_SubmissionAndJobLookup(t *testing.T) {
	e := newEnv(t)

	body := `{"tenant_id":"tenant-1","document_id":"INV-1","document_type":"invoice","document":{"total":"10.00"}}`
	resp, err := e.srv.Client().Post(e.srv.URL+"/api/v1/submissions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var queued struct {
		JobID  string      `json:"job_id"`
		Status core.Status `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&queued))
	assert.Equal(t, core.StatusPending, queued.Status)

	resp, err = e.srv.Client().Get(e.srv.URL + "/api/v1/jobs/" + queued.JobID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var job core.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.Equal(t, core.SourceRegulatoryAuthority, job.Source)
	assert.Equal(t, "invoice", job.Kind)
	assert.Equal(t, core.PriorityHigh, job.Priority)

	resp, err = e.srv.Client().Post(e.srv.URL+"/api/v1/submissions", "application/json", strings.NewReader(`{"tenant_id":"tenant-1"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, err = e.srv.Client().Get(e.srv.URL + "/api/v1/jobs/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_Stats(t *testing.T) {
	e := newEnv(t)
	resp, _ := e.deliver(t, paidEvent, stripeHeader(paidEvent, time.Now()))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err := e.srv.Client().Get(e.srv.URL + "/api/v1/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats struct {
		Pending int64 `json:"pending"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, int64(1), stats.Pending)
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	resp, err := e.srv.Client().Get(e.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
