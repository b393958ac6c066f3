package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/sevigo/invoice-relay/internal/config"
	"github.com/sevigo/invoice-relay/internal/core"
	"github.com/sevigo/invoice-relay/internal/core/mocks"
	"github.com/sevigo/invoice-relay/internal/dispatch"
	"github.com/sevigo/invoice-relay/internal/logger"
	"github.com/sevigo/invoice-relay/internal/retry"
	"github.com/sevigo/invoice-relay/internal/signature"
	"github.com/sevigo/invoice-relay/internal/storage/memstore"
)

const xeroKey = "xero-key"

type fixture struct {
	svc      *Service
	store    *memstore.Store
	tenants  *mocks.MockTenantResolver
	notifier *mocks.MockNotifier
	disp     *dispatch.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sources, err := config.NewSources(map[string]config.SourceConfig{
		"xero": {
			Handler:         "accounting",
			Scheme:          config.SchemeHMAC,
			Secret:          xeroKey,
			SignatureHeader: "X-Xero-Signature",
			Encoding:        "base64",
			AuditRejections: true,
			SplitPath:       "events",
			KindPath:        "eventCategory",
			EventIDPaths:    []string{"resourceId", "eventType", "eventDateUtc"},
			TenantPath:      "tenantId",
			Priorities:      map[string]string{"INVOICE": "high", "CONNECTION": "critical"},
			MaxAttempts:     4,
		},
		"legacy": {
			Handler:       "payments",
			KindHeader:    "X-Event-Type",
			DefaultTenant: "tenant-legacy",
		},
		"regulatory-authority": {Handler: "submission", Outbound: true},
	})
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	f := &fixture{
		store:    memstore.New(retry.DefaultPolicy()),
		tenants:  mocks.NewMockTenantResolver(ctrl),
		notifier: mocks.NewMockNotifier(ctrl),
	}
	f.disp = dispatch.NewDispatcher(sources, f.notifier, time.Second, logger.Discard())
	f.svc = NewService(sources, signature.New(sources, logger.Discard()), f.disp, f.store, f.tenants, f.store, logger.Discard())
	return f
}

func xeroDelivery(body string) Delivery {
	mac := hmac.New(sha256.New, []byte(xeroKey))
	mac.Write([]byte(body))
	h := http.Header{}
	h.Set("X-Xero-Signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	return Delivery{Source: "xero", Body: []byte(body), Headers: h, RemoteAddr: "203.0.113.9"}
}

const (
	invoiceElement = `{"eventCategory":"INVOICE","eventType":"UPDATE","eventDateUtc":"2026-03-01T09:00:00Z","resourceId":"inv-77","tenantId":"org-1"}`
	invoiceEvent   = `{"events":[` + invoiceElement + `]}`
)

func TestIngest_PersistsPendingJob(t *testing.T) {
	f := newFixture(t)
	f.tenants.EXPECT().ResolveTenant(gomock.Any(), "xero", "org-1").Return("tenant-1", nil)

	receipt, err := f.svc.Ingest(context.Background(), xeroDelivery(invoiceEvent))
	require.NoError(t, err)
	require.NotEmpty(t, receipt.JobID)
	assert.False(t, receipt.Dropped)
	assert.Equal(t, core.PriorityHigh, receipt.Priority)

	job, err := f.store.Get(context.Background(), receipt.JobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, 4, job.MaxAttempts)
	assert.Nil(t, job.NextEligibleAt)
	assert.Equal(t, "INVOICE", job.Kind)
	assert.Equal(t, "tenant-1", job.TenantID)
	assert.Equal(t, "inv-77:UPDATE:2026-03-01T09:00:00Z", job.IdempotencyKey)
	assert.JSONEq(t, invoiceElement, string(job.Payload))
	assert.Equal(t, invoiceEvent, string(job.RawPayload))
	assert.Contains(t, job.HeaderMap(), "X-Xero-Signature")
}

func TestIngest_TamperedSignatureCreatesNoJob(t *testing.T) {
	f := newFixture(t)
	d := xeroDelivery(invoiceEvent)
	d.Body = []byte(`{"events":[{"eventCategory":"INVOICE","resourceId":"inv-78","tenantId":"org-1"}]}`)

	_, err := f.svc.Ingest(context.Background(), d)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Empty(t, f.store.Jobs())

	rejections := f.store.Rejections()
	require.Len(t, rejections, 1)
	assert.Equal(t, "xero", rejections[0].Source)
	assert.Equal(t, "203.0.113.9", rejections[0].RemoteAddr)
	assert.Len(t, rejections[0].BodySHA256, 64)
}

func TestIngest_UnknownAndOutboundSources(t *testing.T) {
	f := newFixture(t)
	for _, source := range []string{"nope", "regulatory-authority"} {
		_, err := f.svc.Ingest(context.Background(), Delivery{Source: source, Body: []byte(`{}`), Headers: http.Header{}})
		assert.ErrorIs(t, err, core.ErrUnknownSource, source)
	}
	assert.Empty(t, f.store.Jobs())
}

func TestIngest_UnroutableIsAcknowledgedAndDropped(t *testing.T) {
	f := newFixture(t)
	f.tenants.EXPECT().ResolveTenant(gomock.Any(), "xero", "org-1").Return("", core.ErrUnroutable)

	receipt, err := f.svc.Ingest(context.Background(), xeroDelivery(invoiceEvent))
	require.NoError(t, err)
	assert.True(t, receipt.Dropped)
	assert.Empty(t, receipt.JobID)
	assert.Empty(t, f.store.Jobs())
}

func TestIngest_MissingAccountIsUnroutable(t *testing.T) {
	f := newFixture(t)
	receipt, err := f.svc.Ingest(context.Background(), xeroDelivery(`{"events":[]}`))
	require.NoError(t, err)
	assert.True(t, receipt.Dropped)
}

func TestIngest_ResolverFailureIsAnError(t *testing.T) {
	f := newFixture(t)
	f.tenants.EXPECT().ResolveTenant(gomock.Any(), "xero", "org-1").Return("", errors.New("db down"))

	_, err := f.svc.Ingest(context.Background(), xeroDelivery(invoiceEvent))
	assert.ErrorContains(t, err, "db down")
	assert.Empty(t, f.store.Jobs())
}

func TestIngest_CriticalEventEscalates(t *testing.T) {
	f := newFixture(t)
	f.tenants.EXPECT().ResolveTenant(gomock.Any(), "xero", "org-1").Return("tenant-1", nil)
	f.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(errors.New("chat down"))

	body := `{"events":[{"eventCategory":"CONNECTION","resourceId":"c-1","tenantId":"org-1"}]}`
	receipt, err := f.svc.Ingest(context.Background(), xeroDelivery(body))
	require.NoError(t, err)
	f.disp.Wait()

	assert.True(t, receipt.Critical)
	job, err := f.store.Get(context.Background(), receipt.JobID)
	require.NoError(t, err)
	assert.Equal(t, core.PriorityCritical, job.Priority)
	assert.Equal(t, core.StatusPending, job.Status)
}

func TestIngest_DefaultTenantAndHeaderKind(t *testing.T) {
	f := newFixture(t)
	h := http.Header{}
	h.Set("X-Event-Type", "invoice.paid")

	receipt, err := f.svc.Ingest(context.Background(), Delivery{Source: "legacy", Body: []byte(`{"id":1}`), Headers: h})
	require.NoError(t, err)

	job, err := f.store.Get(context.Background(), receipt.JobID)
	require.NoError(t, err)
	assert.Equal(t, "tenant-legacy", job.TenantID)
	assert.Equal(t, "invoice.paid", job.Kind)
	assert.Equal(t, core.DefaultMaxAttempts, job.MaxAttempts)
}

func TestIngest_SplitsBatchedEvents(t *testing.T) {
	f := newFixture(t)
	f.tenants.EXPECT().ResolveTenant(gomock.Any(), "xero", "org-1").Return("tenant-1", nil)
	f.tenants.EXPECT().ResolveTenant(gomock.Any(), "xero", "org-2").Return("tenant-2", nil)
	f.tenants.EXPECT().ResolveTenant(gomock.Any(), "xero", "org-9").Return("", core.ErrUnroutable)

	body := `{"events":[
		{"eventCategory":"CONTACT","eventType":"CREATE","eventDateUtc":"2026-03-01T09:00:00Z","resourceId":"c-1","tenantId":"org-1"},
		{"eventCategory":"INVOICE","eventType":"UPDATE","eventDateUtc":"2026-03-01T09:00:01Z","resourceId":"inv-2","tenantId":"org-2"},
		{"eventCategory":"INVOICE","eventType":"UPDATE","eventDateUtc":"2026-03-01T09:00:02Z","resourceId":"inv-3","tenantId":"org-9"}
	]}`
	receipt, err := f.svc.Ingest(context.Background(), xeroDelivery(body))
	require.NoError(t, err)
	require.Len(t, receipt.JobIDs, 2)
	assert.Equal(t, receipt.JobIDs[0], receipt.JobID)
	assert.Equal(t, core.PriorityHigh, receipt.Priority)

	first, err := f.store.Get(context.Background(), receipt.JobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", first.TenantID)
	assert.Equal(t, "CONTACT", first.Kind)
	assert.Equal(t, core.PriorityNormal, first.Priority)
	assert.Equal(t, "c-1:CREATE:2026-03-01T09:00:00Z", first.IdempotencyKey)

	second, err := f.store.Get(context.Background(), receipt.JobIDs[1])
	require.NoError(t, err)
	assert.Equal(t, "tenant-2", second.TenantID)
	assert.Equal(t, core.PriorityHigh, second.Priority)
	assert.Equal(t, body, string(second.RawPayload), "every job keeps the signed body")
}

func TestIngest_SourceNameIsCanonical(t *testing.T) {
	f := newFixture(t)
	h := http.Header{}
	h.Set("X-Event-Type", "invoice.paid")

	receipt, err := f.svc.Ingest(context.Background(), Delivery{Source: "LEGACY", Body: []byte(`{"id":1}`), Headers: h})
	require.NoError(t, err)
	job, err := f.store.Get(context.Background(), receipt.JobID)
	require.NoError(t, err)
	assert.Equal(t, "legacy", job.Source)

	f.tenants.EXPECT().ResolveTenant(gomock.Any(), "xero", "org-1").Return("tenant-1", nil)
	d := xeroDelivery(invoiceEvent)
	d.Source = " Xero"
	receipt, err = f.svc.Ingest(context.Background(), d)
	require.NoError(t, err)
	job, err = f.store.Get(context.Background(), receipt.JobID)
	require.NoError(t, err)
	assert.Equal(t, "xero", job.Source)
}
