package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevigo/invoice-relay/internal/config"
	"github.com/sevigo/invoice-relay/internal/core"
	"github.com/sevigo/invoice-relay/internal/logger"
	"github.com/sevigo/invoice-relay/internal/retry"
	"github.com/sevigo/invoice-relay/internal/storage/memstore"
)

func testConfig(t *testing.T, sources map[string]config.SourceConfig) *config.Config {
	t.Helper()
	s, err := config.NewSources(sources)
	require.NoError(t, err)
	return &config.Config{
		Server:   config.ServerConfig{Port: "0"},
		Database: config.DBConfig{Driver: "memory"},
		Ingest:   config.IngestConfig{Timeout: time.Second, MaxBodyBytes: 1 << 10},
		Worker: config.WorkerConfig{
			Workers: 2, BatchSize: 5, PollInterval: 5 * time.Millisecond,
			JobTimeout: time.Second, StaleAfter: time.Minute, ReapInterval: time.Minute,
		},
		Notify:  config.NotifyConfig{Timeout: time.Second},
		Sources: s,
	}
}

func TestNewApp_RequiresClientsForConfiguredFamilies(t *testing.T) {
	cfg := testConfig(t, map[string]config.SourceConfig{
		"xero": {Handler: "accounting", KindPath: "events.0.eventCategory", DefaultTenant: "t1"},
	})

	_, err := NewApp(context.Background(), cfg, memstore.New(retry.DefaultPolicy()), logger.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider client")

	cfg.Provider.BaseURL = "http://provider.invalid"
	a, err := NewApp(context.Background(), cfg, memstore.New(retry.DefaultPolicy()), logger.Discard())
	require.NoError(t, err)
	assert.NotNil(t, a.Pool)
	assert.Same(t, cfg, a.Config())
}

func TestRunWorkers_DrainsQueuedJobs(t *testing.T) {
	cfg := testConfig(t, map[string]config.SourceConfig{
		"stripe": {Handler: "payments", KindPath: "type", EventIDPath: "id", DefaultTenant: "t1"},
	})
	store := memstore.New(retry.DefaultPolicy())
	a, err := NewApp(context.Background(), cfg, store, logger.Discard())
	require.NoError(t, err)

	job, err := store.Enqueue(context.Background(), core.NewJob{
		Source: "stripe", Kind: "invoice.paid", TenantID: "t1", IdempotencyKey: "evt_1",
		Payload: []byte(`{"id":"evt_1","type":"invoice.paid"}`),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunWorkers(ctx) }()

	require.Eventually(t, func() bool {
		got, err := store.Get(context.Background(), job.ID)
		return err == nil && got.Status == core.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
