package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditcore/config"
	"auditcore/internal/auditlog"
	"auditcore/pkg/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	c := &cfg.AuditCore
	c.Store.URL = "memory://"
	c.API.Addr = "127.0.0.1:0"
	c.Sinks.Records.Mode = "file"
	c.Sinks.Records.File.Path = filepath.Join(dir, "records.jsonl")
	c.Sinks.Alerts.File.Path = filepath.Join(dir, "alerts.jsonl")
	c.Sinks.DeadLetter.Path = filepath.Join(dir, "dead_letter.jsonl")
	c.Pipeline.FlushInterval = 20 * time.Millisecond
	return cfg
}

func TestNewWithoutBrokerDeliversLocally(t *testing.T) {
	cfg := testConfig(t)
	config.ApplyDefaults(cfg)
	require.NoError(t, config.Validate(cfg))

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	res, err := a.Service.Emit(context.Background(), models.Event{
		EventType:  models.EventKYCValidationRequested,
		CustomerID: "CUSTOMER_001",
		Payload:    &models.KYCValidationRequested{DocumentID: "doc-1"},
	})
	require.NoError(t, err)
	assert.True(t, res.BypassedBroker)

	n, err := a.Store.Count(context.Background(), auditlog.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, a.Service.Degraded())
}

func TestNewRejectsUnknownSinkMode(t *testing.T) {
	cfg := testConfig(t)
	config.ApplyDefaults(cfg)
	cfg.AuditCore.Sinks.Records.Mode = "s3"

	_, err := New(context.Background(), cfg)
	assert.ErrorContains(t, err, "unknown record sink mode")
}

func TestRunConsumesBrokerAndFlushesSinks(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	c := &cfg.AuditCore
	c.Broker.Mode = config.BrokerRedis
	c.Broker.Addr = mr.Addr()
	c.Broker.BlockTimeout = 50 * time.Millisecond
	c.Metrics.Mirror.Enabled = true
	c.Metrics.Mirror.Addr = mr.Addr()
	config.ApplyDefaults(cfg)
	require.NoError(t, config.Validate(cfg))

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, a.Warm(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	at := time.Now().UTC()
	res, err := a.Service.Emit(context.Background(), models.Event{
		EventID:     "evt-1",
		EventType:   models.EventDocumentProcessed,
		CustomerID:  "CUSTOMER_001",
		SourceAgent: "IntakeAgent",
		Timestamp:   at,
		Payload:     &models.DocumentProcessed{DocumentID: "doc-1"},
	})
	require.NoError(t, err)
	assert.False(t, res.BypassedBroker)
	assert.Equal(t, "redis", res.Broker)

	require.Eventually(t, func() bool {
		n, err := a.Store.Count(context.Background(), auditlog.Filter{})
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		counts, err := a.Counters.Daily(context.Background(), at)
		return err == nil && counts[string(models.EventDocumentProcessed)] == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	require.NoError(t, a.Close())

	data, err := os.ReadFile(c.Sinks.Records.File.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"evt-1"`)

	records, err := a.Store.Query(context.Background(), auditlog.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Degraded, "broker deliveries are not degraded")
}
