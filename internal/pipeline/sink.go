package pipeline

import (
	"context"
	"time"

	"auditcore/internal/logger"
	"auditcore/internal/observability"
	"auditcore/pkg/models"
)

// SinkConfig controls batching.
type SinkConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	// RetryInterval is the pause between failed flush attempts.
	RetryInterval time.Duration
	// EnqueueTimeout bounds how long Add waits for queue space before the
	// item is dropped.
	EnqueueTimeout time.Duration
}

type sinkItem struct {
	record *models.AuditRecord
	alerts []models.AnomalyAlert
}

// Sink batches persisted records and alerts and flushes them to external
// writers on size or interval. A failed flush is retried until it succeeds
// or the sink stops.
type Sink struct {
	records RecordWriter
	alerts  AlertWriter
	cfg     SinkConfig
	in      chan sinkItem
	done    chan struct{}
}

// NewSink creates a sink. Either writer may be nil.
func NewSink(records RecordWriter, alerts AlertWriter, cfg SinkConfig) *Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 50 * time.Millisecond
	}
	return &Sink{
		records: records,
		alerts:  alerts,
		cfg:     cfg,
		in:      make(chan sinkItem, cfg.BatchSize),
		done:    make(chan struct{}),
	}
}

// Add queues a record and its alerts and reports whether they were queued.
// While the queue is full it waits at most EnqueueTimeout, then drops the
// item. The record is already in the audit log, so only the export is lost.
func (s *Sink) Add(ctx context.Context, rec models.AuditRecord, alerts []models.AnomalyAlert) bool {
	if s.records == nil && (s.alerts == nil || len(alerts) == 0) {
		return false
	}
	item := sinkItem{record: &rec, alerts: alerts}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.in <- item:
		return true
	default:
	}

	timer := time.NewTimer(s.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case s.in <- item:
		return true
	case <-timer.C:
		observability.SinkDroppedTotal.Inc()
		logger.Warnf("sink queue full, dropped export of %s", rec.Event.EventID)
	case <-ctx.Done():
	case <-s.done:
	}
	return false
}

// Run flushes batches until ctx ends, then flushes what is left once.
func (s *Sink) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	var batchRecords []*models.AuditRecord
	var batchAlerts []*models.AnomalyAlert

	flush := func(ctx context.Context) {
		if s.records != nil && len(batchRecords) > 0 {
			if s.write(ctx, "records", func() error { return s.records.WriteRecords(batchRecords) }) {
				batchRecords = nil
			}
		}
		if s.alerts != nil && len(batchAlerts) > 0 {
			if s.write(ctx, "alerts", func() error { return s.alerts.WriteAlerts(batchAlerts) }) {
				batchAlerts = nil
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.drain(&batchRecords, &batchAlerts)
			flush(context.Background())
			return
		case <-ticker.C:
			flush(ctx)
		case item := <-s.in:
			s.collect(item, &batchRecords, &batchAlerts)
			if len(batchRecords)+len(batchAlerts) >= s.cfg.BatchSize {
				flush(ctx)
			}
		}
	}
}

func (s *Sink) collect(item sinkItem, records *[]*models.AuditRecord, alerts *[]*models.AnomalyAlert) {
	if s.records != nil {
		*records = append(*records, item.record)
	}
	if s.alerts != nil {
		for i := range item.alerts {
			*alerts = append(*alerts, &item.alerts[i])
		}
	}
}

func (s *Sink) drain(records *[]*models.AuditRecord, alerts *[]*models.AnomalyAlert) {
	for {
		select {
		case item := <-s.in:
			s.collect(item, records, alerts)
		default:
			return
		}
	}
}

// write retries fn until it succeeds or ctx ends. The final flush runs with
// a background context and makes a single attempt.
func (s *Sink) write(ctx context.Context, name string, fn func() error) bool {
	for {
		err := fn()
		if err == nil {
			observability.SinkFlushTotal.WithLabelValues(name, "ok").Inc()
			return true
		}
		observability.SinkFlushTotal.WithLabelValues(name, "error").Inc()
		logger.Errorf("Failed to write %s: %v", name, err)
		if ctx.Done() == nil {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.cfg.RetryInterval):
		}
	}
}

// Close closes both writers.
func (s *Sink) Close() error {
	if s.alerts != nil {
		if err := s.alerts.Close(); err != nil {
			logger.Errorf("Failed to close alert writer: %v", err)
		}
	}
	if s.records != nil {
		return s.records.Close()
	}
	return nil
}
