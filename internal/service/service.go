// Package service is the query and emit surface used by agents and by the
// HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"auditcore/internal/aggregate"
	"auditcore/internal/cache"
	"auditcore/internal/logger"
	"auditcore/internal/pipeline"
	"auditcore/internal/queue"
	"auditcore/internal/report"
	"auditcore/pkg/models"
)

// ErrInvalidDuration is returned for a non-positive monitor duration.
var ErrInvalidDuration = errors.New("invalid monitor duration")

const tracerName = "auditcore/service"

// Options wires a Service.
type Options struct {
	Adapter    *queue.Adapter
	Reports    *report.Generator
	Aggregator *aggregate.Aggregator
	Cache      *cache.Layer
	Hub        *pipeline.Hub
	// MaxMonitorDuration caps MonitorEvents.
	MaxMonitorDuration time.Duration
}

// Service implements Emit and the query surface.
type Service struct {
	adapter    *queue.Adapter
	reports    *report.Generator
	agg        *aggregate.Aggregator
	cache      *cache.Layer
	hub        *pipeline.Hub
	maxMonitor time.Duration
	tracer     trace.Tracer
	now        func() time.Time
}

// New creates a service.
func New(opts Options) *Service {
	if opts.MaxMonitorDuration <= 0 {
		opts.MaxMonitorDuration = 5 * time.Minute
	}
	return &Service{
		adapter:    opts.Adapter,
		reports:    opts.Reports,
		agg:        opts.Aggregator,
		cache:      opts.Cache,
		hub:        opts.Hub,
		maxMonitor: opts.MaxMonitorDuration,
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
	}
}

func (s *Service) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Emit publishes an agent event, assigning event_id and timestamp when they
// are missing. The returned error is a warning: audit delivery problems must
// not fail the agent's own operation.
func (s *Service) Emit(ctx context.Context, ev models.Event) (queue.PublishResult, error) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC()
	}
	ctx, span := s.start(ctx, "auditcore.Emit",
		attribute.String("event.id", ev.EventID),
		attribute.String("event.type", string(ev.EventType)),
		attribute.String("customer.id", ev.CustomerID),
	)
	res, err := s.adapter.Publish(ctx, ev)
	span.SetAttributes(attribute.Bool("broker.bypassed", res.BypassedBroker))
	finish(span, err)
	if err != nil {
		logger.Warnf("audit event %s (%s) not recorded cleanly: %v", ev.EventID, ev.EventType, err)
	}
	return res, err
}

// GetAuditReport builds a report. Zero times default to the last day.
func (s *Service) GetAuditReport(ctx context.Context, customerID string, start, end time.Time) (*models.Report, error) {
	ctx, span := s.start(ctx, "auditcore.GetAuditReport", attribute.String("customer.id", customerID))
	rep, err := s.reports.Generate(ctx, customerID, start, end)
	if err == nil {
		span.SetAttributes(
			attribute.Int("report.total_events", rep.TotalEvents),
			attribute.Bool("report.degraded", rep.Degraded),
		)
	}
	finish(span, err)
	return rep, err
}

// GetComplianceMetrics returns the rolled-up metrics for the summary period
// ending now. Degraded is set when any collaborator is on its fallback.
func (s *Service) GetComplianceMetrics(ctx context.Context) (models.ComplianceMetrics, error) {
	_, span := s.start(ctx, "auditcore.GetComplianceMetrics")
	if err := ctx.Err(); err != nil {
		finish(span, err)
		return models.ComplianceMetrics{}, err
	}
	m := s.agg.Compliance(s.now())
	m.Degraded = s.Degraded()
	span.SetAttributes(
		attribute.Int("metrics.total_events", m.TotalEvents),
		attribute.String("metrics.health", m.SystemHealth),
	)
	finish(span, nil)
	return m, nil
}

// Degraded reports whether the cache, the broker or the narrative
// collaborator is currently served by its fallback. Running without a broker
// counts as degraded delivery.
func (s *Service) Degraded() bool {
	if s.cache != nil && s.cache.Degraded() {
		return true
	}
	if s.adapter != nil && s.adapter.Degraded() {
		return true
	}
	return s.reports != nil && s.reports.Degraded()
}

// MonitorEvents watches persisted events for duration, capped at the
// configured maximum, and summarizes what arrived.
func (s *Service) MonitorEvents(ctx context.Context, duration time.Duration) (models.MonitorSummary, error) {
	if duration <= 0 {
		return models.MonitorSummary{}, fmt.Errorf("%w: %s", ErrInvalidDuration, duration)
	}
	if duration > s.maxMonitor {
		duration = s.maxMonitor
	}
	ctx, span := s.start(ctx, "auditcore.MonitorEvents", attribute.String("monitor.duration", duration.String()))

	sub := s.hub.Subscribe()
	defer sub.Close()

	summary := models.MonitorSummary{Duration: duration, ByType: make(map[string]int)}
	timer := time.NewTimer(duration)
	defer timer.Stop()

	observe := func(m models.AuditLogMirror) {
		summary.EventCount++
		summary.ByType[string(m.EventType)]++
		if summary.FirstSeq == 0 || m.Sequence < summary.FirstSeq {
			summary.FirstSeq = m.Sequence
		}
		if m.Sequence > summary.LastSeq {
			summary.LastSeq = m.Sequence
		}
		if m.Degraded {
			summary.Degraded = true
		}
	}

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		case <-timer.C:
			break loop
		case m, ok := <-sub.C():
			if !ok {
				break loop
			}
			observe(m)
		}
	}
	if dropped := sub.Dropped(); dropped > 0 {
		logger.Warnf("monitor subscription dropped %d events", dropped)
		summary.Degraded = true
	}
	if s.Degraded() {
		summary.Degraded = true
	}
	span.SetAttributes(attribute.Int("monitor.event_count", summary.EventCount))
	finish(span, err)
	return summary, err
}
