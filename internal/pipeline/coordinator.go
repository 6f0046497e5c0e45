package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	"auditcore/internal/aggregate"
	"auditcore/internal/anomaly"
	"auditcore/internal/auditlog"
	"auditcore/internal/logger"
	"auditcore/internal/observability"
	"auditcore/internal/queue"
	"auditcore/internal/rules"
	"auditcore/pkg/models"
)

// DetectorAgent is the source agent recorded on audit-anomaly events.
const DetectorAgent = "AuditAnomalyDetector"

// Coordinator persists every delivered event and feeds the derived views.
// It is the local subscriber for all agent event types and for
// audit-anomaly.
type Coordinator struct {
	adapter    *queue.Adapter
	store      auditlog.Store
	engine     rules.Engine
	detector   *anomaly.Detector
	aggregator *aggregate.Aggregator
	counters   CounterWriter
	sink       *Sink
	deadLetter RawWriter
}

// CoordinatorOptions wires a coordinator. Only Adapter and Store are
// required.
type CoordinatorOptions struct {
	Adapter    *queue.Adapter
	Store      auditlog.Store
	Engine     rules.Engine
	Detector   *anomaly.Detector
	Aggregator *aggregate.Aggregator
	Counters   CounterWriter
	Sink       *Sink
	DeadLetter RawWriter
}

// NewCoordinator builds a coordinator.
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	engine := opts.Engine
	if engine == nil {
		engine = &rules.NoopEngine{}
	}
	return &Coordinator{
		adapter:    opts.Adapter,
		store:      opts.Store,
		engine:     engine,
		detector:   opts.Detector,
		aggregator: opts.Aggregator,
		counters:   opts.Counters,
		sink:       opts.Sink,
		deadLetter: opts.DeadLetter,
	}
}

// Register subscribes the coordinator to every persisted event type.
func (c *Coordinator) Register() {
	for _, t := range models.InboundEventTypes {
		c.adapter.Subscribe(t, c.HandleEvent)
	}
	c.adapter.Subscribe(models.EventAuditAnomaly, c.HandleEvent)
}

// HandleEvent appends ev and, for a first insert, updates detection,
// metrics, counters and sinks and republishes the mirror and any alerts.
// Only the append result is returned; downstream failures are logged.
func (c *Coordinator) HandleEvent(ctx context.Context, ev models.Event) error {
	rec := models.AuditRecord{
		Event:    ev,
		Degraded: queue.DeliveryFrom(ctx).Bypassed,
		Tags:     c.engine.Apply(&ev),
	}

	stored, inserted, err := c.store.Append(ctx, rec)
	switch {
	case errors.Is(err, auditlog.ErrAppendFailed):
		observability.AppendsTotal.WithLabelValues("failed").Inc()
		c.spill(&ev)
		return err
	case errors.Is(err, models.ErrInvalidEvent):
		observability.AppendsTotal.WithLabelValues("rejected").Inc()
		return err
	case err != nil:
		observability.AppendsTotal.WithLabelValues("error").Inc()
		return err
	case !inserted:
		observability.AppendsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}
	observability.AppendsTotal.WithLabelValues("inserted").Inc()

	if c.aggregator != nil {
		c.aggregator.Record(&stored)
	}
	var alerts []models.AnomalyAlert
	if c.detector != nil {
		alerts = c.detector.Observe(&stored)
	}
	if c.counters != nil {
		if err := c.counters.Record(ctx, &stored); err != nil {
			logger.Warnf("update counters for %s: %v", stored.Event.EventID, err)
		}
	}
	if c.sink != nil {
		c.sink.Add(ctx, stored, alerts)
	}

	c.publish(ctx, mirrorEvent(&stored))
	for i := range alerts {
		logger.Infof("anomaly %s on %s: observed %.0f vs baseline %.2f (score %.2f)",
			alerts[i].MetricName, alerts[i].Key, alerts[i].ObservedValue, alerts[i].BaselineValue, alerts[i].DeviationScore)
		c.publish(ctx, AlertEvent(alerts[i]))
	}
	return nil
}

func (c *Coordinator) publish(ctx context.Context, ev models.Event) {
	if _, err := c.adapter.Publish(ctx, ev); err != nil {
		if errors.Is(err, queue.ErrDeliveryUnavailable) {
			logger.Debugf("publish %s %s: %v", ev.EventType, ev.EventID, err)
			return
		}
		logger.Warnf("publish %s %s: %v", ev.EventType, ev.EventID, err)
	}
}

func (c *Coordinator) spill(ev *models.Event) {
	logger.Errorf("append %s failed permanently", ev.EventID)
	if c.deadLetter == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("encode dead letter %s: %v", ev.EventID, err)
		return
	}
	if err := c.deadLetter.WriteRawMessages([][]byte{data}); err != nil {
		logger.Errorf("write dead letter %s: %v", ev.EventID, err)
		return
	}
	observability.DeadLetterTotal.Inc()
}

// Close releases the sink, dead letter and counter writers.
func (c *Coordinator) Close() error {
	var errs []error
	if c.sink != nil {
		errs = append(errs, c.sink.Close())
	}
	if c.deadLetter != nil {
		errs = append(errs, c.deadLetter.Close())
	}
	if c.counters != nil {
		errs = append(errs, c.counters.Close())
	}
	return errors.Join(errs...)
}

func mirrorEvent(rec *models.AuditRecord) models.Event {
	return models.Event{
		EventID:     "audit-log:" + rec.Event.EventID,
		EventType:   models.EventAuditLog,
		CustomerID:  rec.Event.CustomerID,
		SourceAgent: rec.Event.SourceAgent,
		Status:      rec.Event.Status,
		Timestamp:   rec.IngestedAt,
		Payload: &models.AuditLogMirror{
			Sequence:  rec.Sequence,
			EventID:   rec.Event.EventID,
			EventType: rec.Event.EventType,
			Degraded:  rec.Degraded,
		},
	}
}

// AlertEvent wraps an alert as an audit-anomaly event. The event id is the
// alert id, so a replayed detection appends nothing new.
func AlertEvent(a models.AnomalyAlert) models.Event {
	return models.Event{
		EventID:     a.AlertID,
		EventType:   models.EventAuditAnomaly,
		CustomerID:  a.CustomerID,
		SourceAgent: DetectorAgent,
		Status:      models.StatusWarning,
		Timestamp:   a.TriggeredAt,
		Payload:     &models.AuditAnomaly{Alert: a},
	}
}
