package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cache metrics
	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditcore_cache_operations_total",
			Help: "Cache operations by serving tier and operation",
		},
		[]string{"tier", "operation"},
	)

	CacheDegradedOperationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auditcore_cache_degraded_operations_total",
			Help: "Cache operations served by the process-local fallback",
		},
	)

	// Fallback state per component (1 = degraded)
	FallbackActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "auditcore_fallback_active",
			Help: "Whether a component is currently served by its fallback",
		},
		[]string{"component"},
	)

	// Queue metrics
	PublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditcore_publish_total",
			Help: "Published events by type and delivery path",
		},
		[]string{"event_type", "path"},
	)

	// Audit log metrics
	AppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditcore_audit_appends_total",
			Help: "Audit log appends by result",
		},
		[]string{"result"},
	)

	AppendRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auditcore_audit_append_retries_total",
			Help: "Append attempts retried after persistence errors",
		},
	)

	DeadLetterTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auditcore_dead_letter_events_total",
			Help: "Events spilled to the dead-letter sink after a fatal append failure",
		},
	)

	// Detection and metrics
	AnomalyAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditcore_anomaly_alerts_total",
			Help: "Anomaly alerts raised by metric and scope",
		},
		[]string{"metric", "scope"},
	)

	LateRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditcore_late_records_total",
			Help: "Records excluded from live windows because they arrived late",
		},
		[]string{"component"},
	)

	// Reports
	NarrativesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditcore_narratives_total",
			Help: "Report narratives by source",
		},
		[]string{"source"},
	)

	ReportDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "auditcore_report_duration_seconds",
			Help:    "Audit report generation latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sinks
	SinkFlushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditcore_sink_flush_total",
			Help: "Sink batch flushes by sink and status",
		},
		[]string{"sink", "status"},
	)

	SinkDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auditcore_sink_dropped_total",
			Help: "Sink items dropped because the queue stayed full",
		},
	)

	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditcore_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auditcore_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// SetFallback records whether component is degraded.
func SetFallback(component string, degraded bool) {
	v := 0.0
	if degraded {
		v = 1
	}
	FallbackActive.WithLabelValues(component).Set(v)
}
