package models

import "time"

// MetricName enumerates the aggregated compliance metrics.
type MetricName string

const (
	MetricTotalEvents  MetricName = "total_events"
	MetricFailedEvents MetricName = "failed_events"
	MetricSuccessRate  MetricName = "success_rate"
	MetricAvgLatencyMs MetricName = "avg_processing_latency_ms"
	MetricOpenAlerts   MetricName = "open_alerts"
)

// MetricNames lists every aggregated metric in report order.
var MetricNames = []MetricName{
	MetricTotalEvents,
	MetricFailedEvents,
	MetricSuccessRate,
	MetricAvgLatencyMs,
	MetricOpenAlerts,
}

// Valid reports whether the metric is one of MetricNames.
func (n MetricName) Valid() bool {
	for _, m := range MetricNames {
		if n == m {
			return true
		}
	}
	return false
}

// MetricScopeGlobal is the scope for metrics across all customers.
const MetricScopeGlobal = "global"

// CustomerScope returns the metric scope for a customer.
func CustomerScope(customerID string) string {
	return "customer:" + customerID
}

// Window is a half-open interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls in the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// AlignWindow returns the window of the given size containing t, aligned to
// the Unix epoch in UTC.
func AlignWindow(t time.Time, size time.Duration) Window {
	start := t.UTC().Truncate(size)
	return Window{Start: start, End: start.Add(size)}
}

// MetricSnapshot is the value of one metric for one scope and window.
type MetricSnapshot struct {
	MetricName MetricName `json:"metric_name"`
	Scope      string     `json:"scope"`
	Window     Window     `json:"window"`
	Value      float64    `json:"value"`
	Closed     bool       `json:"closed"`
}

// Health levels reported by ComplianceMetrics.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// HealthFor maps a success rate to a health level. Rates are only judged when
// at least one event was seen.
func HealthFor(total int, successRate float64) string {
	if total == 0 {
		return HealthHealthy
	}
	switch {
	case successRate < 0.5:
		return HealthCritical
	case successRate < 0.8:
		return HealthWarning
	default:
		return HealthHealthy
	}
}

// ComplianceMetrics is the rolled-up view served to the summary and chat
// agents.
type ComplianceMetrics struct {
	Period         Window           `json:"period"`
	TotalEvents    int              `json:"total_events"`
	FailedEvents   int              `json:"failed_events"`
	SuccessRate    float64          `json:"success_rate"`
	AvgLatencyMs   float64          `json:"avg_processing_latency_ms"`
	OpenAlerts     int              `json:"open_alerts"`
	ActiveAgents   []string         `json:"active_agents"`
	SystemHealth   string           `json:"system_health"`
	Degraded       bool             `json:"degraded"`
	CurrentWindows []MetricSnapshot `json:"current_window,omitempty"`
}
