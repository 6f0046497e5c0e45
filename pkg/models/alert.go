package models

import "time"

// Anomaly metric names.
const (
	AnomalyMetricEventRate   = "event_rate"
	AnomalyMetricFailureRate = "failure_rate"
)

// Anomaly scopes.
const (
	ScopeCustomer = "customer"
	ScopeGlobal   = "global"
)

// AnomalyAlert describes a window whose observed rate deviated from the
// rolling baseline. Baseline, observed value and threshold are all carried so
// the alert explains itself.
type AnomalyAlert struct {
	AlertID         string    `json:"alert_id"`
	Key             string    `json:"key"`
	Scope           string    `json:"scope"`
	EventType       EventType `json:"event_type"`
	CustomerID      string    `json:"customer_id"`
	TriggeredAt     time.Time `json:"triggered_at"`
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
	MetricName      string    `json:"metric_name"`
	ObservedValue   float64   `json:"observed_value"`
	BaselineValue   float64   `json:"baseline_value"`
	BaselineStddev  float64   `json:"baseline_stddev"`
	DeviationScore  float64   `json:"deviation_score"`
	Threshold       float64   `json:"threshold"`
	SampleCount     int       `json:"sample_count"`
	RelatedEventIDs []string  `json:"related_event_ids,omitempty"`
}

// Overlaps reports whether the alert window intersects [start, end).
func (a *AnomalyAlert) Overlaps(start, end time.Time) bool {
	return a.WindowStart.Before(end) && a.WindowEnd.After(start)
}
