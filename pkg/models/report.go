package models

import (
	"encoding/json"
	"time"
)

// Report is a time-windowed, customer-scoped audit report. Everything except
// NarrativeText and Degraded is derived from the audit log alone.
type Report struct {
	ReportID        string           `json:"report_id"`
	CustomerID      string           `json:"customer_id"`
	Start           time.Time        `json:"start"`
	End             time.Time        `json:"end"`
	TotalEvents     int              `json:"total_events"`
	LastSequence    uint64           `json:"last_sequence"`
	EventsByType    map[string]int   `json:"events_by_type"`
	EventsByAgent   map[string]int   `json:"events_by_agent"`
	StatusSummary   map[string]int   `json:"status_summary"`
	Alerts          []AnomalyAlert   `json:"alerts"`
	MetricSnapshots []MetricSnapshot `json:"metric_snapshots"`
	NarrativeText   string           `json:"narrative_text"`
	Degraded        bool             `json:"degraded"`
}

// Structured returns the report encoding without the narrative fields. Map
// keys are sorted by encoding/json, so equal reports encode identically.
func (r *Report) Structured() ([]byte, error) {
	cp := *r
	cp.NarrativeText = ""
	cp.Degraded = false
	return json.Marshal(cp)
}

// MonitorSummary is the result of a bounded live subscription.
type MonitorSummary struct {
	Duration   time.Duration  `json:"duration"`
	EventCount int            `json:"event_count"`
	ByType     map[string]int `json:"by_type"`
	FirstSeq   uint64         `json:"first_sequence,omitempty"`
	LastSeq    uint64         `json:"last_sequence,omitempty"`
	Degraded   bool           `json:"degraded"`
}
