package models

import "time"

// AuditRecord is a persisted Event. Sequence is assigned at persistence time
// and defines the total replay order across the whole store.
type AuditRecord struct {
	Sequence   uint64    `json:"sequence"`
	Event      Event     `json:"event"`
	IngestedAt time.Time `json:"ingested_at"`
	Degraded   bool      `json:"degraded,omitempty"`
	Tags       []RuleTag `json:"tags,omitempty"`
}

// Flagged reports whether the record counts toward failure rates.
func (r *AuditRecord) Flagged() bool {
	return r.Event.Failed() || len(r.Tags) > 0
}

// Alert returns the anomaly alert carried by an audit-anomaly record.
func (r *AuditRecord) Alert() (*AnomalyAlert, bool) {
	p, ok := r.Event.Payload.(*AuditAnomaly)
	if !ok {
		return nil, false
	}
	return &p.Alert, true
}

// RuleTag is a flag-rule match annotation.
type RuleTag struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Severity string `json:"severity,omitempty"`
}
