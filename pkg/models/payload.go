package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Payload is one variant of the event payload union. Each variant belongs to
// exactly one EventType and validates its own schema.
type Payload interface {
	Type() EventType
	Validate() error
}

var payloadFactories = map[EventType]func() Payload{
	EventDocumentProcessed:          func() Payload { return &DocumentProcessed{} },
	EventKYCValidationRequested:     func() Payload { return &KYCValidationRequested{} },
	EventKYCValidationCompleted:     func() Payload { return &KYCValidationCompleted{} },
	EventComplianceSummaryRequested: func() Payload { return &ComplianceSummaryRequested{} },
	EventComplianceSummaryGenerated: func() Payload { return &ComplianceSummaryGenerated{} },
	EventChatInteraction:            func() Payload { return &ChatInteraction{} },
	EventAuditLog:                   func() Payload { return &AuditLogMirror{} },
	EventAuditAnomaly:               func() Payload { return &AuditAnomaly{} },
}

// DecodePayload decodes raw JSON into the payload variant for eventType.
// Unknown fields are rejected so malformed producers surface early.
func DecodePayload(eventType EventType, raw json.RawMessage) (Payload, error) {
	factory, ok := payloadFactories[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown event_type %q", ErrInvalidEvent, eventType)
	}
	p := factory()
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return p, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrInvalidEvent, eventType, err)
	}
	return p, nil
}

// DocumentProcessed is emitted by the ingestion agent after classification.
type DocumentProcessed struct {
	DocumentID    string    `json:"document_id"`
	DocumentType  string    `json:"document_type,omitempty"`
	SAMACompliant bool      `json:"sama_compliant"`
	ProcessedAt   Timestamp `json:"processed_at"`
}

func (p *DocumentProcessed) Type() EventType { return EventDocumentProcessed }

func (p *DocumentProcessed) Validate() error {
	return required("document_id", p.DocumentID)
}

// KYCValidationRequested asks the KYC agent to validate a document.
type KYCValidationRequested struct {
	DocumentID   string `json:"document_id"`
	DocumentType string `json:"document_type,omitempty"`
}

func (p *KYCValidationRequested) Type() EventType { return EventKYCValidationRequested }

func (p *KYCValidationRequested) Validate() error {
	return required("document_id", p.DocumentID)
}

// KYCValidationCompleted carries the KYC verdict.
type KYCValidationCompleted struct {
	ValidationID string    `json:"validation_id"`
	DocumentID   string    `json:"document_id"`
	Status       string    `json:"status"`
	Score        float64   `json:"score"`
	ValidatedAt  Timestamp `json:"validated_at"`
}

func (p *KYCValidationCompleted) Type() EventType { return EventKYCValidationCompleted }

func (p *KYCValidationCompleted) Validate() error {
	if err := required("validation_id", p.ValidationID); err != nil {
		return err
	}
	if err := required("document_id", p.DocumentID); err != nil {
		return err
	}
	if err := required("status", p.Status); err != nil {
		return err
	}
	return inRange("score", p.Score, 0, 100)
}

// Failed reports a rejected KYC validation.
func (p *KYCValidationCompleted) Failed() bool {
	return strings.EqualFold(p.Status, "failed")
}

// ComplianceSummaryRequested asks the summary agent for a customer summary.
type ComplianceSummaryRequested struct {
	ValidationID string    `json:"validation_id,omitempty"`
	RequestedAt  Timestamp `json:"requested_at"`
}

func (p *ComplianceSummaryRequested) Type() EventType { return EventComplianceSummaryRequested }

func (p *ComplianceSummaryRequested) Validate() error { return nil }

// ComplianceSummaryGenerated reports a finished compliance summary.
type ComplianceSummaryGenerated struct {
	SummaryID   string    `json:"summary_id"`
	Status      string    `json:"status"`
	Score       float64   `json:"score"`
	GeneratedAt Timestamp `json:"generated_at"`
}

func (p *ComplianceSummaryGenerated) Type() EventType { return EventComplianceSummaryGenerated }

func (p *ComplianceSummaryGenerated) Validate() error {
	if err := required("summary_id", p.SummaryID); err != nil {
		return err
	}
	if err := required("status", p.Status); err != nil {
		return err
	}
	return inRange("score", p.Score, 0, 100)
}

// ChatInteraction records one compliance chat exchange.
type ChatInteraction struct {
	SessionID       string  `json:"session_id"`
	Query           string  `json:"query"`
	ResponsePreview string  `json:"response_preview,omitempty"`
	Confidence      float64 `json:"confidence"`
	UsedRAG         bool    `json:"used_rag"`
}

func (p *ChatInteraction) Type() EventType { return EventChatInteraction }

func (p *ChatInteraction) Validate() error {
	if err := required("session_id", p.SessionID); err != nil {
		return err
	}
	if err := required("query", p.Query); err != nil {
		return err
	}
	return inRange("confidence", p.Confidence, 0, 1)
}

// AuditLogMirror mirrors a persisted audit record onto the audit-log topic.
type AuditLogMirror struct {
	Sequence  uint64    `json:"sequence"`
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	Degraded  bool      `json:"degraded"`
}

func (p *AuditLogMirror) Type() EventType { return EventAuditLog }

func (p *AuditLogMirror) Validate() error {
	if p.Sequence == 0 {
		return errors.New("sequence is required")
	}
	if err := required("event_id", p.EventID); err != nil {
		return err
	}
	return required("event_type", string(p.EventType))
}

// AuditAnomaly republishes an anomaly alert as an event.
type AuditAnomaly struct {
	Alert AnomalyAlert `json:"alert"`
}

func (p *AuditAnomaly) Type() EventType { return EventAuditAnomaly }

func (p *AuditAnomaly) Validate() error {
	if err := required("alert.alert_id", p.Alert.AlertID); err != nil {
		return err
	}
	return required("alert.metric_name", p.Alert.MetricName)
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

func inRange(field string, v, lo, hi float64) error {
	if v < lo || v > hi {
		return fmt.Errorf("%s must be within [%g, %g], got %g", field, lo, hi, v)
	}
	return nil
}
