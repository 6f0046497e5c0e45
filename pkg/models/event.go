package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidEvent marks events rejected at the ingestion boundary.
var ErrInvalidEvent = errors.New("invalid event")

// EventType names an event and the topic it travels on.
type EventType string

const (
	EventDocumentProcessed          EventType = "document-processed"
	EventKYCValidationRequested     EventType = "kyc-validation-requested"
	EventKYCValidationCompleted     EventType = "kyc-validation-completed"
	EventComplianceSummaryRequested EventType = "compliance-summary-requested"
	EventComplianceSummaryGenerated EventType = "compliance-summary-generated"
	EventChatInteraction            EventType = "chat-interaction"

	EventAuditLog     EventType = "audit-log"
	EventAuditAnomaly EventType = "audit-anomaly"
)

// InboundEventTypes are emitted by agents and persisted by the core.
var InboundEventTypes = []EventType{
	EventDocumentProcessed,
	EventKYCValidationRequested,
	EventKYCValidationCompleted,
	EventComplianceSummaryRequested,
	EventComplianceSummaryGenerated,
	EventChatInteraction,
}

// Inbound reports whether the type is emitted by an agent.
func (t EventType) Inbound() bool {
	for _, in := range InboundEventTypes {
		if t == in {
			return true
		}
	}
	return false
}

// Known reports whether the type has a payload schema.
func (t EventType) Known() bool {
	_, ok := payloadFactories[t]
	return ok
}

// Status is the outcome an agent reports for an operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusWarning Status = "warning"
)

// GlobalCustomer is the customer id carried by events that are not scoped
// to a single customer (global anomaly alerts).
const GlobalCustomer = "*"

// Event is an immutable record of an agent operation.
type Event struct {
	EventID     string    `json:"event_id"`
	EventType   EventType `json:"event_type"`
	CustomerID  string    `json:"customer_id"`
	SourceAgent string    `json:"source_agent,omitempty"`
	Status      Status    `json:"status"`
	DurationMs  int64     `json:"duration_ms,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Payload     Payload   `json:"payload"`
}

type eventJSON struct {
	EventID     string          `json:"event_id"`
	EventType   EventType       `json:"event_type"`
	CustomerID  string          `json:"customer_id"`
	SourceAgent string          `json:"source_agent,omitempty"`
	Status      Status          `json:"status"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
}

// UnmarshalJSON decodes the payload into the variant named by event_type.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.EventType, raw.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		EventID:     raw.EventID,
		EventType:   raw.EventType,
		CustomerID:  raw.CustomerID,
		SourceAgent: raw.SourceAgent,
		Status:      raw.Status,
		DurationMs:  raw.DurationMs,
		Timestamp:   raw.Timestamp,
		Payload:     payload,
	}
	return nil
}

// Normalize fills defaults that do not change meaning: success status and
// UTC timestamps.
func (e *Event) Normalize() {
	if e.Status == "" {
		e.Status = StatusSuccess
	}
	e.EventID = strings.TrimSpace(e.EventID)
	e.CustomerID = strings.TrimSpace(e.CustomerID)
	if !e.Timestamp.IsZero() {
		e.Timestamp = e.Timestamp.UTC()
	}
}

// Validate checks the envelope and the payload variant.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.EventID == "" {
		return fmt.Errorf("%w: event_id is required", ErrInvalidEvent)
	}
	if !e.EventType.Known() {
		return fmt.Errorf("%w: unknown event_type %q", ErrInvalidEvent, e.EventType)
	}
	if e.CustomerID == "" {
		return fmt.Errorf("%w: customer_id is required", ErrInvalidEvent)
	}
	if e.CustomerID == GlobalCustomer && e.EventType.Inbound() {
		return fmt.Errorf("%w: customer_id %q is reserved for global events", ErrInvalidEvent, GlobalCustomer)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEvent)
	}
	switch e.Status {
	case StatusSuccess, StatusFailure, StatusWarning:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, e.Status)
	}
	if e.DurationMs < 0 {
		return fmt.Errorf("%w: negative duration_ms", ErrInvalidEvent)
	}
	if e.Payload == nil {
		return fmt.Errorf("%w: payload is required", ErrInvalidEvent)
	}
	if e.Payload.Type() != e.EventType {
		return fmt.Errorf("%w: payload %s does not match event_type %s", ErrInvalidEvent, e.Payload.Type(), e.EventType)
	}
	if err := e.Payload.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEvent, e.EventType, err)
	}
	return nil
}

// Failed reports whether the event counts as failure-flagged.
func (e *Event) Failed() bool {
	if e == nil {
		return false
	}
	if e.Status == StatusFailure {
		return true
	}
	if f, ok := e.Payload.(interface{ Failed() bool }); ok {
		return f.Failed()
	}
	return false
}

// Fields flattens the envelope and payload into a single field map. Payload
// keys never override envelope keys.
func (e *Event) Fields() map[string]interface{} {
	out := make(map[string]interface{}, 16)
	if e == nil {
		return out
	}
	if e.Payload != nil {
		if data, err := json.Marshal(e.Payload); err == nil {
			_ = json.Unmarshal(data, &out)
		}
	}
	out["event_id"] = e.EventID
	out["event_type"] = string(e.EventType)
	out["customer_id"] = e.CustomerID
	out["source_agent"] = e.SourceAgent
	out["status"] = string(e.Status)
	out["duration_ms"] = e.DurationMs
	return out
}
