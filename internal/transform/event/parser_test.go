package event

import (
	"errors"
	"testing"
	"time"

	"auditcore/pkg/models"
)

func fixedParser(now time.Time) *Parser {
	return &Parser{now: func() time.Time { return now }}
}

func TestParseNestedPayload(t *testing.T) {
	data := []byte(`{
		"event_id": "e1",
		"event_type": "document-processed",
		"customer_id": "CUSTOMER_001",
		"source_agent": "IntakeAgent",
		"duration_ms": 120,
		"timestamp": "2026-03-01T10:00:00.5",
		"payload": {"document_id": "doc-1", "sama_compliant": true, "processed_at": "2026-03-01 10:00:00"}
	}`)

	ev, err := NewParser().Parse("auditcore.document-processed", data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.EventID != "e1" || ev.Status != models.StatusSuccess || ev.DurationMs != 120 {
		t.Fatalf("unexpected envelope: %+v", ev)
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 500_000_000, time.UTC)
	if !ev.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", ev.Timestamp, want)
	}
	doc, ok := ev.Payload.(*models.DocumentProcessed)
	if !ok || doc.DocumentID != "doc-1" || !doc.SAMACompliant {
		t.Fatalf("unexpected payload: %#v", ev.Payload)
	}
}

func TestParseFlatRecordFromTopic(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data := []byte(`{"customer_id":"C1","agent_name":"KYCValidationAgent","status":"FAILURE","document_id":"doc-9"}`)

	ev, err := fixedParser(now).Parse("auditcore.kyc-validation-requested", data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.EventType != models.EventKYCValidationRequested {
		t.Fatalf("event type = %s", ev.EventType)
	}
	if ev.SourceAgent != "KYCValidationAgent" || ev.Status != models.StatusFailure {
		t.Fatalf("unexpected envelope: %+v", ev)
	}
	if !ev.Timestamp.Equal(now) {
		t.Fatalf("missing timestamp should default to now, got %v", ev.Timestamp)
	}

	again, err := fixedParser(now).Parse("auditcore.kyc-validation-requested", data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.EventID == "" || ev.EventID != again.EventID {
		t.Fatalf("derived ids differ: %q vs %q", ev.EventID, again.EventID)
	}
}

func TestParseEpochTimestamps(t *testing.T) {
	cases := map[string]time.Time{
		`1772359200`:    time.Unix(1772359200, 0).UTC(),
		`1772359200123`: time.UnixMilli(1772359200123).UTC(),
	}
	for ts, want := range cases {
		data := []byte(`{"event_id":"e","event_type":"kyc-validation-requested","customer_id":"C","timestamp":` + ts + `,"payload":{"document_id":"d"}}`)
		ev, err := NewParser().Parse("", data)
		if err != nil {
			t.Fatalf("Parse(%s): %v", ts, err)
		}
		if !ev.Timestamp.Equal(want) {
			t.Fatalf("Parse(%s) timestamp = %v, want %v", ts, ev.Timestamp, want)
		}
	}
}

func TestParseRejectsInvalidRecords(t *testing.T) {
	cases := map[string]string{
		"not json":        `{`,
		"unknown type":    `{"event_id":"e","event_type":"nope","customer_id":"C"}`,
		"missing payload": `{"event_id":"e","event_type":"document-processed","customer_id":"C"}`,
		"unknown field":   `{"event_id":"e","event_type":"document-processed","customer_id":"C","payload":{"document_id":"d","extra":1}}`,
		"no customer":     `{"event_id":"e","event_type":"document-processed","payload":{"document_id":"d"}}`,
	}
	for name, data := range cases {
		if _, err := NewParser().Parse("", []byte(data)); !errors.Is(err, models.ErrInvalidEvent) {
			t.Fatalf("%s: expected ErrInvalidEvent, got %v", name, err)
		}
	}
}

func TestTypeFromTopic(t *testing.T) {
	if got := TypeFromTopic("prod.auditcore.chat-interaction"); got != models.EventChatInteraction {
		t.Fatalf("TypeFromTopic = %s", got)
	}
	if got := TypeFromTopic("audit-log"); got != models.EventAuditLog {
		t.Fatalf("TypeFromTopic = %s", got)
	}
}
