package jsonl

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"auditcore/pkg/models"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestWriterAppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "records.jsonl")

	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	rec := &models.AuditRecord{
		Sequence: 1,
		Event: models.Event{
			EventID:    "e1",
			EventType:  models.EventDocumentProcessed,
			CustomerID: "C1",
			Status:     models.StatusSuccess,
			Timestamp:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			Payload:    &models.DocumentProcessed{DocumentID: "d1"},
		},
	}
	if err := w.WriteRecords([]*models.AuditRecord{rec}); err != nil {
		t.Fatalf("WriteRecords: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w, err = NewWriter(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := w.WriteAlerts([]*models.AnomalyAlert{{AlertID: "a1", MetricName: models.AnomalyMetricEventRate}}); err != nil {
		t.Fatalf("WriteAlerts: %v", err)
	}
	if err := w.WriteRawMessages([][]byte{[]byte(`{"event_id":"dead"}` + "\n")}); err != nil {
		t.Fatalf("WriteRawMessages: %v", err)
	}
	w.Close()

	lines := readLines(t, path)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), lines)
	}
	var decoded models.AuditRecord
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if decoded.Event.EventID != "e1" || decoded.Sequence != 1 {
		t.Fatalf("unexpected record: %+v", decoded)
	}
	if lines[2] != `{"event_id":"dead"}` {
		t.Fatalf("raw line = %q", lines[2])
	}
}
