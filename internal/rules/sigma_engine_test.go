package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"auditcore/pkg/models"
)

const chatAgentRule = `title: Chat agent activity
id: chat-agent
status: experimental
logsource:
  product: auditcore
  category: chat-interaction
detection:
  selection:
    source_agent: ComplianceChatAgent
  condition: selection
level: high
`

const failedAgentRule = `title: Failed intake operation
id: intake-failure
logsource:
  product: auditcore
detection:
  selection:
    status: failure
    source_agent|startswith: Intake
  condition: selection
`

const otherProductRule = `title: Windows only
logsource:
  product: windows
detection:
  selection:
    Image: cmd.exe
  condition: selection
`

const aggregationRule = `title: Burst
logsource:
  product: auditcore
detection:
  selection:
    status: failure
  condition: selection | count() > 5
`

func writeRules(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write rule: %v", err)
		}
	}
	return dir
}

func TestSigmaEngineLoadStats(t *testing.T) {
	dir := writeRules(t, map[string]string{
		"chat.yml":    chatAgentRule,
		"intake.yaml": failedAgentRule,
		"windows.yml": otherProductRule,
		"burst.yml":   aggregationRule,
		"broken.yml":  "title: [unterminated",
		"README.md":   "not a rule",
	})

	engine, stats, err := NewSigmaEngine(dir)
	if err != nil {
		t.Fatalf("NewSigmaEngine: %v", err)
	}
	if stats.TotalFiles != 5 {
		t.Fatalf("TotalFiles = %d, want 5", stats.TotalFiles)
	}
	if stats.Loaded != 2 || engine.Len() != 2 {
		t.Fatalf("Loaded = %d, want 2", stats.Loaded)
	}
	if stats.SkippedDatasource != 1 {
		t.Fatalf("SkippedDatasource = %d, want 1", stats.SkippedDatasource)
	}
	if stats.SkippedComplex != 1 {
		t.Fatalf("SkippedComplex = %d, want 1", stats.SkippedComplex)
	}
	if stats.SkippedInvalid != 1 {
		t.Fatalf("SkippedInvalid = %d, want 1", stats.SkippedInvalid)
	}
}

func TestSigmaEngineApply(t *testing.T) {
	dir := writeRules(t, map[string]string{"intake.yml": failedAgentRule})
	engine, _, err := NewSigmaEngine(dir)
	if err != nil {
		t.Fatalf("NewSigmaEngine: %v", err)
	}

	ev := &models.Event{
		EventID:     "e1",
		EventType:   models.EventDocumentProcessed,
		CustomerID:  "C1",
		SourceAgent: "IntakeAgent",
		Status:      models.StatusFailure,
		Timestamp:   time.Now(),
		Payload:     &models.DocumentProcessed{DocumentID: "d1"},
	}
	tags := engine.Apply(ev)
	if len(tags) != 1 {
		t.Fatalf("expected 1 tag, got %d", len(tags))
	}
	if tags[0].ID != "intake-failure" || tags[0].Severity != "medium" {
		t.Fatalf("unexpected tag: %+v", tags[0])
	}

	ev.Status = models.StatusSuccess
	if tags := engine.Apply(ev); len(tags) != 0 {
		t.Fatalf("expected no tags for a successful event, got %+v", tags)
	}
}

func TestSigmaEngineHonorsCategory(t *testing.T) {
	dir := writeRules(t, map[string]string{"chat.yml": chatAgentRule})
	engine, _, err := NewSigmaEngine(dir)
	if err != nil {
		t.Fatalf("NewSigmaEngine: %v", err)
	}

	doc := &models.Event{
		EventID:     "e1",
		EventType:   models.EventDocumentProcessed,
		SourceAgent: "ComplianceChatAgent",
		Payload:     &models.DocumentProcessed{DocumentID: "d1"},
	}
	if tags := engine.Apply(doc); len(tags) != 0 {
		t.Fatalf("rule limited to chat-interaction matched a document event: %+v", tags)
	}

	chat := &models.Event{
		EventID:     "e2",
		EventType:   models.EventChatInteraction,
		SourceAgent: "ComplianceChatAgent",
		Payload:     &models.ChatInteraction{SessionID: "s1", Query: "q"},
	}
	tags := engine.Apply(chat)
	if len(tags) != 1 || tags[0].Severity != "high" {
		t.Fatalf("expected one high severity tag, got %+v", tags)
	}
}

func TestNoopEngine(t *testing.T) {
	var e Engine = &NoopEngine{}
	if tags := e.Apply(&models.Event{}); tags != nil {
		t.Fatalf("expected nil, got %v", tags)
	}
}
