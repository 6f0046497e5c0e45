// Package recordclickhouse exports audit records to ClickHouse over its HTTP
// interface.
package recordclickhouse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"auditcore/pkg/models"
)

// Config configures the ClickHouse HTTP writer.
type Config struct {
	URL      string
	Database string
	Table    string
	Username string
	Password string
	Timeout  time.Duration
	Headers  map[string]string
}

// Writer inserts records with INSERT ... FORMAT JSONEachRow.
type Writer struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// row is the flattened table layout. Times are epoch milliseconds so the
// column can be DateTime64(3).
type row struct {
	Sequence    uint64   `json:"sequence"`
	EventID     string   `json:"event_id"`
	EventType   string   `json:"event_type"`
	CustomerID  string   `json:"customer_id"`
	SourceAgent string   `json:"source_agent"`
	Status      string   `json:"status"`
	DurationMs  int64    `json:"duration_ms"`
	EventTime   int64    `json:"event_time"`
	IngestedAt  int64    `json:"ingested_at"`
	Degraded    uint8    `json:"degraded"`
	Flagged     uint8    `json:"flagged"`
	RuleIDs     []string `json:"rule_ids"`
	Payload     string   `json:"payload"`
}

// NewWriter creates a ClickHouse HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("clickhouse URL is empty")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Table == "" {
		cfg.Table = "audit_records"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	q := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow", quoteIdent(cfg.Database), quoteIdent(cfg.Table))
	endpoint := strings.TrimRight(cfg.URL, "/") + "/?query=" + url.QueryEscape(q)

	headers := make(map[string]string, len(cfg.Headers)+2)
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.Username != "" {
		headers["X-ClickHouse-User"] = cfg.Username
	}
	if cfg.Password != "" {
		headers["X-ClickHouse-Key"] = cfg.Password
	}

	return &Writer{
		endpoint: endpoint,
		headers:  headers,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func toRow(rec *models.AuditRecord) (row, error) {
	payload, err := json.Marshal(rec.Event.Payload)
	if err != nil {
		return row{}, err
	}
	r := row{
		Sequence:    rec.Sequence,
		EventID:     rec.Event.EventID,
		EventType:   string(rec.Event.EventType),
		CustomerID:  rec.Event.CustomerID,
		SourceAgent: rec.Event.SourceAgent,
		Status:      string(rec.Event.Status),
		DurationMs:  rec.Event.DurationMs,
		EventTime:   rec.Event.Timestamp.UnixMilli(),
		IngestedAt:  rec.IngestedAt.UnixMilli(),
		RuleIDs:     make([]string, 0, len(rec.Tags)),
		Payload:     string(payload),
	}
	if rec.Degraded {
		r.Degraded = 1
	}
	if rec.Flagged() {
		r.Flagged = 1
	}
	for _, tag := range rec.Tags {
		r.RuleIDs = append(r.RuleIDs, tag.ID)
	}
	return r, nil
}

// WriteRecords sends a batch of records.
func (w *Writer) WriteRecords(records []*models.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, rec := range records {
		r, err := toRow(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record %d: %w", rec.Sequence, err)
		}
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to encode record %d: %w", rec.Sequence, err)
		}
	}

	req, err := http.NewRequest(http.MethodPost, w.endpoint, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("clickhouse request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("clickhouse request failed with status %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// Close releases resources.
func (w *Writer) Close() error {
	w.client.CloseIdleConnections()
	return nil
}

func quoteIdent(v string) string {
	v = strings.ReplaceAll(v, "`", "")
	if v == "" {
		return ""
	}
	return "`" + v + "`"
}
