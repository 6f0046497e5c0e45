// Package jsonl appends records, alerts and raw payloads to JSON lines files.
package jsonl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"auditcore/internal/logger"
	"auditcore/pkg/models"
)

// Writer appends one JSON document per line. Existing files are extended,
// never truncated.
type Writer struct {
	path    string
	file    *os.File
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewWriter opens path for appending, creating parent directories.
func NewWriter(path string) (*Writer, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}

	logger.Infof("JSONL writer initialized: %s", path)
	return &Writer{path: path, file: f, encoder: json.NewEncoder(f)}, nil
}

// Path returns the output file path.
func (w *Writer) Path() string {
	return w.path
}

// WriteRecords appends audit records.
func (w *Writer) WriteRecords(records []*models.AuditRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, rec := range records {
		if err := w.encoder.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode record %d: %w", rec.Sequence, err)
		}
	}
	return nil
}

// WriteAlerts appends anomaly alerts.
func (w *Writer) WriteAlerts(alerts []*models.AnomalyAlert) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, alert := range alerts {
		if err := w.encoder.Encode(alert); err != nil {
			return fmt.Errorf("failed to encode alert %s: %w", alert.AlertID, err)
		}
	}
	return nil
}

// WriteRawMessages appends payloads as they are, one per line.
func (w *Writer) WriteRawMessages(messages [][]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, msg := range messages {
		line := bytes.TrimRight(msg, "\r\n")
		if _, err := w.file.Write(append(line[:len(line):len(line)], '\n')); err != nil {
			return fmt.Errorf("failed to write raw message: %w", err)
		}
	}
	return nil
}

// Close closes the output file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
