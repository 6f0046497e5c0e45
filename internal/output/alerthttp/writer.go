// Package alerthttp delivers anomaly alerts to a webhook.
package alerthttp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"auditcore/pkg/models"
)

// Config configures the webhook writer.
type Config struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
}

// Writer posts alert batches as {"source": ..., "alerts": [...]}.
type Writer struct {
	url     string
	headers map[string]string
	client  *http.Client
}

type envelope struct {
	Source string                 `json:"source"`
	SentAt time.Time              `json:"sent_at"`
	Alerts []*models.AnomalyAlert `json:"alerts"`
}

// NewWriter creates a webhook writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("alert webhook URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Writer{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// WriteAlerts posts a batch of alerts. Any non-2xx answer is an error so the
// sink retries the batch.
func (w *Writer) WriteAlerts(alerts []*models.AnomalyAlert) error {
	if len(alerts) == 0 {
		return nil
	}

	body, err := json.Marshal(envelope{Source: "auditcore", SentAt: time.Now().UTC(), Alerts: alerts})
	if err != nil {
		return fmt.Errorf("failed to marshal alerts: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook request failed with status %s", resp.Status)
	}
	return nil
}

// Close releases HTTP resources.
func (w *Writer) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
