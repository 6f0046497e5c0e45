package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditcore/internal/queue"
	"auditcore/internal/report"
	"auditcore/internal/service"
	"auditcore/pkg/models"
)

type stubService struct {
	emitted    []models.Event
	emitErr    error
	reportArgs []interface{}
	reportErr  error
	monitorFor time.Duration
}

func (s *stubService) Emit(ctx context.Context, ev models.Event) (queue.PublishResult, error) {
	s.emitted = append(s.emitted, ev)
	return queue.PublishResult{EventID: ev.EventID, BypassedBroker: true, Delivered: 1}, s.emitErr
}

func (s *stubService) GetAuditReport(ctx context.Context, customerID string, start, end time.Time) (*models.Report, error) {
	s.reportArgs = []interface{}{customerID, start, end}
	if s.reportErr != nil {
		return nil, s.reportErr
	}
	return &models.Report{ReportID: "r1", CustomerID: customerID, TotalEvents: 3}, nil
}

func (s *stubService) GetComplianceMetrics(ctx context.Context) (models.ComplianceMetrics, error) {
	return models.ComplianceMetrics{TotalEvents: 7, SystemHealth: models.HealthHealthy}, nil
}

func (s *stubService) MonitorEvents(ctx context.Context, d time.Duration) (models.MonitorSummary, error) {
	if d <= 0 {
		return models.MonitorSummary{}, fmt.Errorf("%w: %s", service.ErrInvalidDuration, d)
	}
	s.monitorFor = d
	return models.MonitorSummary{Duration: d, EventCount: 2, ByType: map[string]int{"chat-interaction": 2}, Degraded: true}, nil
}

func (s *stubService) Degraded() bool { return true }

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const chatEvent = `{"event_id":"e1","event_type":"chat-interaction","customer_id":"CUSTOMER_001",
"source_agent":"ChatAgent","status":"success","timestamp":"2026-03-01T10:00:00Z",
"payload":{"session_id":"s1","query":"what is my KYC status","confidence":0.9,"used_rag":false}}`

func TestEmitAccepted(t *testing.T) {
	svc := &stubService{}
	rec := do(t, New(svc, Config{}).Handler(), http.MethodPost, "/v1/events", chatEvent)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp emitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "e1", resp.EventID)
	assert.True(t, resp.BypassedBroker)
	assert.Empty(t, resp.Warning)
	require.Len(t, svc.emitted, 1)
	assert.Equal(t, models.EventChatInteraction, svc.emitted[0].EventType)
}

func TestEmitDeliveryProblemIsAWarning(t *testing.T) {
	svc := &stubService{emitErr: fmt.Errorf("%w: no subscribers", queue.ErrDeliveryUnavailable)}
	rec := do(t, New(svc, Config{}).Handler(), http.MethodPost, "/v1/events", chatEvent)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "no subscribers")
}

func TestEmitRejectsMalformedBody(t *testing.T) {
	svc := &stubService{}
	rec := do(t, New(svc, Config{}).Handler(), http.MethodPost, "/v1/events", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, svc.emitted)
}

func TestReportParsesRange(t *testing.T) {
	svc := &stubService{}
	rec := do(t, New(svc, Config{}).Handler(), http.MethodGet,
		"/v1/reports/CUSTOMER_001?start=2026-03-01T00:00:00Z&end=2026-03-02T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var rep models.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, "CUSTOMER_001", rep.CustomerID)
	assert.Equal(t, "CUSTOMER_001", svc.reportArgs[0])
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), svc.reportArgs[1])
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), svc.reportArgs[2])
}

func TestReportErrors(t *testing.T) {
	svc := &stubService{}
	h := New(svc, Config{}).Handler()

	rec := do(t, h, http.MethodGet, "/v1/reports/C1?start=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.reportErr = fmt.Errorf("%w: end before start", report.ErrInvalidRange)
	rec = do(t, h, http.MethodGet, "/v1/reports/C1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.reportErr = errors.New("boom")
	rec = do(t, h, http.MethodGet, "/v1/reports/C1", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestComplianceAndHealth(t *testing.T) {
	h := New(&stubService{}, Config{}).Handler()

	rec := do(t, h, http.MethodGet, "/v1/metrics/compliance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var m models.ComplianceMetrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, 7, m.TotalEvents)

	rec = do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","degraded":true}`, rec.Body.String())
}

func TestMonitor(t *testing.T) {
	svc := &stubService{}
	h := New(svc, Config{}).Handler()

	rec := do(t, h, http.MethodGet, "/v1/monitor?duration=2s", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2*time.Second, svc.monitorFor)
	var resp monitorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.EventCount)
	assert.Equal(t, 2.0, resp.DurationSeconds)
	assert.True(t, resp.Degraded)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/monitor?duration=soon", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/monitor?duration=-1s", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := New(&stubService{}, Config{}).Handler()
	do(t, h, http.MethodGet, "/healthz", "")
	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `auditcore_http_requests_total{method="GET",route="/healthz",status="200"}`)
}
