package alerthttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditcore/pkg/models"
)

func TestWriteAlerts(t *testing.T) {
	var got envelope
	var token string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w, err := NewWriter(Config{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer t"}})
	require.NoError(t, err)

	require.NoError(t, w.WriteAlerts([]*models.AnomalyAlert{{AlertID: "a1", MetricName: models.AnomalyMetricFailureRate}}))
	assert.Equal(t, "Bearer t", token)
	assert.Equal(t, "auditcore", got.Source)
	require.Len(t, got.Alerts, 1)
	assert.Equal(t, "a1", got.Alerts[0].AlertID)
}

func TestWriteAlertsFailsOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w, err := NewWriter(Config{URL: srv.URL})
	require.NoError(t, err)
	assert.Error(t, w.WriteAlerts([]*models.AnomalyAlert{{AlertID: "a1"}}))
	assert.NoError(t, w.WriteAlerts(nil))
}
