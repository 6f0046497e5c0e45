package recordclickhouse

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditcore/pkg/models"
)

func TestWriteRecordsPostsJSONEachRow(t *testing.T) {
	var (
		query string
		user  string
		rows  []row
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query().Get("query")
		user = r.Header.Get("X-ClickHouse-User")
		sc := bufio.NewScanner(r.Body)
		for sc.Scan() {
			var rw row
			require.NoError(t, json.Unmarshal(sc.Bytes(), &rw))
			rows = append(rows, rw)
		}
	}))
	defer srv.Close()

	w, err := NewWriter(Config{URL: srv.URL, Database: "audit", Username: "writer"})
	require.NoError(t, err)
	defer w.Close()

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := &models.AuditRecord{
		Sequence:   7,
		IngestedAt: at.Add(time.Second),
		Degraded:   true,
		Tags:       []models.RuleTag{{ID: "intake-failure"}},
		Event: models.Event{
			EventID:    "e7",
			EventType:  models.EventDocumentProcessed,
			CustomerID: "C1",
			Status:     models.StatusSuccess,
			Timestamp:  at,
			Payload:    &models.DocumentProcessed{DocumentID: "d7"},
		},
	}
	require.NoError(t, w.WriteRecords([]*models.AuditRecord{rec}))

	assert.Equal(t, "INSERT INTO `audit`.`audit_records` FORMAT JSONEachRow", query)
	assert.Equal(t, "writer", user)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 7, rows[0].Sequence)
	assert.Equal(t, at.UnixMilli(), rows[0].EventTime)
	assert.EqualValues(t, 1, rows[0].Degraded)
	assert.EqualValues(t, 1, rows[0].Flagged)
	assert.Equal(t, []string{"intake-failure"}, rows[0].RuleIDs)
	assert.Contains(t, rows[0].Payload, `"document_id":"d7"`)
}

func TestWriteRecordsReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Code: 60. Table does not exist", http.StatusNotFound)
	}))
	defer srv.Close()

	w, err := NewWriter(Config{URL: srv.URL})
	require.NoError(t, err)
	err = w.WriteRecords([]*models.AuditRecord{{Sequence: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Table does not exist")
}

func TestNewWriterRequiresURL(t *testing.T) {
	_, err := NewWriter(Config{})
	assert.Error(t, err)
}
