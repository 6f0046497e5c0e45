package commands

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "auditcore.yml")
	body := "auditcore:\n" +
		"  store:\n" +
		"    url: sqlite://" + filepath.Join(dir, "audit.db") + "\n" +
		"  sinks:\n" +
		"    alerts:\n" +
		"      mode: none\n" +
		"    dead_letter:\n" +
		"      path: " + filepath.Join(dir, "dead_letter.jsonl") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	root := NewRoot()
	root.SetArgs(args)
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	return root.Execute()
}

func TestFindConfigFilePrefersFlag(t *testing.T) {
	path := writeConfig(t)
	assert.Equal(t, path, findConfigFile(path))
	assert.Equal(t, defaultConfigName, findConfigFile(filepath.Join(t.TempDir(), "missing.yml")))
}

func TestOneShotCommandsOnEmptyStore(t *testing.T) {
	path := writeConfig(t)
	require.NoError(t, run(t, "--config", path, "report", "--json", "--customer", "CUSTOMER_001"))
	require.NoError(t, run(t, "--config", path, "metrics"))
	require.NoError(t, run(t, "--config", path, "recompute"))
}

func TestReportRejectsBadTimes(t *testing.T) {
	path := writeConfig(t)
	err := run(t, "--config", path, "report", "--start", "yesterday")
	assert.ErrorContains(t, err, "--start must be RFC3339")
}

func TestMetricsDailyNeedsMirror(t *testing.T) {
	path := writeConfig(t)
	err := run(t, "--config", path, "metrics", "--daily")
	assert.ErrorContains(t, err, "metrics.mirror.enabled")
}

func TestParseOptionalTime(t *testing.T) {
	got, err := parseOptionalTime("end", "2026-03-01T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), got)

	got, err = parseOptionalTime("end", "")
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestLocalURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8080", localURL(":8080"))
	assert.Equal(t, "http://audit.internal:9000", localURL("audit.internal:9000"))
}
