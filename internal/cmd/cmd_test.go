package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andersnauman/dmarc-collector/internal/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := Execute(context.Background())
	return out.String(), err
}

func TestScanResult(t *testing.T) {
	var result ScanResult
	result.Add([]json.RawMessage{
		json.RawMessage(`{"type":"aggregate","report":{"metadata":{"report_id":"R1"}}}`),
		json.RawMessage(`{"type":"forensic","report":{"arrival_date":"2024-01-02T15:30:00Z","original_mail_from":{"address":"s@example.com"}}}`),
		json.RawMessage(`{"type":"aggregate","report":{"metadata":{}}}`),
		json.RawMessage(`{"type":"tls","report":{}}`),
	})

	assert.Equal(t, ScanResult{Records: 4, Aggregate: 1, Forensic: 1, Unknown: 1, Malformed: 1}, result)
}

func TestScanCommand(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reports.json"), []byte(`[
		{"type":"aggregate","report":{"metadata":{"report_id":"R1"}}},
		{"type":"aggregate","report":{"metadata":{"report_id":"R2"}}}
	]`), 0o644))

	out, err := run(t, "scan", "--folder", dir, "--log-format", "text")
	require.NoError(t, err)
	assert.Contains(t, out, "Records:    2")
	assert.Contains(t, out, "Aggregate 2")
}

func TestCollectRequiresCredentials(t *testing.T) {
	t.Setenv("DMARC_USER", "")
	t.Setenv("DMARC_PASSWORD", "")

	_, err := run(t, "--folder", t.TempDir(), "--user", "", "--password", "")
	var cfgErr *config.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestCollectRequiresHost(t *testing.T) {
	t.Setenv("DMARC_HOST", "")

	_, err := run(t, "--folder", t.TempDir(), "--host", "", "--user", "elastic", "--password", "changeme")
	var cfgErr *config.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, config.KeyHost, cfgErr.Field)
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "dmarc-collector dev")
}
