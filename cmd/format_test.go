package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scale-ingest/internal/fingerprint"
	"github.com/sells-group/scale-ingest/internal/ingest"
	"github.com/sells-group/scale-ingest/internal/model"
	"github.com/sells-group/scale-ingest/internal/monitoring"
	"github.com/sells-group/scale-ingest/internal/source"
)

func TestFormatResults(t *testing.T) {
	items := []ingest.BatchItem{
		{Delivery: source.Delivery{Filename: "a.csv"}, Result: &ingest.Result{
			Filename: "a.csv", Status: model.FileStatusCompleted, FileID: 1,
			Outcome: model.FileOutcome{RowsAccepted: 3, RowsInserted: 2, RowsDuplicate: 1},
		}},
		{Delivery: source.Delivery{Filename: "b.csv"}, Result: &ingest.Result{
			Filename: "b.csv", Status: model.FileStatusDuplicate, FileID: 2, Duplicate: true, DuplicateOf: 1,
			OriginalStatus: model.FileStatusCompleted,
		}},
		{Delivery: source.Delivery{Filename: "c.csv"}, Err: eris.New("ingest: register file: database is locked")},
	}

	var buf bytes.Buffer
	formatResults(&buf, items)
	out := buf.String()
	assert.Contains(t, out, "FILE")
	assert.Contains(t, out, "COMPLETED")
	assert.Contains(t, out, "duplicate of 1")
	assert.Contains(t, out, "database is locked")
	assert.Contains(t, out, "1 completed, 0 failed, 1 duplicate, 1 error(s)")

	buf.Reset()
	formatResults(&buf, nil)
	assert.Contains(t, buf.String(), "No files to ingest.")
}

func TestWriteResultsJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResultsJSON(&buf, []ingest.BatchItem{
		{Delivery: source.Delivery{Filename: "a.csv"}, Result: &ingest.Result{Filename: "a.csv", Status: model.FileStatusFailed, Error: "no valid transactions (2 rows rejected)"}},
	}))
	assert.Contains(t, buf.String(), `"filename": "a.csv"`)
	assert.Contains(t, buf.String(), `"failed": 1`)
}

func TestFormatFilesList(t *testing.T) {
	recv := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	orig := int64(1)
	files := []model.IngestionFile{
		{ID: 1, Filename: "export.csv", Status: model.FileStatusCompleted, SHA256: "abcdef0123456789abcdef", ReceivedAt: &recv,
			Outcome: model.FileOutcome{RowsAccepted: 3, RowsInserted: 2}},
		{ID: 2, Filename: "export-again.csv", Status: model.FileStatusDuplicate, SHA256: "abcdef0123456789abcdef",
			DuplicateOf: &orig, CreatedAt: recv.Add(time.Hour)},
	}

	var buf bytes.Buffer
	formatFilesList(&buf, files)
	out := buf.String()
	assert.Contains(t, out, "abcdef012345")
	assert.NotContains(t, out, "abcdef0123456")
	assert.Contains(t, out, "2/3")
	assert.Contains(t, out, "2025-03-01 10:00")
	assert.Contains(t, out, "2025-03-01 11:00")
	assert.Contains(t, out, "duplicate of 1")
}

func TestFormatMetrics(t *testing.T) {
	last := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	rep := metricsReport{
		Status:   map[model.FileStatus]int64{model.FileStatusCompleted: 4, model.FileStatusFailed: 1},
		Snapshot: &monitoring.Snapshot{Total: 5, FailureRate: 0.2, AvgDurationMs: 120, StuckFiles: 0, LookbackHours: 24},
		Scales: []model.ScaleStat{{
			ScaleName: "Scale-A", Transactions: 10, SuccessRate: 0.9,
			TotalFillKg: decimal.RequireFromString("100.5"), AvgFillKg: decimal.RequireFromString("10.05"),
			AvgFillSeconds: 41.5, LastActivity: &last,
		}},
	}

	var buf bytes.Buffer
	formatMetrics(&buf, rep)
	out := buf.String()
	assert.Contains(t, out, "COMPLETED:")
	assert.Contains(t, out, "Last 24h:")
	assert.Contains(t, out, "20.0%")
	assert.Contains(t, out, "100.500")
	assert.Contains(t, out, "Scale-A")
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "short", shorten("short", 10))
	assert.Equal(t, "abcdefg...", shorten("abcdefghijklmnop", 10))
	assert.Equal(t, "ééé...", shorten("éééééééé", 6))
}

func TestParseFileID(t *testing.T) {
	id, err := parseFileID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"", "abc", "0", "-3"} {
		_, err := parseFileID(bad)
		assert.Error(t, err, bad)
	}
}

func newIngestFlags() *cobra.Command {
	c := &cobra.Command{}
	c.Flags().String("from", "", "")
	c.Flags().String("subject", "", "")
	c.Flags().String("message-id", "", "")
	c.Flags().String("received", "", "")
	c.Flags().String("source", "", "")
	return c
}

func TestDeliveriesFromArgs(t *testing.T) {
	dir := t.TempDir()
	p := writeTemp(t, dir, "x.csv", "data")

	c := newIngestFlags()
	require.NoError(t, c.Flags().Set("from", "plant@example.com"))
	require.NoError(t, c.Flags().Set("subject", "daily"))
	require.NoError(t, c.Flags().Set("message-id", "<1@mail>"))
	require.NoError(t, c.Flags().Set("received", "Sat, 01 Mar 2025 10:15:00 +0200"))

	ds, err := deliveriesFromArgs(c, []string{p})
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "x.csv", ds[0].Filename)
	assert.Equal(t, "plant@example.com", ds[0].From)
	assert.Equal(t, "<1@mail>", ds[0].MessageID)
	require.NotNil(t, ds[0].ReceivedAt)
	assert.Equal(t, time.Date(2025, 3, 1, 8, 15, 0, 0, time.UTC), *ds[0].ReceivedAt)

	_, err = deliveriesFromArgs(c, []string{p, p})
	assert.Error(t, err, "message id shared by two files")

	bad := newIngestFlags()
	require.NoError(t, bad.Flags().Set("received", "whenever"))
	_, err = deliveriesFromArgs(bad, []string{p})
	assert.Error(t, err)
}

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestFingerprintFile(t *testing.T) {
	p := writeTemp(t, t.TempDir(), "x.csv", "data")
	sha, err := fingerprintFile(p)
	require.NoError(t, err)
	assert.Equal(t, fingerprint.Sum([]byte("data")), sha)

	_, err = fingerprintFile(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}
