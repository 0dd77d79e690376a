package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scale-ingest/internal/config"
	"github.com/sells-group/scale-ingest/internal/engine"
	"github.com/sells-group/scale-ingest/internal/fingerprint"
	"github.com/sells-group/scale-ingest/internal/model"
	"github.com/sells-group/scale-ingest/internal/normalize"
	"github.com/sells-group/scale-ingest/internal/source"
	"github.com/sells-group/scale-ingest/internal/store"
)

const header = "TransactNo,Scale Name,CylSize,TareWeight,Fill kgs,Residual,Success,Date Time Start,Fill Time\n"

func row(no int, scale string) string {
	return fmt.Sprintf("%d,%s,48,15.2,12.5,0.3,Y,2025-03-01 10:%02d:00,45\n", no, scale, no%60)
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newOrchestrator(t *testing.T, st store.Store, opts Options) *Orchestrator {
	t.Helper()
	norm, err := normalize.New(normalize.DefaultSchema(), "UTC", "")
	require.NoError(t, err)
	return New(engine.New(st, 200), norm, opts)
}

func delivery(name, body string) source.Delivery {
	return source.Delivery{
		Filename:  name,
		Data:      []byte(body),
		From:      "plant@example.com",
		Subject:   "daily export",
		MessageID: "<" + name + "@mail>",
	}
}

func TestIngest_Completed(t *testing.T) {
	st := newTestStore(t)
	o := newOrchestrator(t, st, Options{SourceLabel: "imap"})

	body := header + row(1, "Scale-A") + row(2, "Scale-A") + "x,Scale-A,48,,,,Y,2025-03-01 10:00:00,1\n" + row(3, "Scale-B")
	res, err := o.Ingest(context.Background(), delivery("export.csv", body))
	require.NoError(t, err)

	assert.Equal(t, model.FileStatusCompleted, res.Status)
	assert.False(t, res.Duplicate)
	assert.NotEmpty(t, res.CorrelationID)
	assert.Len(t, res.SHA256, 64)
	assert.Equal(t, 3, res.Outcome.RowsAccepted)
	assert.Equal(t, 3, res.Outcome.RowsInserted)
	assert.Equal(t, 0, res.Outcome.RowsDuplicate)
	assert.Equal(t, 1, res.Outcome.RowsRejected)
	require.Len(t, res.Rejections, 1)
	assert.Equal(t, 4, res.Rejections[0].Line)
	assert.Nil(t, res.Err)

	disp, ok := res.Disposition()
	assert.True(t, ok)
	assert.Equal(t, source.DispositionProcessed, disp)

	f, err := st.GetFile(context.Background(), res.FileID)
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusCompleted, f.Status)
	assert.Equal(t, "imap", f.Source)
	assert.Equal(t, "plant@example.com", f.FromEmail)
	assert.Equal(t, res.CorrelationID, f.CorrelationID)
	assert.Equal(t, 3, f.Outcome.RowsInserted)
	assert.Equal(t, 1, f.Outcome.RowsRejected)
	require.NotNil(t, f.Metadata)
	assert.EqualValues(t, 1, f.Metadata["rejected_total"])

	txs, err := st.ListTransactions(context.Background(), res.FileID, 0)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	for _, tx := range txs {
		assert.Equal(t, res.CorrelationID, tx.CorrelationID)
	}
}

func TestIngest_DuplicateFile(t *testing.T) {
	st := newTestStore(t)
	o := newOrchestrator(t, st, Options{})
	body := header + row(1, "Scale-A")

	first, err := o.Ingest(context.Background(), delivery("a.csv", body))
	require.NoError(t, err)
	require.Equal(t, model.FileStatusCompleted, first.Status)

	second, err := o.Ingest(context.Background(), delivery("a-resent.csv", body))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, model.FileStatusDuplicate, second.Status)
	assert.Equal(t, first.FileID, second.DuplicateOf)
	assert.NotEqual(t, first.FileID, second.FileID)
	assert.Equal(t, model.FileStatusCompleted, second.OriginalStatus)
	assert.Empty(t, second.Error)

	disp, ok := second.Disposition()
	assert.True(t, ok)
	assert.Equal(t, source.DispositionDuplicate, disp)

	dup, err := st.GetFile(context.Background(), second.FileID)
	require.NoError(t, err)
	require.NotNil(t, dup.DuplicateOf)
	assert.Equal(t, first.FileID, *dup.DuplicateOf)

	total, _, err := st.FileTransactionCounts(context.Background(), second.FileID)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestIngest_OverlappingRows(t *testing.T) {
	st := newTestStore(t)
	o := newOrchestrator(t, st, Options{})

	_, err := o.Ingest(context.Background(), delivery("mon.csv", header+row(1, "Scale-A")+row(2, "Scale-A")))
	require.NoError(t, err)

	res, err := o.Ingest(context.Background(), delivery("tue.csv", header+row(2, "Scale-A")+row(3, "Scale-A")+row(2, "Scale-B")))
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusCompleted, res.Status)
	assert.Equal(t, 3, res.Outcome.RowsAccepted)
	assert.Equal(t, 2, res.Outcome.RowsInserted)
	assert.Equal(t, 1, res.Outcome.RowsDuplicate)

	stats, err := st.ScaleStats(context.Background())
	require.NoError(t, err)
	byScale := map[string]int64{}
	for _, s := range stats {
		byScale[s.ScaleName] = s.Transactions
	}
	assert.Equal(t, map[string]int64{"Scale-A": 3, "Scale-B": 1}, byScale)
}

func TestIngest_StructuralFailure(t *testing.T) {
	st := newTestStore(t)
	o := newOrchestrator(t, st, Options{})

	res, err := o.Ingest(context.Background(), delivery("bad.csv", "TransactNo,Scale Name\n1,Scale-A\n"))
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusFailed, res.Status)
	assert.True(t, strings.HasPrefix(res.Error, "file validation failed: "), res.Error)
	assert.ErrorIs(t, res.Err, normalize.ErrStructure)

	disp, ok := res.Disposition()
	assert.True(t, ok)
	assert.Equal(t, source.DispositionFailed, disp)

	f, err := st.GetFile(context.Background(), res.FileID)
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusFailed, f.Status)
	assert.Equal(t, res.Error, f.Error)
	assert.NotNil(t, f.ProcessingCompletedAt)
}

func TestIngest_NoValidRows(t *testing.T) {
	st := newTestStore(t)
	o := newOrchestrator(t, st, Options{})

	body := header + "0,Scale-A,48,,,,Y,2025-03-01 10:00:00,1\n" + "1,,48,,,,Y,2025-03-01 10:00:00,1\n"
	res, err := o.Ingest(context.Background(), delivery("empty.csv", body))
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusFailed, res.Status)
	assert.Equal(t, "no valid transactions (2 rows rejected)", res.Error)
	assert.ErrorIs(t, res.Err, ErrNoValidRows)
	assert.Equal(t, 2, res.Outcome.RowsRejected)
	assert.Zero(t, res.Outcome.RowsAccepted)

	f, err := st.GetFile(context.Background(), res.FileID)
	require.NoError(t, err)
	assert.Equal(t, 2, f.Outcome.RowsRejected)
}

func TestIngest_RejectionsCapped(t *testing.T) {
	st := newTestStore(t)
	o := newOrchestrator(t, st, Options{MaxRejections: 2})

	var b strings.Builder
	b.WriteString(header)
	b.WriteString(row(1, "Scale-A"))
	for i := 0; i < 5; i++ {
		b.WriteString("bad,Scale-A,48,,,,Y,2025-03-01 10:00:00,1\n")
	}
	res, err := o.Ingest(context.Background(), delivery("noisy.csv", b.String()))
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusCompleted, res.Status)
	assert.Equal(t, 5, res.Outcome.RowsRejected)
	assert.Len(t, res.Rejections, 2)

	f, err := st.GetFile(context.Background(), res.FileID)
	require.NoError(t, err)
	reasons, ok := f.Metadata["rejections"].([]any)
	require.True(t, ok)
	assert.Len(t, reasons, 2)
	assert.EqualValues(t, 5, f.Metadata["rejected_total"])
}

// hookStore lets a test intercept CommitFile.
type hookStore struct {
	store.Store
	commit func(ctx context.Context) error
}

func (h *hookStore) CommitFile(ctx context.Context, id int64, rows []model.ScaleTransaction, upd model.FileUpdate) (store.CommitResult, error) {
	if err := h.commit(ctx); err != nil {
		return store.CommitResult{}, err
	}
	return h.Store.CommitFile(ctx, id, rows, upd)
}

func TestIngest_CancelledLeavesProcessing(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hs := &hookStore{Store: st, commit: func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}}
	o := newOrchestrator(t, hs, Options{})

	res, err := o.Ingest(ctx, delivery("slow.csv", header+row(1, "Scale-A")))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, model.FileStatusProcessing, res.Status)
	_, ok := res.Disposition()
	assert.False(t, ok)

	f, err := st.GetFile(context.Background(), res.FileID)
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusProcessing, f.Status)
	total, _, err := st.FileTransactionCounts(context.Background(), res.FileID)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestIngest_PersistErrorFails(t *testing.T) {
	st := newTestStore(t)
	hs := &hookStore{Store: st, commit: func(context.Context) error {
		return eris.New("disk full")
	}}
	o := newOrchestrator(t, hs, Options{})

	res, err := o.Ingest(context.Background(), delivery("a.csv", header+row(1, "Scale-A")))
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusFailed, res.Status)
	assert.Contains(t, res.Error, "persist transactions: ")
	assert.Contains(t, res.Error, "disk full")

	f, err := st.GetFile(context.Background(), res.FileID)
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusFailed, f.Status)
}

func TestIngest_InvariantViolation(t *testing.T) {
	st := newTestStore(t)
	hs := &hookStore{Store: st, commit: func(context.Context) error {
		return eris.Wrap(store.ErrInvalidTransition, "file 1 is COMPLETED")
	}}
	o := newOrchestrator(t, hs, Options{})

	res, err := o.Ingest(context.Background(), delivery("a.csv", header+row(1, "Scale-A")))
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
	assert.Equal(t, model.FileStatusProcessing, res.Status)
}

func TestIngest_RegisterCancelled(t *testing.T) {
	st := newTestStore(t)
	o := newOrchestrator(t, st, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := o.Ingest(ctx, delivery("a.csv", header+row(1, "Scale-A")))
	require.Error(t, err)
	assert.Nil(t, res)

	files, err := st.ListFiles(context.Background(), store.FileFilter{})
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestIngestBatch(t *testing.T) {
	st := newTestStore(t)
	o := newOrchestrator(t, st, Options{})

	same := header + row(1, "Scale-A")
	ds := []source.Delivery{
		delivery("a.csv", same),
		delivery("b.csv", header+row(2, "Scale-A")),
		delivery("c.csv", same),
		delivery("d.csv", "garbage"),
	}
	items, err := o.IngestBatch(context.Background(), ds, 3)
	require.NoError(t, err)
	require.Len(t, items, 4)
	for i, it := range items {
		assert.Equal(t, ds[i].Filename, it.Delivery.Filename)
		require.NoError(t, it.Err)
		require.NotNil(t, it.Result)
	}

	sum := Summarize(items)
	assert.Equal(t, BatchSummary{Completed: 2, Failed: 1, Duplicates: 1}, sum)
	assert.Equal(t, model.FileStatusCompleted, items[1].Result.Status)
	assert.Equal(t, model.FileStatusFailed, items[3].Result.Status)

	empty, err := o.IngestBatch(context.Background(), nil, 3)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestIngestBatch_Cancelled(t *testing.T) {
	st := newTestStore(t)
	o := newOrchestrator(t, st, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	items, err := o.IngestBatch(ctx, []source.Delivery{delivery("a.csv", header+row(1, "Scale-A"))}, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, items, 1)
}

func TestDrain_DirSource(t *testing.T) {
	st := newTestStore(t)
	o := newOrchestrator(t, st, Options{SourceLabel: "spool"})

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.csv"), []byte(header+row(1, "Scale-A")), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.csv"), []byte(header+row(1, "Scale-A")), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.csv"), []byte("nope"), 0o644))

	src, err := source.NewDirSource(config.SpoolConfig{Dir: dir}, "spool")
	require.NoError(t, err)

	items, err := o.Drain(context.Background(), src, 1)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, BatchSummary{Completed: 1, Failed: 1, Duplicates: 1}, Summarize(items))

	assert.FileExists(t, filepath.Join(dir, "processed", "a.csv"))
	assert.FileExists(t, filepath.Join(dir, "duplicate", "b.csv"))
	assert.FileExists(t, filepath.Join(dir, "failed", "c.csv"))

	f, err := st.GetFile(context.Background(), items[0].Result.FileID)
	require.NoError(t, err)
	assert.Equal(t, "spool", f.Source)
	assert.NotNil(t, f.ReceivedAt)
}

func TestResult_DispositionByOriginalStatus(t *testing.T) {
	tests := []struct {
		orig model.FileStatus
		want source.Disposition
	}{
		{model.FileStatusCompleted, source.DispositionDuplicate},
		{model.FileStatusFailed, source.DispositionFailed},
		{model.FileStatusProcessing, source.DispositionFailed},
		{model.FileStatusNew, source.DispositionFailed},
	}
	for _, tt := range tests {
		r := &Result{Status: model.FileStatusDuplicate, Duplicate: true, DuplicateOf: 1, OriginalStatus: tt.orig}
		disp, ok := r.Disposition()
		assert.True(t, ok, tt.orig)
		assert.Equal(t, tt.want, disp, tt.orig)
	}
}

func TestDrain_UnfinishedOriginalKeepsBytes(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	o := newOrchestrator(t, st, Options{SourceLabel: "spool"})

	body := header + row(1, "Scale-A") + row(2, "Scale-A")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.csv"), []byte(body), 0o644))

	// An earlier pass registered the file and was interrupted mid-processing.
	eng := engine.New(st, 200)
	origID, created, err := eng.RegisterFile(ctx, fingerprint.Sum([]byte(body)), model.FileMeta{Source: "spool", Filename: "a.csv"})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, eng.BeginProcessing(ctx, origID))

	src, err := source.NewDirSource(config.SpoolConfig{Dir: dir}, "spool")
	require.NoError(t, err)
	items, err := o.Drain(ctx, src, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)

	res := items[0].Result
	require.NotNil(t, res)
	assert.True(t, res.Duplicate)
	assert.Equal(t, origID, res.DuplicateOf)
	assert.Equal(t, model.FileStatusProcessing, res.OriginalStatus)
	assert.Contains(t, res.Error, "was PROCESSING")

	assert.FileExists(t, filepath.Join(dir, "failed", "a.csv"))
	assert.NoFileExists(t, filepath.Join(dir, "duplicate", "a.csv"))
	assert.NoFileExists(t, filepath.Join(dir, "a.csv"))

	dup, err := st.GetFile(ctx, res.FileID)
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusDuplicate, dup.Status)
	assert.Contains(t, dup.Error, fmt.Sprintf("original file %d was PROCESSING", origID))

	orig, err := st.GetFile(ctx, origID)
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusProcessing, orig.Status)

	// Operator path: sweep the stuck original, delete it, re-ingest the kept bytes.
	now := time.Now().UTC()
	swept, err := st.FailStuck(ctx, now.Add(time.Hour), "stuck", now)
	require.NoError(t, err)
	assert.Equal(t, []int64{origID}, swept)
	require.NoError(t, st.DeleteFile(ctx, origID))

	d, err := source.ReadFile(filepath.Join(dir, "failed", "a.csv"), "spool")
	require.NoError(t, err)
	again, err := o.Ingest(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusCompleted, again.Status)
	assert.False(t, again.Duplicate)
	assert.Equal(t, 2, again.Outcome.RowsInserted)
}

func TestDrain_ConcurrentCopiesResolveToDuplicate(t *testing.T) {
	st := newTestStore(t)
	o := newOrchestrator(t, st, Options{SourceLabel: "spool"})

	body := header + row(1, "Scale-A")
	dir := t.TempDir()
	for _, name := range []string{"a.csv", "b.csv", "c.csv"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}

	src, err := source.NewDirSource(config.SpoolConfig{Dir: dir}, "spool")
	require.NoError(t, err)
	items, err := o.Drain(context.Background(), src, 3)
	require.NoError(t, err)
	assert.Equal(t, BatchSummary{Completed: 1, Duplicates: 2}, Summarize(items))

	processed, err := os.ReadDir(filepath.Join(dir, "processed"))
	require.NoError(t, err)
	assert.Len(t, processed, 1)
	dups, err := os.ReadDir(filepath.Join(dir, "duplicate"))
	require.NoError(t, err)
	assert.Len(t, dups, 2)
	assert.NoDirExists(t, filepath.Join(dir, "failed"))
}
