package monitoring

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scale-ingest/internal/engine"
	"github.com/sells-group/scale-ingest/internal/fingerprint"
	"github.com/sells-group/scale-ingest/internal/model"
	"github.com/sells-group/scale-ingest/internal/store"
)

// fixture holds the ids seeded by seedStore.
type fixture struct {
	completed, failed, duplicate, stuck, fresh int64
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "monitoring.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func register(t *testing.T, eng *engine.Engine, name string) int64 {
	t.Helper()
	id, created, err := eng.RegisterFile(context.Background(), fingerprint.Sum([]byte(name)),
		model.FileMeta{Source: "imap", Filename: name})
	require.NoError(t, err)
	require.True(t, created)
	return id
}

// seedStore creates one file in each status. The PROCESSING file started
// two hours ago.
func seedStore(t *testing.T, st store.Store) fixture {
	t.Helper()
	ctx := context.Background()
	eng := engine.New(st, 0)
	var fx fixture

	fx.completed = register(t, eng, "completed.csv")
	require.NoError(t, eng.BeginProcessing(ctx, fx.completed))
	started := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	recs := []model.Record{
		{ScaleName: "Scale-A", TransactNo: 1, FillKg: decimal.NewNullDecimal(decimal.RequireFromString("10.5")), Success: true, StartedAt: started, FillTimeSeconds: 40},
		{ScaleName: "Scale-A", TransactNo: 2, FillKg: decimal.NewNullDecimal(decimal.RequireFromString("9.5")), Success: true, StartedAt: started.Add(time.Minute), FillTimeSeconds: 50},
		{ScaleName: "Scale-A", TransactNo: 3, Success: false, StartedAt: started.Add(2 * time.Minute), FillTimeSeconds: 0},
	}
	_, err := eng.PersistTransactions(ctx, fx.completed, "corr-1", recs, engine.Completion{
		Outcome: model.FileOutcome{RowsAccepted: 3, DurationMs: 400},
	})
	require.NoError(t, err)

	fx.failed = register(t, eng, "failed.csv")
	require.NoError(t, eng.BeginProcessing(ctx, fx.failed))
	require.NoError(t, eng.FailProcessing(ctx, fx.failed, "file validation failed: empty", &model.FileOutcome{DurationMs: 200}, nil))

	fx.duplicate, err = eng.MarkDuplicateFile(ctx, fx.completed, fingerprint.Sum([]byte("completed.csv")),
		model.FileMeta{Source: "imap", Filename: "completed-again.csv"}, "")
	require.NoError(t, err)

	fx.stuck = register(t, eng, "stuck.csv")
	now := time.Now().UTC().Truncate(time.Microsecond)
	longAgo := now.Add(-2 * time.Hour)
	require.NoError(t, st.TransitionFile(ctx, fx.stuck, model.FileUpdate{
		From:      model.FileStatusNew,
		To:        model.FileStatusProcessing,
		At:        now,
		StartedAt: &longAgo,
	}))

	fx.fresh = register(t, eng, "fresh.csv")
	return fx
}

func TestReader_StatusCounts(t *testing.T) {
	st := newTestStore(t)
	seedStore(t, st)
	r := NewReader(st, 30*time.Minute)

	counts, err := r.StatusCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[model.FileStatus]int64{
		model.FileStatusNew:        1,
		model.FileStatusProcessing: 1,
		model.FileStatusCompleted:  1,
		model.FileStatusFailed:     1,
		model.FileStatusDuplicate:  1,
	}, counts)
}

func TestReader_StatusCounts_Empty(t *testing.T) {
	r := NewReader(newTestStore(t), 0)
	counts, err := r.StatusCounts(context.Background())
	require.NoError(t, err)
	assert.Len(t, counts, len(model.FileStatuses()))
	for _, n := range counts {
		assert.Zero(t, n)
	}
}

func TestReader_ScaleStats(t *testing.T) {
	st := newTestStore(t)
	seedStore(t, st)
	r := NewReader(st, 0)

	stats, err := r.ScaleStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	s := stats[0]
	assert.Equal(t, "Scale-A", s.ScaleName)
	assert.Equal(t, int64(3), s.Transactions)
	assert.Equal(t, int64(2), s.Successes)
	assert.InDelta(t, 2.0/3.0, s.SuccessRate, 1e-9)
	assert.True(t, s.TotalFillKg.Equal(decimal.RequireFromString("20")), s.TotalFillKg.String())
	require.NotNil(t, s.LastActivity)
}

func TestReader_RecentFilesAndFileStats(t *testing.T) {
	st := newTestStore(t)
	fx := seedStore(t, st)
	r := NewReader(st, 0)

	files, err := r.RecentFiles(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, fx.fresh, files[0].ID)

	fs, err := r.FileStats(context.Background(), fx.completed)
	require.NoError(t, err)
	assert.Equal(t, fx.completed, fs.File.ID)
	assert.Equal(t, int64(3), fs.Transactions)
	assert.Equal(t, int64(2), fs.Successes)
	assert.Equal(t, int64(1), fs.Failures)

	_, err = r.FileStats(context.Background(), 9999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReader_History(t *testing.T) {
	st := newTestStore(t)
	fx := seedStore(t, st)
	r := NewReader(st, 0)

	h, err := r.History(context.Background(), fingerprint.Sum([]byte("completed.csv")))
	require.NoError(t, err)
	require.NotNil(t, h.Original)
	assert.Equal(t, fx.completed, h.Original.ID)
	require.Len(t, h.Duplicates, 1)
	assert.Equal(t, fx.duplicate, h.Duplicates[0].ID)

	unseen, err := r.History(context.Background(), fingerprint.Sum([]byte("never delivered")))
	require.NoError(t, err)
	assert.Nil(t, unseen.Original)
	assert.Empty(t, unseen.Duplicates)
}

func TestReader_Snapshot(t *testing.T) {
	st := newTestStore(t)
	seedStore(t, st)
	r := NewReader(st, 30*time.Minute)

	snap, err := r.Snapshot(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.Total)
	assert.Equal(t, int64(1), snap.Completed)
	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, int64(1), snap.Duplicates)
	assert.InDelta(t, 0.5, snap.FailureRate, 1e-9)
	assert.InDelta(t, 300, snap.AvgDurationMs, 1e-9)
	assert.Equal(t, int64(1), snap.StuckFiles)
	assert.Equal(t, 24, snap.LookbackHours)

	// Nothing is stuck under a generous threshold.
	snap, err = NewReader(st, 3*time.Hour).Snapshot(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, snap.StuckFiles)
}

func TestSweeper_Sweep(t *testing.T) {
	st := newTestStore(t)
	fx := seedStore(t, st)
	sw := NewSweeper(st, 30*time.Minute)

	ids, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{fx.stuck}, ids)

	f, err := st.GetFile(context.Background(), fx.stuck)
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusFailed, f.Status)
	assert.Contains(t, f.Error, "stuck-file sweep")
	assert.NotNil(t, f.ProcessingCompletedAt)

	again, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again)
}
