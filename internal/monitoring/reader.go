// Package monitoring reads operational metrics from the store, reconciles
// stuck files and raises threshold alerts.
package monitoring

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/scale-ingest/internal/model"
	"github.com/sells-group/scale-ingest/internal/store"
)

// DefaultStuckAfter applies when no stuck threshold is configured.
const DefaultStuckAfter = 30 * time.Minute

// Snapshot holds a point-in-time view of ingestion health over a lookback
// window.
type Snapshot struct {
	Total         int64                      `json:"total"`
	ByStatus      map[model.FileStatus]int64 `json:"by_status"`
	Completed     int64                      `json:"completed"`
	Failed        int64                      `json:"failed"`
	Duplicates    int64                      `json:"duplicates"`
	FailureRate   float64                    `json:"failure_rate"`
	AvgDurationMs float64                    `json:"avg_duration_ms"`

	// StuckFiles counts PROCESSING files older than the stuck threshold,
	// regardless of the lookback window.
	StuckFiles int64 `json:"stuck_files"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// FileStats is one file with its transaction counts.
type FileStats struct {
	File         *model.IngestionFile `json:"file"`
	Transactions int64                `json:"transactions"`
	Successes    int64                `json:"successes"`
	Failures     int64                `json:"failures"`
}

// Reader answers read-only metric queries. Every call recomputes from the
// store.
type Reader struct {
	store      store.Store
	stuckAfter time.Duration
	now        func() time.Time
}

// NewReader creates a Reader. stuckAfter <= 0 uses DefaultStuckAfter.
func NewReader(st store.Store, stuckAfter time.Duration) *Reader {
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckAfter
	}
	return &Reader{store: st, stuckAfter: stuckAfter, now: func() time.Time { return time.Now().UTC() }}
}

// Ping checks the store connection.
func (r *Reader) Ping(ctx context.Context) error {
	return eris.Wrap(r.store.Ping(ctx), "monitoring: ping store")
}

// StatusCounts returns the number of files in each status. Every status is
// present.
func (r *Reader) StatusCounts(ctx context.Context) (map[model.FileStatus]int64, error) {
	counts, err := r.store.CountByStatus(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count by status")
	}
	return counts, nil
}

// ScaleStats returns per-scale aggregates.
func (r *Reader) ScaleStats(ctx context.Context) ([]model.ScaleStat, error) {
	stats, err := r.store.ScaleStats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: scale stats")
	}
	return stats, nil
}

// RecentFiles returns the newest files by received time, falling back to
// creation time.
func (r *Reader) RecentFiles(ctx context.Context, limit int) ([]model.IngestionFile, error) {
	files, err := r.store.ListFiles(ctx, store.FileFilter{Limit: limit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: recent files")
	}
	return files, nil
}

// FileStats returns a file with its transaction counts.
func (r *Reader) FileStats(ctx context.Context, id int64) (*FileStats, error) {
	f, err := r.store.GetFile(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "monitoring: get file %d", id)
	}
	total, successes, err := r.store.FileTransactionCounts(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "monitoring: count transactions for file %d", id)
	}
	return &FileStats{
		File:         f,
		Transactions: total,
		Successes:    successes,
		Failures:     total - successes,
	}, nil
}

// ContentHistory is every record of one fingerprint: the canonical file, if
// any, and the duplicate deliveries recorded against it.
type ContentHistory struct {
	SHA256     string                `json:"sha256"`
	Original   *model.IngestionFile  `json:"original,omitempty"`
	Duplicates []model.IngestionFile `json:"duplicates"`
}

// History looks up a fingerprint. An unseen fingerprint yields an empty
// history, not an error.
func (r *Reader) History(ctx context.Context, sha string) (*ContentHistory, error) {
	h := &ContentHistory{SHA256: sha, Duplicates: []model.IngestionFile{}}

	orig, err := r.store.FindByFingerprint(ctx, sha)
	switch {
	case err == nil:
		h.Original = orig
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, eris.Wrap(err, "monitoring: find by fingerprint")
	}

	files, err := r.store.ListFiles(ctx, store.FileFilter{Fingerprint: sha, Status: model.FileStatusDuplicate})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list duplicates")
	}
	h.Duplicates = append(h.Duplicates, files...)
	return h, nil
}

// Snapshot gathers totals for files created within lookback. The failure
// rate is FAILED over finished (COMPLETED + FAILED) files.
func (r *Reader) Snapshot(ctx context.Context, lookback time.Duration) (*Snapshot, error) {
	now := r.now()
	ws, err := r.store.WindowStats(ctx, now.Add(-lookback))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: window stats")
	}
	stuck, err := r.store.CountStuck(ctx, now.Add(-r.stuckAfter))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count stuck")
	}

	snap := &Snapshot{
		ByStatus:      ws.ByStatus,
		Completed:     ws.ByStatus[model.FileStatusCompleted],
		Failed:        ws.ByStatus[model.FileStatusFailed],
		Duplicates:    ws.ByStatus[model.FileStatusDuplicate],
		AvgDurationMs: ws.AvgDurationMs,
		StuckFiles:    stuck,
		LookbackHours: int(lookback / time.Hour),
		CollectedAt:   now,
	}
	for _, n := range ws.ByStatus {
		snap.Total += n
	}
	if finished := snap.Completed + snap.Failed; finished > 0 {
		snap.FailureRate = float64(snap.Failed) / float64(finished)
	}
	return snap, nil
}
