package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/scale-ingest/internal/store"
)

// Sweeper fails files that have been PROCESSING for longer than the stuck
// threshold, which happens when a worker dies or is cancelled mid-file.
type Sweeper struct {
	store      store.Store
	stuckAfter time.Duration
	now        func() time.Time
}

// NewSweeper creates a Sweeper. stuckAfter <= 0 uses DefaultStuckAfter.
func NewSweeper(st store.Store, stuckAfter time.Duration) *Sweeper {
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckAfter
	}
	return &Sweeper{
		store:      st,
		stuckAfter: stuckAfter,
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Sweep marks stuck files FAILED and returns their ids.
func (s *Sweeper) Sweep(ctx context.Context) ([]int64, error) {
	now := s.now()
	reason := fmt.Sprintf("processing did not finish within %s; marked failed by stuck-file sweep", s.stuckAfter)

	ids, err := s.store.FailStuck(ctx, now.Add(-s.stuckAfter), reason, now)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: sweep stuck files")
	}
	if len(ids) > 0 {
		zap.L().With(zap.String("component", "monitoring.sweeper")).Warn("stuck files failed",
			zap.Int64s("file_ids", ids),
			zap.Duration("stuck_after", s.stuckAfter),
		)
	}
	return ids, nil
}
