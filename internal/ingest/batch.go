package ingest

import (
	"context"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/scale-ingest/internal/model"
	"github.com/sells-group/scale-ingest/internal/source"
)

// BatchItem pairs a delivery with its ingestion result. Result is nil when
// the file could not be registered.
type BatchItem struct {
	Delivery source.Delivery
	Result   *Result
	Err      error
}

// BatchSummary counts batch results by outcome.
type BatchSummary struct {
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`
}

// Summarize tallies items by final status.
func Summarize(items []BatchItem) BatchSummary {
	var s BatchSummary
	for _, it := range items {
		switch {
		case it.Err != nil:
			s.Errors++
		case it.Result == nil:
			s.Errors++
		case it.Result.Duplicate:
			s.Duplicates++
		case it.Result.Err != nil || it.Result.Error != "":
			s.Failed++
		default:
			s.Completed++
		}
	}
	return s
}

// IngestBatch ingests deliveries with at most concurrency files in flight.
// Items come back in input order. A per-file error never aborts the batch;
// only cancellation of ctx is returned as an error.
func (o *Orchestrator) IngestBatch(ctx context.Context, deliveries []source.Delivery, concurrency int) ([]BatchItem, error) {
	items := make([]BatchItem, len(deliveries))
	if len(deliveries) == 0 {
		return items, nil
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	zap.L().Info("ingesting batch",
		zap.Int("files", len(deliveries)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var succeeded, failed atomic.Int64

	for i, d := range deliveries {
		items[i].Delivery = d
		g.Go(func() error {
			res, err := o.Ingest(gctx, d)
			items[i].Result = res
			items[i].Err = err
			if err != nil {
				failed.Add(1)
				zap.L().Error("ingest failed", zap.String("filename", d.Filename), zap.Error(err))
				return nil // don't abort batch on individual failure
			}
			succeeded.Add(1)
			return nil
		})
	}

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return items, eris.Wrap(err, "ingest: batch cancelled")
	}

	zap.L().Info("batch complete",
		zap.Int64("succeeded", succeeded.Load()),
		zap.Int64("failed", failed.Load()),
	)
	return items, nil
}

// Drain fetches every pending delivery from src, ingests them and acks each
// one whose file reached a final status. A delivery whose own file was left
// in PROCESSING stays in the source. When it is fetched again its content is
// already registered, so it is recorded as a duplicate of the unfinished file
// and routed to the failed folder, where the bytes wait for an operator to
// delete the original record and re-ingest them.
func (o *Orchestrator) Drain(ctx context.Context, src source.Source, concurrency int) ([]BatchItem, error) {
	deliveries, err := src.Fetch(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: fetch deliveries")
	}
	items, err := o.IngestBatch(ctx, deliveries, concurrency)
	if err != nil {
		return items, err
	}

	for _, it := range items {
		if it.Result == nil {
			continue
		}
		if it.Result.Duplicate && it.Result.OriginalStatus != model.FileStatusCompleted {
			// The original may have been a sibling in this batch that has
			// finished since the duplicate was recorded.
			if st, err := o.originalStatus(ctx, it.Result.DuplicateOf); err == nil {
				it.Result.OriginalStatus = st
			} else {
				zap.L().Warn("ingest: refresh original status", zap.Int64("file_id", it.Result.DuplicateOf), zap.Error(err))
			}
		}
		disp, ok := it.Result.Disposition()
		if !ok {
			continue
		}
		if err := src.Ack(ctx, it.Delivery, disp); err != nil {
			zap.L().Warn("ingest: ack delivery",
				zap.String("filename", it.Delivery.Filename),
				zap.String("disposition", string(disp)),
				zap.Error(err),
			)
		}
	}
	return items, nil
}
