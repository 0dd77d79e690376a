// Package ingest runs one delivered file through fingerprinting,
// registration, normalization and persistence.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/scale-ingest/internal/engine"
	"github.com/sells-group/scale-ingest/internal/fingerprint"
	"github.com/sells-group/scale-ingest/internal/model"
	"github.com/sells-group/scale-ingest/internal/normalize"
	"github.com/sells-group/scale-ingest/internal/source"
)

// ErrNoValidRows is recorded when a file yields no acceptable transactions.
var ErrNoValidRows = eris.New("ingest: no valid transactions")

// Defaults applied by New.
const (
	DefaultMaxRejections = 50
	DefaultStoreTimeout  = 30 * time.Second
)

// Options tunes an Orchestrator.
type Options struct {
	SourceLabel   string
	MaxRejections int
	StoreTimeout  time.Duration
}

// Result describes what happened to one delivery.
type Result struct {
	FileID         int64                 `json:"file_id"`
	CorrelationID  string                `json:"correlation_id"`
	Filename       string                `json:"filename"`
	SHA256         string                `json:"sha256"`
	Status         model.FileStatus      `json:"status"`
	Duplicate      bool                  `json:"duplicate"`
	DuplicateOf    int64                 `json:"duplicate_of,omitempty"`
	OriginalStatus model.FileStatus      `json:"original_status,omitempty"`
	Outcome        model.FileOutcome     `json:"outcome"`
	Rejections     []normalize.Rejection `json:"rejections,omitempty"`
	Error          string                `json:"error,omitempty"`
	Duration       time.Duration         `json:"duration"`

	// Err is the file-level cause behind a FAILED status.
	Err error `json:"-"`
}

// Disposition maps the result onto the delivery routing. Files left in
// PROCESSING are not routed. A duplicate goes to the duplicate folder only
// when its original completed; otherwise its bytes may be the only copy left
// and it is routed as failed.
func (r *Result) Disposition() (source.Disposition, bool) {
	switch r.Status {
	case model.FileStatusCompleted:
		return source.DispositionProcessed, true
	case model.FileStatusFailed:
		return source.DispositionFailed, true
	case model.FileStatusDuplicate:
		if r.OriginalStatus != model.FileStatusCompleted {
			return source.DispositionFailed, true
		}
		return source.DispositionDuplicate, true
	default:
		return "", false
	}
}

// Orchestrator drives deliveries through the engine.
type Orchestrator struct {
	engine *engine.Engine
	norm   *normalize.Normalizer
	opts   Options
}

// New creates an Orchestrator.
func New(eng *engine.Engine, norm *normalize.Normalizer, opts Options) *Orchestrator {
	if opts.MaxRejections <= 0 {
		opts.MaxRejections = DefaultMaxRejections
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	return &Orchestrator{engine: eng, norm: norm, opts: opts}
}

// Ingest processes one delivery. Duplicates, structural problems and files
// without valid rows are reported through the Result with a nil error. An
// error is returned when registration fails, when a failure cannot be
// recorded, on invariant violations, and on cancellation. A cancelled file
// stays in PROCESSING for the stuck-file sweep.
func (o *Orchestrator) Ingest(ctx context.Context, d source.Delivery) (*Result, error) {
	start := time.Now()
	fp := fingerprint.Sum(d.Data)
	corr := uuid.NewString()

	meta := d.Meta(o.opts.SourceLabel)
	meta.CorrelationID = corr

	res := &Result{CorrelationID: corr, Filename: d.Filename, SHA256: fp}
	log := zap.L().With(
		zap.String("component", "ingest"),
		zap.String("correlation_id", corr),
		zap.String("filename", d.Filename),
		zap.String("sha256", fingerprint.Short(fp)),
	)
	defer func() { res.Duration = time.Since(start) }()

	var (
		id      int64
		created bool
	)
	err := o.call(ctx, func(ctx context.Context) error {
		var err error
		id, created, err = o.engine.RegisterFile(ctx, fp, meta)
		return err
	})
	if err != nil {
		return nil, eris.Wrap(err, "ingest: register file")
	}

	if !created {
		return o.duplicate(ctx, res, id, fp, meta, log)
	}
	res.FileID = id
	res.Status = model.FileStatusNew
	log = log.With(zap.Int64("file_id", id))

	if err := o.call(ctx, func(ctx context.Context) error { return o.engine.BeginProcessing(ctx, id) }); err != nil {
		return res, eris.Wrap(err, "ingest: begin processing")
	}
	res.Status = model.FileStatusProcessing

	records, rejected, structErr := o.collect(ctx, d, res)
	if ctx.Err() != nil {
		log.Warn("ingest: cancelled during normalization, file left in PROCESSING")
		return res, eris.Wrap(ctx.Err(), "ingest: cancelled")
	}
	res.Outcome = model.FileOutcome{RowsAccepted: len(records), RowsRejected: rejected}
	metadata := o.rejectionMetadata(res.Rejections, rejected)

	switch {
	case structErr != nil:
		return o.fail(ctx, res, structErr, "file validation failed: "+structErr.Error(), metadata, start, log)
	case len(records) == 0:
		summary := fmt.Sprintf("no valid transactions (%d rows rejected)", rejected)
		return o.fail(ctx, res, eris.Wrap(ErrNoValidRows, summary), summary, metadata, start, log)
	}

	res.Outcome.DurationMs = time.Since(start).Milliseconds()
	var pr engine.PersistResult
	err = o.call(ctx, func(ctx context.Context) error {
		var err error
		pr, err = o.engine.PersistTransactions(ctx, id, corr, records, engine.Completion{
			Outcome:  res.Outcome,
			Metadata: metadata,
		})
		return err
	})
	if err != nil {
		if interrupted(err) {
			log.Warn("ingest: store call interrupted, file left in PROCESSING", zap.Error(err))
			return res, eris.Wrap(err, "ingest: persist transactions")
		}
		if errors.Is(err, engine.ErrInvalidTransition) {
			return res, eris.Wrap(err, "ingest: persist transactions")
		}
		return o.fail(ctx, res, err, "persist transactions: "+err.Error(), metadata, start, log)
	}

	res.Status = model.FileStatusCompleted
	res.Outcome.RowsInserted = pr.Inserted
	res.Outcome.RowsDuplicate = pr.Duplicates
	log.Info("file ingested",
		zap.Int("rows_accepted", res.Outcome.RowsAccepted),
		zap.Int("rows_inserted", pr.Inserted),
		zap.Int("rows_duplicate", pr.Duplicates),
		zap.Int("rows_rejected", rejected),
		zap.Duration("duration", time.Since(start)),
	)
	return res, nil
}

func (o *Orchestrator) duplicate(ctx context.Context, res *Result, originalID int64, fp string, meta model.FileMeta, log *zap.Logger) (*Result, error) {
	origStatus, err := o.originalStatus(ctx, originalID)
	if err != nil {
		return nil, err
	}

	var note string
	if origStatus != model.FileStatusCompleted {
		note = fmt.Sprintf("original file %d was %s when this copy arrived", originalID, origStatus)
	}

	var dupID int64
	err = o.call(ctx, func(ctx context.Context) error {
		var err error
		dupID, err = o.engine.MarkDuplicateFile(ctx, originalID, fp, meta, note)
		return err
	})
	if err != nil {
		return nil, eris.Wrap(err, "ingest: mark duplicate")
	}

	res.FileID = dupID
	res.Status = model.FileStatusDuplicate
	res.Duplicate = true
	res.DuplicateOf = originalID
	res.OriginalStatus = origStatus
	res.Error = note

	if note != "" {
		log.Warn("duplicate of unfinished file",
			zap.Int64("file_id", dupID),
			zap.Int64("duplicate_of", originalID),
			zap.String("original_status", string(origStatus)),
		)
		return res, nil
	}
	log.Info("duplicate file skipped",
		zap.Int64("file_id", dupID),
		zap.Int64("duplicate_of", originalID),
	)
	return res, nil
}

// originalStatus reads the current status of a canonical file.
func (o *Orchestrator) originalStatus(ctx context.Context, id int64) (model.FileStatus, error) {
	var f *model.IngestionFile
	err := o.call(ctx, func(ctx context.Context) error {
		var err error
		f, err = o.engine.Store().GetFile(ctx, id)
		return err
	})
	if err != nil {
		return "", eris.Wrapf(err, "ingest: look up original file %d", id)
	}
	return f.Status, nil
}

// fail records FAILED for the file. cause is kept on the result.
func (o *Orchestrator) fail(ctx context.Context, res *Result, cause error, summary string, metadata map[string]any, start time.Time, log *zap.Logger) (*Result, error) {
	res.Outcome.DurationMs = time.Since(start).Milliseconds()
	msg := engine.Truncate(summary, o.engine.MaxErrorLength())
	outcome := res.Outcome

	err := o.call(ctx, func(ctx context.Context) error {
		return o.engine.FailProcessing(ctx, res.FileID, summary, &outcome, metadata)
	})
	if err != nil {
		log.Error("ingest: could not record failure", zap.Error(err), zap.String("reason", msg))
		return res, eris.Wrap(err, "ingest: record failure")
	}

	res.Status = model.FileStatusFailed
	res.Error = msg
	res.Err = cause
	log.Warn("file failed",
		zap.String("error", msg),
		zap.Int("rows_rejected", res.Outcome.RowsRejected),
	)
	return res, nil
}

// collect drains the normalizer. The first MaxRejections rejections are kept
// on res; rejected counts all of them.
func (o *Orchestrator) collect(ctx context.Context, d source.Delivery, res *Result) ([]model.Record, int, error) {
	outCh, errCh := o.norm.Stream(ctx, d.Data, normalize.FormatFor(d.Filename))

	var (
		records  []model.Record
		rejected int
	)
	for out := range outCh {
		if out.Record != nil {
			records = append(records, *out.Record)
			continue
		}
		rejected++
		if len(res.Rejections) < o.opts.MaxRejections {
			res.Rejections = append(res.Rejections, *out.Rejection)
		}
	}
	return records, rejected, <-errCh
}

func (o *Orchestrator) rejectionMetadata(rejs []normalize.Rejection, total int) map[string]any {
	if total == 0 {
		return nil
	}
	reasons := make([]string, len(rejs))
	for i, r := range rejs {
		reasons[i] = r.String()
	}
	return map[string]any{
		"rejections":     reasons,
		"rejected_total": total,
	}
}

// call runs fn with the per-call store deadline. When the deadline or the
// parent context ends the call, the context error is part of the chain.
func (o *Orchestrator) call(ctx context.Context, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, o.opts.StoreTimeout)
	defer cancel()

	err := fn(cctx)
	if err != nil && cctx.Err() != nil && !interrupted(err) {
		return eris.Wrap(cctx.Err(), err.Error())
	}
	return err
}

func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
