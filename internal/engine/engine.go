// Package engine drives ingestion files through their status lifecycle and
// persists scale transactions exactly once. Deduplication is delegated to the
// store's uniqueness constraints.
package engine

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/scale-ingest/internal/fingerprint"
	"github.com/sells-group/scale-ingest/internal/model"
	"github.com/sells-group/scale-ingest/internal/store"
)

// ErrInvalidTransition reports a status change that did not match the stored
// state. It signals a broken invariant and must not be retried.
var ErrInvalidTransition = eris.New("engine: invalid status transition")

// DefaultMaxErrorLength bounds failure summaries when no limit is configured.
const DefaultMaxErrorLength = 1000

// Completion carries the outcome recorded when a file reaches COMPLETED.
type Completion struct {
	Outcome  model.FileOutcome
	Metadata map[string]any
}

// PersistResult reports how many rows landed and how many were skipped as
// natural-key duplicates.
type PersistResult struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
}

// Engine applies file lifecycle operations against a store.
type Engine struct {
	store          store.Store
	maxErrorLength int
	now            func() time.Time
}

// New creates an Engine. maxErrorLength <= 0 uses DefaultMaxErrorLength.
func New(st store.Store, maxErrorLength int) *Engine {
	if maxErrorLength <= 0 {
		maxErrorLength = DefaultMaxErrorLength
	}
	return &Engine{
		store:          st,
		maxErrorLength: maxErrorLength,
		now:            func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Now returns the engine clock reading used for timestamps.
func (e *Engine) Now() time.Time { return e.now() }

// MaxErrorLength is the rune limit applied to failure summaries.
func (e *Engine) MaxErrorLength() int { return e.maxErrorLength }

// RegisterFile records a file fingerprint. created is false when a canonical
// file with the same fingerprint already exists; id is then that file's id.
// A missing correlation id is generated.
func (e *Engine) RegisterFile(ctx context.Context, fp string, meta model.FileMeta) (int64, bool, error) {
	if !fingerprint.Valid(fp) {
		return 0, false, eris.Errorf("engine: invalid fingerprint %q", fp)
	}
	if meta.CorrelationID == "" {
		meta.CorrelationID = uuid.NewString()
	}

	id, created, err := e.store.RegisterFile(ctx, model.NewFile{
		FileMeta:  meta,
		SHA256:    fp,
		Status:    model.FileStatusNew,
		CreatedAt: e.now(),
	})
	if err != nil {
		return 0, false, eris.Wrap(err, "engine: register file")
	}

	zap.L().With(zap.String("component", "engine")).Debug("file registered",
		zap.Int64("file_id", id),
		zap.Bool("created", created),
		zap.String("sha256", fingerprint.Short(fp)),
		zap.String("filename", meta.Filename),
	)
	return id, created, nil
}

// BeginProcessing moves a file from NEW to PROCESSING and stamps its start
// time. It succeeds at most once per file.
func (e *Engine) BeginProcessing(ctx context.Context, fileID int64) error {
	now := e.now()
	err := e.store.TransitionFile(ctx, fileID, model.FileUpdate{
		From:      model.FileStatusNew,
		To:        model.FileStatusProcessing,
		At:        now,
		StartedAt: &now,
	})
	return e.transitionErr(fileID, model.FileStatusProcessing, err)
}

// PersistTransactions inserts records for a PROCESSING file and completes it
// in one storage transaction. Rows whose natural key already exists are
// skipped and counted as duplicates. The inserted and duplicate counts of c
// are replaced by what the store observed.
func (e *Engine) PersistTransactions(ctx context.Context, fileID int64, correlationID string, records []model.Record, c Completion) (PersistResult, error) {
	now := e.now()
	rows := model.NewScaleTransactions(fileID, correlationID, records, now)

	outcome := c.Outcome
	res, err := e.store.CommitFile(ctx, fileID, rows, model.FileUpdate{
		From:        model.FileStatusProcessing,
		To:          model.FileStatusCompleted,
		At:          now,
		CompletedAt: &now,
		Outcome:     &outcome,
		Metadata:    c.Metadata,
	})
	if err := e.transitionErr(fileID, model.FileStatusCompleted, err); err != nil {
		return PersistResult{}, err
	}
	return PersistResult{Inserted: res.Inserted, Duplicates: res.Duplicates}, nil
}

// CompleteProcessing moves a PROCESSING file to COMPLETED without writing
// transactions.
func (e *Engine) CompleteProcessing(ctx context.Context, fileID int64, c Completion) error {
	now := e.now()
	outcome := c.Outcome
	err := e.store.TransitionFile(ctx, fileID, model.FileUpdate{
		From:        model.FileStatusProcessing,
		To:          model.FileStatusCompleted,
		At:          now,
		CompletedAt: &now,
		Outcome:     &outcome,
		Metadata:    c.Metadata,
	})
	return e.transitionErr(fileID, model.FileStatusCompleted, err)
}

// FailProcessing moves a PROCESSING file to FAILED with a truncated summary.
// outcome may be nil when no rows were examined.
func (e *Engine) FailProcessing(ctx context.Context, fileID int64, summary string, outcome *model.FileOutcome, metadata map[string]any) error {
	now := e.now()
	msg := Truncate(summary, e.maxErrorLength)
	err := e.store.TransitionFile(ctx, fileID, model.FileUpdate{
		From:        model.FileStatusProcessing,
		To:          model.FileStatusFailed,
		At:          now,
		CompletedAt: &now,
		Error:       &msg,
		Outcome:     outcome,
		Metadata:    metadata,
	})
	return e.transitionErr(fileID, model.FileStatusFailed, err)
}

// MarkDuplicateFile records a re-delivery of originalID's content as a new
// DUPLICATE row. The original is left untouched. A non-empty note is kept on
// the duplicate row for operators.
func (e *Engine) MarkDuplicateFile(ctx context.Context, originalID int64, fp string, meta model.FileMeta, note string) (int64, error) {
	if !fingerprint.Valid(fp) {
		return 0, eris.Errorf("engine: invalid fingerprint %q", fp)
	}
	if meta.CorrelationID == "" {
		meta.CorrelationID = uuid.NewString()
	}

	id, err := e.store.InsertDuplicate(ctx, model.NewFile{
		FileMeta:    meta,
		SHA256:      fp,
		Status:      model.FileStatusDuplicate,
		DuplicateOf: &originalID,
		Note:        Truncate(note, e.maxErrorLength),
		CreatedAt:   e.now(),
	})
	if err != nil {
		return 0, eris.Wrapf(err, "engine: mark duplicate of file %d", originalID)
	}
	return id, nil
}

// transitionErr maps store transition failures onto engine errors. A state
// mismatch is logged at error level.
func (e *Engine) transitionErr(fileID int64, to model.FileStatus, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		zap.L().With(zap.String("component", "engine")).Error("engine: status invariant violated",
			zap.Int64("file_id", fileID),
			zap.String("status", string(to)),
			zap.Error(err),
		)
		return eris.Wrapf(ErrInvalidTransition, "file %d to %s: %v", fileID, to, err)
	}
	return eris.Wrapf(err, "engine: transition file %d to %s", fileID, to)
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
