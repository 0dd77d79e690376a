// Package store persists ingestion files and scale transactions. Uniqueness
// of file fingerprints and transaction natural keys is enforced by the
// database, never by application locks.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/scale-ingest/internal/model"
)

var (
	// ErrNotFound is returned when a file id does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrInvalidTransition is returned when a compare-and-set status change
	// does not match the stored state.
	ErrInvalidTransition = eris.New("store: invalid status transition")
)

const (
	filesTable        = "ingestion_files"
	transactionsTable = "scale_transactions"
	defaultListLimit  = 100
)

// FileFilter specifies criteria for listing ingestion files.
type FileFilter struct {
	Status      model.FileStatus `json:"status,omitempty"`
	Fingerprint string           `json:"fingerprint,omitempty"`
	Since       time.Time        `json:"since,omitempty"`
	Limit       int              `json:"limit,omitempty"`
	Offset      int              `json:"offset,omitempty"`
}

// CommitResult reports the row-level outcome of CommitFile.
type CommitResult struct {
	Inserted   int
	Duplicates int
}

// WindowStats summarizes files created since a cutoff.
type WindowStats struct {
	ByStatus      map[model.FileStatus]int64
	AvgDurationMs float64
}

// Store defines the persistence interface for the ingestion pipeline.
type Store interface {
	// Files
	RegisterFile(ctx context.Context, f model.NewFile) (id int64, created bool, err error)
	InsertDuplicate(ctx context.Context, f model.NewFile) (int64, error)
	TransitionFile(ctx context.Context, id int64, upd model.FileUpdate) error
	CommitFile(ctx context.Context, id int64, rows []model.ScaleTransaction, upd model.FileUpdate) (CommitResult, error)
	GetFile(ctx context.Context, id int64) (*model.IngestionFile, error)
	FindByFingerprint(ctx context.Context, sha string) (*model.IngestionFile, error)
	ListFiles(ctx context.Context, filter FileFilter) ([]model.IngestionFile, error)
	DeleteFile(ctx context.Context, id int64) error
	FailStuck(ctx context.Context, cutoff time.Time, reason string, now time.Time) ([]int64, error)

	// Transactions
	ListTransactions(ctx context.Context, fileID int64, limit int) ([]model.ScaleTransaction, error)
	FileTransactionCounts(ctx context.Context, fileID int64) (total, successes int64, err error)

	// Aggregates
	CountByStatus(ctx context.Context) (map[model.FileStatus]int64, error)
	ScaleStats(ctx context.Context) ([]model.ScaleStat, error)
	WindowStats(ctx context.Context, since time.Time) (*WindowStats, error)
	CountStuck(ctx context.Context, cutoff time.Time) (int64, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// placeholder renders the n-th (1-based) bind parameter for a driver.
type placeholder func(n int) string

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

func question(int) string { return "?" }

// transitionSQL builds the compare-and-set UPDATE for upd. The status guard
// is the last two parameters.
func transitionSQL(id int64, upd model.FileUpdate, ph placeholder, encodeMeta func(map[string]any) (any, error)) (string, []any, error) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = %s", col, ph(len(args))))
	}

	add("status", string(upd.To))
	add("updated_at", upd.At)
	if upd.StartedAt != nil {
		add("processing_started_at", *upd.StartedAt)
	}
	if upd.CompletedAt != nil {
		add("processing_completed_at", *upd.CompletedAt)
	}
	if upd.Error != nil {
		add("error", *upd.Error)
	}
	if o := upd.Outcome; o != nil {
		add("rows_accepted", o.RowsAccepted)
		add("rows_inserted", o.RowsInserted)
		add("rows_duplicate", o.RowsDuplicate)
		add("rows_rejected", o.RowsRejected)
		add("duration_ms", o.DurationMs)
	}
	if upd.Metadata != nil {
		meta, err := encodeMeta(upd.Metadata)
		if err != nil {
			return "", nil, err
		}
		add("metadata", meta)
	}

	args = append(args, id)
	idPh := ph(len(args))
	args = append(args, string(upd.From))
	fromPh := ph(len(args))

	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s AND status = %s",
		filesTable, strings.Join(sets, ", "), idPh, fromPh)
	return q, args, nil
}

// checkTransition rejects edges that are not part of the file state machine
// before any SQL runs.
func checkTransition(upd model.FileUpdate) error {
	if _, err := upd.From.Transition(upd.To); err != nil {
		return eris.Wrap(ErrInvalidTransition, err.Error())
	}
	if upd.At.IsZero() {
		return eris.New("store: transition timestamp required")
	}
	return nil
}

// missError classifies a compare-and-set that matched zero rows.
func missError(id int64, current string, found bool, upd model.FileUpdate) error {
	if !found {
		return eris.Wrapf(ErrNotFound, "file %d", id)
	}
	return eris.Wrapf(ErrInvalidTransition, "file %d is %s, expected %s for %s", id, current, upd.From, upd.To)
}

func marshalMeta(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal metadata")
	}
	return b, nil
}

func unmarshalMeta(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal metadata")
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

// emptyStatusCounts returns a map with every status present at zero.
func emptyStatusCounts() map[model.FileStatus]int64 {
	out := make(map[model.FileStatus]int64, len(model.FileStatuses()))
	for _, st := range model.FileStatuses() {
		out[st] = 0
	}
	return out
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func validateNewFile(f model.NewFile) error {
	if len(f.SHA256) != 64 {
		return eris.Errorf("store: invalid fingerprint %q", f.SHA256)
	}
	if f.CorrelationID == "" {
		return eris.New("store: correlation id required")
	}
	if f.Filename == "" {
		return eris.New("store: filename required")
	}
	if f.CreatedAt.IsZero() {
		return eris.New("store: created_at required")
	}
	return nil
}

const fileColumns = `id, source, message_id, from_email, subject, received_at, filename, file_sha256,
	status, error, processing_started_at, processing_completed_at, correlation_id, duplicate_of,
	rows_accepted, rows_inserted, rows_duplicate, rows_rejected, duration_ms, metadata,
	created_at, updated_at`

const transactionColumns = `id, ingestion_file_id, correlation_id, scale_name, transact_no,
	cyl_size_kg, tare_weight_kg, fill_kg, residual_kg, success, started_at, fill_time_seconds,
	created_at, updated_at`

// insertColumns is the column order used for bulk transaction inserts.
var insertColumns = []string{
	"scale_name", "transact_no", "cyl_size_kg", "tare_weight_kg", "fill_kg", "residual_kg",
	"success", "started_at", "fill_time_seconds", "ingestion_file_id", "correlation_id",
	"created_at", "updated_at",
}

var naturalKey = []string{"scale_name", "transact_no"}

type scannable interface {
	Scan(dest ...any) error
}

// scanFile reads one ingestion_files row selected with fileColumns. It
// serves both drivers: pgx and database/sql each accept pointer-to-pointer
// destinations for nullable columns.
func scanFile(row scannable) (*model.IngestionFile, error) {
	var (
		f                             model.IngestionFile
		status                        string
		messageID, fromEmail, subject *string
		errText                       *string
		meta                          []byte
	)
	err := row.Scan(
		&f.ID, &f.Source, &messageID, &fromEmail, &subject, &f.ReceivedAt, &f.Filename, &f.SHA256,
		&status, &errText, &f.ProcessingStartedAt, &f.ProcessingCompletedAt, &f.CorrelationID, &f.DuplicateOf,
		&f.Outcome.RowsAccepted, &f.Outcome.RowsInserted, &f.Outcome.RowsDuplicate, &f.Outcome.RowsRejected,
		&f.Outcome.DurationMs, &meta, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	st, err := model.ParseFileStatus(status)
	if err != nil {
		return nil, err
	}
	f.Status = st
	f.MessageID = deref(messageID)
	f.FromEmail = deref(fromEmail)
	f.Subject = deref(subject)
	f.Error = deref(errText)
	f.SHA256 = strings.TrimSpace(f.SHA256)
	f.ReceivedAt = utcPtr(f.ReceivedAt)
	f.ProcessingStartedAt = utcPtr(f.ProcessingStartedAt)
	f.ProcessingCompletedAt = utcPtr(f.ProcessingCompletedAt)
	f.CreatedAt = f.CreatedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()

	if f.Metadata, err = unmarshalMeta(meta); err != nil {
		return nil, err
	}
	return &f, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// scaleStat finishes a per-scale aggregate row.
func scaleStat(name string, n, successes, weighed int64, total decimal.Decimal, avgSecs float64, last *time.Time) model.ScaleStat {
	st := model.ScaleStat{
		ScaleName:      name,
		Transactions:   n,
		Successes:      successes,
		TotalFillKg:    total.Round(model.WeightPlaces),
		AvgFillKg:      decimal.Zero,
		AvgFillSeconds: avgSecs,
		LastActivity:   utcPtr(last),
	}
	if n > 0 {
		st.SuccessRate = float64(successes) / float64(n)
	}
	if weighed > 0 {
		st.AvgFillKg = total.Div(decimal.NewFromInt(weighed)).Round(model.WeightPlaces)
	}
	return st
}
