package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/scale-ingest/internal/model"
)

// sqliteParams are applied to every pooled connection. Timestamps are
// written in SQLite's own layout so DATETIME columns scan back to time.Time.
var sqliteParams = []string{
	"_pragma=foreign_keys(1)",
	"_pragma=busy_timeout(5000)",
	"_pragma=journal_mode(WAL)",
	"_pragma=synchronous(NORMAL)",
	"_time_format=sqlite",
	"_txlock=immediate",
}

// sqliteTimeLayouts are the layouts aggregate functions may return as text.
var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn += sep + strings.Join(sqliteParams, "&")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer at a time; WAL still lets the file be read by other processes.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

func sqliteMeta(m map[string]any) (any, error) {
	b, err := marshalMeta(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Migrate applies pending migrations in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL
	)`); err != nil {
		return eris.Wrap(err, "sqlite: ensure migration table")
	}

	migrations, err := loadMigrations("sqlite")
	if err != nil {
		return err
	}

	for _, m := range migrations {
		var n int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE filename = ?`, m.name,
		).Scan(&n); err != nil {
			return eris.Wrapf(err, "sqlite: check migration %s", m.name)
		}
		if n > 0 {
			continue
		}

		log.Debug("applying migration", zap.String("file", m.name))
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return eris.Wrapf(err, "sqlite: apply migration %s", m.name)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)`, m.name, time.Now().UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: record migration %s", m.name)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteInsertFile = `INSERT INTO ingestion_files
	(source, message_id, from_email, subject, received_at, filename, file_sha256, status,
	 error, correlation_id, duplicate_of, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func sqliteFileArgs(f model.NewFile, status model.FileStatus, dupOf *int64) []any {
	source := f.Source
	if source == "" {
		source = model.DefaultSource
	}
	var dup any
	if dupOf != nil {
		dup = *dupOf
	}
	created := f.CreatedAt.UTC()
	return []any{
		source, nullableString(f.MessageID), nullableString(f.FromEmail), nullableString(f.Subject),
		nullableTime(f.ReceivedAt), f.Filename, f.SHA256, string(status),
		nullableString(f.Note), f.CorrelationID, dup, created, created,
	}
}

// RegisterFile inserts a NEW file row. A fingerprint conflict is not an
// error: the canonical row's id is returned with created=false.
func (s *SQLiteStore) RegisterFile(ctx context.Context, f model.NewFile) (int64, bool, error) {
	if err := validateNewFile(f); err != nil {
		return 0, false, err
	}

	q := sqliteInsertFile + ` ON CONFLICT (file_sha256) WHERE status <> 'DUPLICATE' DO NOTHING RETURNING id`
	for attempt := 0; attempt < 2; attempt++ {
		var id int64
		err := s.db.QueryRowContext(ctx, q, sqliteFileArgs(f, model.FileStatusNew, nil)...).Scan(&id)
		if err == nil {
			return id, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, false, eris.Wrapf(err, "sqlite: register file %s", f.Filename)
		}

		existing, err := s.canonicalID(ctx, f.SHA256)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return 0, false, err
		}
	}
	return 0, false, eris.Errorf("sqlite: register file %s: fingerprint conflict without canonical row", f.Filename)
}

// InsertDuplicate records a rejected re-delivery as its own DUPLICATE row.
func (s *SQLiteStore) InsertDuplicate(ctx context.Context, f model.NewFile) (int64, error) {
	if err := validateNewFile(f); err != nil {
		return 0, err
	}
	if f.DuplicateOf == nil {
		return 0, eris.New("sqlite: duplicate row requires duplicate_of")
	}

	res, err := s.db.ExecContext(ctx, sqliteInsertFile, sqliteFileArgs(f, model.FileStatusDuplicate, f.DuplicateOf)...)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: insert duplicate of file %d", *f.DuplicateOf)
	}
	id, err := res.LastInsertId()
	return id, eris.Wrap(err, "sqlite: last insert id")
}

func (s *SQLiteStore) canonicalID(ctx context.Context, sha string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM ingestion_files WHERE file_sha256 = ? AND status <> 'DUPLICATE'`, sha,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, eris.Wrapf(ErrNotFound, "fingerprint %s", sha)
	}
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: lookup fingerprint")
	}
	return id, nil
}

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) classifyMiss(ctx context.Context, q sqlQuerier, id int64, upd model.FileUpdate) error {
	var current string
	err := q.QueryRowContext(ctx, `SELECT status FROM ingestion_files WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return missError(id, "", false, upd)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: lookup file %d", id)
	}
	return missError(id, current, true, upd)
}

// TransitionFile applies a compare-and-set status change.
func (s *SQLiteStore) TransitionFile(ctx context.Context, id int64, upd model.FileUpdate) error {
	if err := checkTransition(upd); err != nil {
		return err
	}
	upd.At = upd.At.UTC()
	q, args, err := transitionSQL(id, upd, question, sqliteMeta)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition file %d to %s", id, upd.To)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return s.classifyMiss(ctx, s.db, id, upd)
	}
	return nil
}

// CommitFile inserts rows (skipping natural-key conflicts) and applies upd in
// one transaction. Nothing is visible if either step fails.
func (s *SQLiteStore) CommitFile(ctx context.Context, id int64, rows []model.ScaleTransaction, upd model.FileUpdate) (CommitResult, error) {
	if err := checkTransition(upd); err != nil {
		return CommitResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CommitResult{}, eris.Wrap(err, "sqlite: commit file: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO scale_transactions (%s) VALUES (%s)
		 ON CONFLICT (scale_name, transact_no) DO NOTHING`,
		strings.Join(insertColumns, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(insertColumns)), ", "),
	))
	if err != nil {
		return CommitResult{}, eris.Wrap(err, "sqlite: commit file: prepare insert")
	}
	defer stmt.Close() //nolint:errcheck

	var out CommitResult
	for _, r := range rows {
		res, err := stmt.ExecContext(ctx,
			r.ScaleName, r.TransactNo,
			sqliteDecimal(r.CylSizeKg), sqliteDecimal(r.TareWeightKg), sqliteDecimal(r.FillKg), sqliteDecimal(r.ResidualKg),
			r.Success, r.StartedAt.UTC(), r.FillTimeSeconds, r.IngestionFileID, r.CorrelationID,
			r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
		)
		if err != nil {
			return CommitResult{}, eris.Wrapf(err, "sqlite: commit file %d: insert line %d", id, r.Line)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return CommitResult{}, eris.Wrap(err, "sqlite: rows affected")
		}
		if n == 0 {
			out.Duplicates++
		} else {
			out.Inserted++
		}
	}

	if upd.Outcome != nil {
		o := *upd.Outcome
		o.RowsInserted = out.Inserted
		o.RowsDuplicate = out.Duplicates
		upd.Outcome = &o
	}
	upd.At = upd.At.UTC()
	q, args, err := transitionSQL(id, upd, question, sqliteMeta)
	if err != nil {
		return CommitResult{}, err
	}
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return CommitResult{}, eris.Wrapf(err, "sqlite: commit file %d: transition", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return CommitResult{}, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return CommitResult{}, s.classifyMiss(ctx, tx, id, upd)
	}

	if err := tx.Commit(); err != nil {
		return CommitResult{}, eris.Wrapf(err, "sqlite: commit file %d: commit tx", id)
	}
	return out, nil
}

func sqliteDecimal(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.StringFixed(model.WeightPlaces)
}

func parseSQLiteDecimal(s sql.NullString) (decimal.NullDecimal, error) {
	if !s.Valid || s.String == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.NullDecimal{}, eris.Wrapf(err, "sqlite: parse decimal %q", s.String)
	}
	return decimal.NewNullDecimal(d), nil
}

func (s *SQLiteStore) GetFile(ctx context.Context, id int64) (*model.IngestionFile, error) {
	f, err := scanFile(s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM ingestion_files WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "file %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get file %d", id)
	}
	return f, nil
}

// FindByFingerprint returns the canonical (non-DUPLICATE) file for sha.
func (s *SQLiteStore) FindByFingerprint(ctx context.Context, sha string) (*model.IngestionFile, error) {
	f, err := scanFile(s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM ingestion_files WHERE file_sha256 = ? AND status <> 'DUPLICATE'`, sha))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "fingerprint %s", sha)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find by fingerprint")
	}
	return f, nil
}

func (s *SQLiteStore) ListFiles(ctx context.Context, filter FileFilter) ([]model.IngestionFile, error) {
	query := `SELECT ` + fileColumns + ` FROM ingestion_files WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Fingerprint != "" {
		query += ` AND file_sha256 = ?`
		args = append(args, filter.Fingerprint)
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	query += ` ORDER BY COALESCE(received_at, created_at) DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, normalizeLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list files")
	}
	defer rows.Close() //nolint:errcheck

	var files []model.IngestionFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan file")
		}
		files = append(files, *f)
	}
	return files, eris.Wrap(rows.Err(), "sqlite: list files iterate")
}

// DeleteFile removes a file row; its transactions and duplicate records
// cascade.
func (s *SQLiteStore) DeleteFile(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ingestion_files WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete file %d", id)
	}
	return checkRowsAffected(res, id)
}

// FailStuck moves PROCESSING files started before cutoff to FAILED.
func (s *SQLiteStore) FailStuck(ctx context.Context, cutoff time.Time, reason string, now time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE ingestion_files
		 SET status = 'FAILED', error = ?, processing_completed_at = ?, updated_at = ?
		 WHERE status = 'PROCESSING' AND processing_started_at < ?
		 RETURNING id`,
		reason, now.UTC(), now.UTC(), cutoff.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: fail stuck files")
	}
	defer rows.Close() //nolint:errcheck

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stuck file id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: fail stuck iterate")
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, fileID int64, limit int) ([]model.ScaleTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM scale_transactions
		 WHERE ingestion_file_id = ? ORDER BY id LIMIT ?`,
		fileID, normalizeLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list transactions for file %d", fileID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ScaleTransaction
	for rows.Next() {
		var (
			t                         model.ScaleTransaction
			cyl, tare, fill, residual sql.NullString
		)
		if err := rows.Scan(
			&t.ID, &t.IngestionFileID, &t.CorrelationID, &t.ScaleName, &t.TransactNo,
			&cyl, &tare, &fill, &residual, &t.Success, &t.StartedAt, &t.FillTimeSeconds,
			&t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan transaction")
		}
		for _, p := range []struct {
			dst *decimal.NullDecimal
			src sql.NullString
		}{
			{&t.CylSizeKg, cyl}, {&t.TareWeightKg, tare}, {&t.FillKg, fill}, {&t.ResidualKg, residual},
		} {
			if *p.dst, err = parseSQLiteDecimal(p.src); err != nil {
				return nil, err
			}
		}
		t.StartedAt = t.StartedAt.UTC()
		t.CreatedAt = t.CreatedAt.UTC()
		t.UpdatedAt = t.UpdatedAt.UTC()
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list transactions iterate")
}

func (s *SQLiteStore) FileTransactionCounts(ctx context.Context, fileID int64) (int64, int64, error) {
	var total, successes int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0)
		 FROM scale_transactions WHERE ingestion_file_id = ?`, fileID,
	).Scan(&total, &successes)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "sqlite: count transactions for file %d", fileID)
	}
	return total, successes, nil
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[model.FileStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM ingestion_files GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count by status")
	}
	defer rows.Close() //nolint:errcheck
	return collectStatusCounts(rows)
}

// ScaleStats sums fill weights as REAL; totals are rounded back to the
// stored precision.
func (s *SQLiteStore) ScaleStats(ctx context.Context) ([]model.ScaleStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scale_name,
		        COUNT(*),
		        COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
		        COUNT(fill_kg),
		        TOTAL(CAST(fill_kg AS REAL)),
		        COALESCE(AVG(fill_time_seconds), 0),
		        MAX(started_at)
		 FROM scale_transactions
		 GROUP BY scale_name
		 ORDER BY scale_name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scale stats")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ScaleStat
	for rows.Next() {
		var (
			name                  string
			n, successes, weighed int64
			total, avgSecs        float64
			lastRaw               sql.NullString
		)
		if err := rows.Scan(&name, &n, &successes, &weighed, &total, &avgSecs, &lastRaw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan scale stat")
		}
		last, err := parseSQLiteTime(lastRaw)
		if err != nil {
			return nil, err
		}
		out = append(out, scaleStat(name, n, successes, weighed, decimal.NewFromFloat(total), avgSecs, last))
	}
	return out, eris.Wrap(rows.Err(), "sqlite: scale stats iterate")
}

func (s *SQLiteStore) WindowStats(ctx context.Context, since time.Time) (*WindowStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM ingestion_files WHERE created_at >= ? GROUP BY status`, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: window stats")
	}
	counts, err := collectStatusCounts(rows)
	rows.Close() //nolint:errcheck
	if err != nil {
		return nil, err
	}

	ws := &WindowStats{ByStatus: counts}
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(duration_ms), 0) FROM ingestion_files
		 WHERE created_at >= ? AND status IN ('COMPLETED', 'FAILED')`, since.UTC(),
	).Scan(&ws.AvgDurationMs)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: window avg duration")
	}
	return ws, nil
}

func (s *SQLiteStore) CountStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ingestion_files WHERE status = 'PROCESSING' AND processing_started_at < ?`,
		cutoff.UTC(),
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count stuck files")
}

// helpers

func checkRowsAffected(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "file %d", id)
	}
	return nil
}

// parseSQLiteTime parses a timestamp returned as text by an aggregate.
func parseSQLiteTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	for _, layout := range sqliteTimeLayouts {
		if t, err := time.Parse(layout, s.String); err == nil {
			u := t.UTC()
			return &u, nil
		}
	}
	return nil, eris.Errorf("sqlite: unrecognized timestamp %q", s.String)
}
