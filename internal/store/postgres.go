package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/scale-ingest/internal/db"
	"github.com/sells-group/scale-ingest/internal/model"
)

// migrationLockID serializes concurrent migrate runs across processes.
const migrationLockID = 5120311

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, cfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: open")
	}
	s := NewPostgresWithPool(pool)
	s.closeFn = pool.Close
	return s, nil
}

// NewPostgresWithPool wraps an existing pool. The caller keeps ownership.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgMeta(m map[string]any) (any, error) {
	b, err := marshalMeta(m)
	return b, err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Migrate applies pending migrations under an advisory lock.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "postgres: acquire migration lock")
	}
	defer func() {
		if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Warn("postgres: failed to release migration lock", zap.Error(err))
		}
	}()

	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return eris.Wrap(err, "postgres: ensure migration table")
	}

	migrations, err := loadMigrations("postgres")
	if err != nil {
		return err
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.name] {
			continue
		}
		log.Info("applying migration", zap.String("file", m.name))
		if _, err := s.pool.Exec(ctx, m.sql); err != nil {
			return eris.Wrapf(err, "postgres: apply migration %s", m.name)
		}
		if _, err := s.pool.Exec(ctx,
			"INSERT INTO schema_migrations (filename, applied_at) VALUES ($1, now())", m.name,
		); err != nil {
			return eris.Wrapf(err, "postgres: record migration %s", m.name)
		}
	}
	return nil
}

func (s *PostgresStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan migration row")
		}
		applied[name] = true
	}
	return applied, eris.Wrap(rows.Err(), "postgres: iterate migrations")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const pgInsertFile = `INSERT INTO ingestion_files
	(source, message_id, from_email, subject, received_at, filename, file_sha256, status,
	 error, correlation_id, duplicate_of, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`

// RegisterFile inserts a NEW file row. A fingerprint conflict is not an
// error: the canonical row's id is returned with created=false.
func (s *PostgresStore) RegisterFile(ctx context.Context, f model.NewFile) (int64, bool, error) {
	if err := validateNewFile(f); err != nil {
		return 0, false, err
	}

	q := pgInsertFile + ` ON CONFLICT (file_sha256) WHERE status <> 'DUPLICATE' DO NOTHING RETURNING id`
	// The second attempt covers a canonical row deleted between the
	// conflict and the lookup.
	for attempt := 0; attempt < 2; attempt++ {
		var id int64
		err := s.pool.QueryRow(ctx, q, s.fileArgs(f, model.FileStatusNew, nil)...).Scan(&id)
		if err == nil {
			return id, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, false, eris.Wrapf(err, "postgres: register file %s", f.Filename)
		}

		existing, err := s.canonicalID(ctx, f.SHA256)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return 0, false, err
		}
	}
	return 0, false, eris.Errorf("postgres: register file %s: fingerprint conflict without canonical row", f.Filename)
}

// InsertDuplicate records a rejected re-delivery as its own DUPLICATE row.
func (s *PostgresStore) InsertDuplicate(ctx context.Context, f model.NewFile) (int64, error) {
	if err := validateNewFile(f); err != nil {
		return 0, err
	}
	if f.DuplicateOf == nil {
		return 0, eris.New("postgres: duplicate row requires duplicate_of")
	}

	var id int64
	err := s.pool.QueryRow(ctx, pgInsertFile+` RETURNING id`,
		s.fileArgs(f, model.FileStatusDuplicate, f.DuplicateOf)...,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: insert duplicate of file %d", *f.DuplicateOf)
	}
	return id, nil
}

func (s *PostgresStore) fileArgs(f model.NewFile, status model.FileStatus, dupOf *int64) []any {
	source := f.Source
	if source == "" {
		source = model.DefaultSource
	}
	return []any{
		source, nullableString(f.MessageID), nullableString(f.FromEmail), nullableString(f.Subject),
		nullableTime(f.ReceivedAt), f.Filename, f.SHA256, string(status),
		nullableString(f.Note), f.CorrelationID, dupOf, f.CreatedAt.UTC(),
	}
}

func (s *PostgresStore) canonicalID(ctx context.Context, sha string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM ingestion_files WHERE file_sha256 = $1 AND status <> 'DUPLICATE'`, sha,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, eris.Wrapf(ErrNotFound, "fingerprint %s", sha)
	}
	if err != nil {
		return 0, eris.Wrap(err, "postgres: lookup fingerprint")
	}
	return id, nil
}

// TransitionFile applies a compare-and-set status change.
func (s *PostgresStore) TransitionFile(ctx context.Context, id int64, upd model.FileUpdate) error {
	if err := checkTransition(upd); err != nil {
		return err
	}
	q, args, err := transitionSQL(id, upd, dollar, pgMeta)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition file %d to %s", id, upd.To)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, s.pool, id, upd)
	}
	return nil
}

func (s *PostgresStore) classifyMiss(ctx context.Context, q pgQuerier, id int64, upd model.FileUpdate) error {
	var current string
	err := q.QueryRow(ctx, `SELECT status FROM ingestion_files WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return missError(id, "", false, upd)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: lookup file %d", id)
	}
	return missError(id, current, true, upd)
}

var pgTxInsert = db.InsertConfig{
	Table:        transactionsTable,
	Columns:      insertColumns,
	ConflictKeys: naturalKey,
}

// CommitFile inserts rows (skipping natural-key conflicts) and applies upd in
// one transaction. Nothing is visible if either step fails.
func (s *PostgresStore) CommitFile(ctx context.Context, id int64, rows []model.ScaleTransaction, upd model.FileUpdate) (CommitResult, error) {
	if err := checkTransition(upd); err != nil {
		return CommitResult{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CommitResult{}, eris.Wrap(err, "postgres: commit file: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	res, err := db.InsertIgnore(ctx, tx, pgTxInsert, pgTransactionRows(rows))
	if err != nil {
		return CommitResult{}, eris.Wrapf(err, "postgres: commit file %d", id)
	}
	out := CommitResult{Inserted: int(res.Inserted), Duplicates: int(res.Skipped())}

	if upd.Outcome != nil {
		o := *upd.Outcome
		o.RowsInserted = out.Inserted
		o.RowsDuplicate = out.Duplicates
		upd.Outcome = &o
	}
	q, args, err := transitionSQL(id, upd, dollar, pgMeta)
	if err != nil {
		return CommitResult{}, err
	}
	tag, err := tx.Exec(ctx, q, args...)
	if err != nil {
		return CommitResult{}, eris.Wrapf(err, "postgres: commit file %d: transition", id)
	}
	if tag.RowsAffected() == 0 {
		return CommitResult{}, s.classifyMiss(ctx, tx, id, upd)
	}

	if err := tx.Commit(ctx); err != nil {
		return CommitResult{}, eris.Wrapf(err, "postgres: commit file %d: commit tx", id)
	}
	return out, nil
}

func pgTransactionRows(rows []model.ScaleTransaction) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = []any{
			r.ScaleName, r.TransactNo,
			db.Numeric(r.CylSizeKg), db.Numeric(r.TareWeightKg), db.Numeric(r.FillKg), db.Numeric(r.ResidualKg),
			r.Success, r.StartedAt.UTC(), r.FillTimeSeconds, r.IngestionFileID, r.CorrelationID,
			r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
		}
	}
	return out
}

func (s *PostgresStore) GetFile(ctx context.Context, id int64) (*model.IngestionFile, error) {
	f, err := scanFile(s.pool.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM ingestion_files WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "file %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get file %d", id)
	}
	return f, nil
}

// FindByFingerprint returns the canonical (non-DUPLICATE) file for sha.
func (s *PostgresStore) FindByFingerprint(ctx context.Context, sha string) (*model.IngestionFile, error) {
	f, err := scanFile(s.pool.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM ingestion_files WHERE file_sha256 = $1 AND status <> 'DUPLICATE'`, sha))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "fingerprint %s", sha)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find by fingerprint")
	}
	return f, nil
}

func (s *PostgresStore) ListFiles(ctx context.Context, filter FileFilter) ([]model.IngestionFile, error) {
	query := `SELECT ` + fileColumns + ` FROM ingestion_files WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Fingerprint != "" {
		query += fmt.Sprintf(` AND file_sha256 = $%d`, argIdx)
		args = append(args, filter.Fingerprint)
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.Since.UTC())
		argIdx++
	}
	query += ` ORDER BY COALESCE(received_at, created_at) DESC, id DESC`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, normalizeLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list files")
	}
	defer rows.Close()

	var files []model.IngestionFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan file")
		}
		files = append(files, *f)
	}
	return files, eris.Wrap(rows.Err(), "postgres: list files iterate")
}

// DeleteFile removes a file row; its transactions and duplicate records
// cascade.
func (s *PostgresStore) DeleteFile(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ingestion_files WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete file %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "file %d", id)
	}
	return nil
}

// FailStuck moves PROCESSING files started before cutoff to FAILED.
func (s *PostgresStore) FailStuck(ctx context.Context, cutoff time.Time, reason string, now time.Time) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE ingestion_files
		 SET status = 'FAILED', error = $1, processing_completed_at = $2, updated_at = $2
		 WHERE status = 'PROCESSING' AND processing_started_at < $3
		 RETURNING id`,
		reason, now.UTC(), cutoff.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: fail stuck files")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stuck file id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: fail stuck iterate")
}

func (s *PostgresStore) ListTransactions(ctx context.Context, fileID int64, limit int) ([]model.ScaleTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM scale_transactions
		 WHERE ingestion_file_id = $1 ORDER BY id LIMIT $2`,
		fileID, normalizeLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list transactions for file %d", fileID)
	}
	defer rows.Close()

	var out []model.ScaleTransaction
	for rows.Next() {
		var (
			t                         model.ScaleTransaction
			cyl, tare, fill, residual pgtype.Numeric
		)
		if err := rows.Scan(
			&t.ID, &t.IngestionFileID, &t.CorrelationID, &t.ScaleName, &t.TransactNo,
			&cyl, &tare, &fill, &residual, &t.Success, &t.StartedAt, &t.FillTimeSeconds,
			&t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan transaction")
		}
		t.CylSizeKg = db.Decimal(cyl)
		t.TareWeightKg = db.Decimal(tare)
		t.FillKg = db.Decimal(fill)
		t.ResidualKg = db.Decimal(residual)
		t.StartedAt = t.StartedAt.UTC()
		t.CreatedAt = t.CreatedAt.UTC()
		t.UpdatedAt = t.UpdatedAt.UTC()
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list transactions iterate")
}

func (s *PostgresStore) FileTransactionCounts(ctx context.Context, fileID int64) (int64, int64, error) {
	var total, successes int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE success)
		 FROM scale_transactions WHERE ingestion_file_id = $1`, fileID,
	).Scan(&total, &successes)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "postgres: count transactions for file %d", fileID)
	}
	return total, successes, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[model.FileStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM ingestion_files GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count by status")
	}
	defer rows.Close()
	return collectStatusCounts(rows)
}

func (s *PostgresStore) ScaleStats(ctx context.Context) ([]model.ScaleStat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT scale_name,
		        COUNT(*),
		        COUNT(*) FILTER (WHERE success),
		        COUNT(fill_kg),
		        COALESCE(SUM(fill_kg), 0),
		        COALESCE(AVG(fill_time_seconds), 0)::float8,
		        MAX(started_at)
		 FROM scale_transactions
		 GROUP BY scale_name
		 ORDER BY scale_name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scale stats")
	}
	defer rows.Close()

	var out []model.ScaleStat
	for rows.Next() {
		var (
			name                  string
			n, successes, weighed int64
			total                 pgtype.Numeric
			avgSecs               float64
			last                  *time.Time
		)
		if err := rows.Scan(&name, &n, &successes, &weighed, &total, &avgSecs, &last); err != nil {
			return nil, eris.Wrap(err, "postgres: scan scale stat")
		}
		sum := db.Decimal(total)
		out = append(out, scaleStat(name, n, successes, weighed, sum.Decimal, avgSecs, last))
	}
	return out, eris.Wrap(rows.Err(), "postgres: scale stats iterate")
}

func (s *PostgresStore) WindowStats(ctx context.Context, since time.Time) (*WindowStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM ingestion_files WHERE created_at >= $1 GROUP BY status`, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "postgres: window stats")
	}
	counts, err := collectStatusCounts(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	ws := &WindowStats{ByStatus: counts}
	err = s.pool.QueryRow(ctx,
		`SELECT COALESCE(AVG(duration_ms), 0)::float8 FROM ingestion_files
		 WHERE created_at >= $1 AND status IN ('COMPLETED', 'FAILED')`, since.UTC(),
	).Scan(&ws.AvgDurationMs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: window avg duration")
	}
	return ws, nil
}

func (s *PostgresStore) CountStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ingestion_files WHERE status = 'PROCESSING' AND processing_started_at < $1`,
		cutoff.UTC(),
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count stuck files")
}

type statusRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func collectStatusCounts(rows statusRows) (map[model.FileStatus]int64, error) {
	counts := emptyStatusCounts()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "store: scan status count")
		}
		st, err := model.ParseFileStatus(status)
		if err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, eris.Wrap(rows.Err(), "store: status counts iterate")
}
