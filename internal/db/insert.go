package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
)

// ordColumn carries the input position through the temp table so the first
// occurrence of a key within one batch is the one that lands.
const ordColumn = "_ord"

// Copier is the part of pgx.Tx used by InsertIgnore.
type Copier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnSources []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// InsertConfig defines the parameters for a conflict-ignoring bulk insert.
type InsertConfig struct {
	Table        string   // target table (e.g., "scale_transactions")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
}

// InsertResult reports how many rows were offered and how many landed.
type InsertResult struct {
	Attempted int64
	Inserted  int64
}

// Skipped is the number of rows dropped by the conflict clause.
func (r InsertResult) Skipped() int64 {
	return r.Attempted - r.Inserted
}

// InsertIgnore bulk-inserts rows inside the caller's transaction via a temp
// table and INSERT ... ON CONFLICT DO NOTHING.
// 1. Creates a temp table shaped like the target plus an ordinal column
// 2. COPY rows into the temp table
// 3. INSERT INTO target SELECT ... ORDER BY ordinal ON CONFLICT (keys) DO NOTHING
// The temp table is dropped on commit. The caller owns commit and rollback.
func InsertIgnore(ctx context.Context, tx Copier, cfg InsertConfig, rows [][]any) (InsertResult, error) {
	res := InsertResult{Attempted: int64(len(rows))}
	if len(rows) == 0 {
		return res, nil
	}

	if len(cfg.Columns) == 0 {
		return res, eris.New("db: insert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return res, eris.New("db: insert: no conflict keys specified")
	}

	tempTable := fmt.Sprintf("_tmp_insert_%s", strings.ReplaceAll(cfg.Table, ".", "_"))

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS, %s INT NOT NULL) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		sanitizeTable(cfg.Table),
		pgx.Identifier{ordColumn}.Sanitize(),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return res, eris.Wrapf(err, "db: insert: create temp table for %s", cfg.Table)
	}

	copyCols := append(append([]string(nil), cfg.Columns...), ordColumn)
	ordered := make([][]any, len(rows))
	for i, row := range rows {
		ordered[i] = append(append(make([]any, 0, len(row)+1), row...), i)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, copyCols, pgx.CopyFromRows(ordered)); err != nil {
		return res, eris.Wrapf(err, "db: insert: COPY into temp table for %s", cfg.Table)
	}

	colList := quoteAndJoin(cfg.Columns)
	insertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ORDER BY %s ON CONFLICT (%s) DO NOTHING",
		sanitizeTable(cfg.Table),
		colList,
		colList,
		pgx.Identifier{tempTable}.Sanitize(),
		pgx.Identifier{ordColumn}.Sanitize(),
		quoteAndJoin(cfg.ConflictKeys),
	)

	tag, err := tx.Exec(ctx, insertSQL)
	if err != nil {
		return res, eris.Wrapf(err, "db: insert: INSERT ON CONFLICT for %s", cfg.Table)
	}
	res.Inserted = tag.RowsAffected()

	return res, nil
}

// sanitizeTable handles schema-qualified table names like "ingest.scale_transactions".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
