package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpdateConfig defines the parameters for a bulk update.
type UpdateConfig struct {
	Table      string   // target table (e.g., "analyzed_lots")
	KeyColumns []string // columns that identify the target row
	SetColumns []string // columns copied onto the target row

	// Filter is an extra predicate on the target row, aliased "t".
	// FilterArgs bind its $n placeholders.
	Filter     string
	FilterArgs []any
}

// BulkUpdate applies many row updates in one round trip.
// 1. Creates a temp table shaped like the target
// 2. COPY key and set columns into the temp table
// 3. UPDATE target SET ... FROM temp WHERE keys match
// The temp table is dropped on commit.
func BulkUpdate(ctx context.Context, pool Pool, cfg UpdateConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.KeyColumns) == 0 {
		return 0, eris.New("db: update: no key columns specified")
	}
	if len(cfg.SetColumns) == 0 {
		return 0, eris.New("db: update: no set columns specified")
	}

	columns := make([]string, 0, len(cfg.KeyColumns)+len(cfg.SetColumns))
	columns = append(columns, cfg.KeyColumns...)
	columns = append(columns, cfg.SetColumns...)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: update: begin tx")
	}
	defer tx.Rollback(ctx)

	tempTable := fmt.Sprintf("_tmp_update_%s", strings.ReplaceAll(cfg.Table, ".", "_"))

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s ON COMMIT DROP AS SELECT %s FROM %s WITH NO DATA",
		pgx.Identifier{tempTable}.Sanitize(),
		quoteAndJoin(columns),
		sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: update: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: update: COPY into temp table for %s", cfg.Table)
	}

	setClauses := make([]string, len(cfg.SetColumns))
	for i, col := range cfg.SetColumns {
		id := pgx.Identifier{col}.Sanitize()
		setClauses[i] = fmt.Sprintf("%s = tmp.%s", id, id)
	}
	whereClauses := make([]string, len(cfg.KeyColumns))
	for i, col := range cfg.KeyColumns {
		id := pgx.Identifier{col}.Sanitize()
		whereClauses[i] = fmt.Sprintf("t.%s = tmp.%s", id, id)
	}

	where := strings.Join(whereClauses, " AND ")
	if cfg.Filter != "" {
		where += " AND (" + cfg.Filter + ")"
	}

	updateSQL := fmt.Sprintf(
		"UPDATE %s AS t SET %s FROM %s AS tmp WHERE %s",
		sanitizeTable(cfg.Table),
		strings.Join(setClauses, ", "),
		pgx.Identifier{tempTable}.Sanitize(),
		where,
	)

	tag, err := tx.Exec(ctx, updateSQL, cfg.FilterArgs...)
	if err != nil {
		return 0, eris.Wrapf(err, "db: update: UPDATE FROM for %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: update: commit tx")
	}

	return tag.RowsAffected(), nil
}

// sanitizeTable handles schema-qualified table names like "public.lots".
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
