package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a multi-row upsert.
type UpsertConfig struct {
	Table        string   // target table (e.g., "kpi_summary")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
	UpdateExprs  []string // extra raw SET clauses appended verbatim (e.g., "updated_at = now()")
}

// Upsert writes rows with a single INSERT ... ON CONFLICT (keys) DO UPDATE
// statement. Conflict resolution is last-writer-wins at row scope, so
// concurrent recomputations racing on the same key serialize inside the
// database rather than erroring. Returns the number of rows written.
func Upsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: upsert: no conflict keys specified")
	}

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		conflictSet := make(map[string]bool, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			conflictSet[k] = true
		}
		for _, c := range cfg.Columns {
			if !conflictSet[c] {
				updateCols = append(updateCols, c)
			}
		}
	}

	setClauses := make([]string, 0, len(updateCols)+len(cfg.UpdateExprs))
	for _, col := range updateCols {
		q := pgx.Identifier{col}.Sanitize()
		setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
	}
	setClauses = append(setClauses, cfg.UpdateExprs...)

	placeholders := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*len(cfg.Columns))
	for i, row := range rows {
		if len(row) != len(cfg.Columns) {
			return 0, eris.Errorf("db: upsert: row %d has %d values, want %d", i, len(row), len(cfg.Columns))
		}
		ph := make([]string, len(row))
		for j := range row {
			ph[j] = fmt.Sprintf("$%d", len(args)+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ", ")+")")
		args = append(args, row...)
	}

	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES %s ON CONFLICT (%s) DO UPDATE SET %s",
		pgx.Identifier{cfg.Table}.Sanitize(),
		quoteAndJoin(cfg.Columns),
		strings.Join(placeholders, ", "),
		quoteAndJoin(cfg.ConflictKeys),
		strings.Join(setClauses, ", "),
	)

	tag, err := pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert into %s", cfg.Table)
	}
	return tag.RowsAffected(), nil
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
