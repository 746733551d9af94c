package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes a staged merge into a table keyed by ConflictKeys.
type UpsertConfig struct {
	Table        string   // schema-qualified target, e.g. "civic.records"
	Columns      []string // columns present in every row, in row order
	ConflictKeys []string // the target's unique key
	UpdateCols   []string // columns rewritten on conflict; nil means every non-key column
	// SkipUnchanged lists columns compared before an update. When set, a
	// conflicting row whose values in these columns match the stored row is
	// left alone and does not count as affected.
	SkipUnchanged []string
}

func (c UpsertConfig) updateCols() []string {
	if c.UpdateCols != nil {
		return c.UpdateCols
	}
	keys := make(map[string]bool, len(c.ConflictKeys))
	for _, k := range c.ConflictKeys {
		keys[k] = true
	}
	var out []string
	for _, col := range c.Columns {
		if !keys[col] {
			out = append(out, col)
		}
	}
	return out
}

func (c UpsertConfig) validate() error {
	switch {
	case c.Table == "":
		return eris.New("db: upsert: no table specified")
	case len(c.Columns) == 0:
		return eris.New("db: upsert: no columns specified")
	case len(c.ConflictKeys) == 0:
		return eris.New("db: upsert: no conflict keys specified")
	}
	return nil
}

// stageTable names the per-transaction staging table for target.
func stageTable(target string) string {
	return "_stage_" + strings.ReplaceAll(target, ".", "_")
}

// BulkUpsert COPYs rows into a staging table shaped like the target and
// merges them with INSERT ... ON CONFLICT in one transaction. It returns the
// number of rows inserted or updated. Generated columns are recomputed by
// Postgres and must not appear in Columns.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := cfg.validate(); err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	stage := stageTable(cfg.Table)
	create := "CREATE TEMP TABLE " + pgx.Identifier{stage}.Sanitize() +
		" (LIKE " + sanitizeTable(cfg.Table) + " INCLUDING DEFAULTS) ON COMMIT DROP"
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create staging table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{stage}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into staging table for %s", cfg.Table)
	}

	tag, err := tx.Exec(ctx, mergeSQL(cfg, stage))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge into %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

func mergeSQL(cfg UpsertConfig, stage string) string {
	target := sanitizeTable(cfg.Table)
	cols := quoteAndJoin(cfg.Columns)

	var b strings.Builder
	b.WriteString("INSERT INTO " + target + " AS t (" + cols + ") SELECT " + cols +
		" FROM " + pgx.Identifier{stage}.Sanitize() +
		" ON CONFLICT (" + quoteAndJoin(cfg.ConflictKeys) + ")")

	update := cfg.updateCols()
	if len(update) == 0 {
		b.WriteString(" DO NOTHING")
		return b.String()
	}

	set := make([]string, len(update))
	for i, col := range update {
		q := pgx.Identifier{col}.Sanitize()
		set[i] = q + " = EXCLUDED." + q
	}
	b.WriteString(" DO UPDATE SET " + strings.Join(set, ", "))

	if len(cfg.SkipUnchanged) > 0 {
		stored := make([]string, len(cfg.SkipUnchanged))
		incoming := make([]string, len(cfg.SkipUnchanged))
		for i, col := range cfg.SkipUnchanged {
			q := pgx.Identifier{col}.Sanitize()
			stored[i] = "t." + q
			incoming[i] = "EXCLUDED." + q
		}
		b.WriteString(" WHERE (" + strings.Join(stored, ", ") + ") IS DISTINCT FROM (" +
			strings.Join(incoming, ", ") + ")")
	}
	return b.String()
}

// sanitizeTable quotes a possibly schema-qualified table name.
func sanitizeTable(table string) string {
	return pgx.Identifier(strings.SplitN(table, ".", 2)).Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
