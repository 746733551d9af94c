package spatial

import (
	"context"
	"database/sql"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/civicscore/internal/model"
)

// lookupChunk bounds the number of bound parameters per IN clause.
const lookupChunk = 500

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	dataset        TEXT NOT NULL,
	external_id    TEXT NOT NULL,
	occurred_at    TEXT NOT NULL,
	occurred_unix  INTEGER NOT NULL,
	latitude       REAL,
	longitude      REAL,
	category       TEXT NOT NULL DEFAULT '',
	severe         INTEGER NOT NULL DEFAULT 0,
	area           TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT '',
	payload_hash   TEXT NOT NULL,
	superseded     INTEGER NOT NULL DEFAULT 0,
	superseded_by  TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	PRIMARY KEY (dataset, external_id)
);

CREATE INDEX IF NOT EXISTS idx_records_location ON records(dataset, latitude, longitude);
CREATE INDEX IF NOT EXISTS idx_records_occurred ON records(dataset, occurred_unix);
`

const sqliteUpsert = `
INSERT INTO records (dataset, external_id, occurred_at, occurred_unix, latitude, longitude,
	category, severe, area, status, payload_hash, superseded, superseded_by, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(dataset, external_id) DO UPDATE SET
	occurred_at = excluded.occurred_at,
	occurred_unix = excluded.occurred_unix,
	latitude = excluded.latitude,
	longitude = excluded.longitude,
	category = excluded.category,
	severe = excluded.severe,
	area = excluded.area,
	status = excluded.status,
	payload_hash = excluded.payload_hash,
	superseded = excluded.superseded,
	superseded_by = excluded.superseded_by,
	updated_at = excluded.updated_at`

const sqliteSelect = `SELECT dataset, external_id, occurred_at, latitude, longitude,
	category, severe, area, status, payload_hash, superseded, superseded_by,
	created_at, updated_at
	FROM records`

// sqliteAddedColumns are columns introduced after the first schema; files
// created earlier gain them on open.
var sqliteAddedColumns = []struct{ name, ddl string }{
	{"area", `ALTER TABLE records ADD COLUMN area TEXT NOT NULL DEFAULT ''`},
	{"status", `ALTER TABLE records ADD COLUMN status TEXT NOT NULL DEFAULT ''`},
}

// SQLiteStore implements Store on a local SQLite file using a bounding-box
// pre-filter followed by the exact haversine check.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dsn, configures WAL
// mode and ensures the schema exists.
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, unavailable("sqlite open", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, unavailable("sqlite "+pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close() //nolint:errcheck
		return nil, unavailable("sqlite migrate", err)
	}
	if err := upgradeSQLite(ctx, db); err != nil {
		db.Close() //nolint:errcheck
		return nil, unavailable("sqlite upgrade", err)
	}
	return &SQLiteStore{db: db}, nil
}

func upgradeSQLite(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info('records')`)
	if err != nil {
		return err
	}
	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close() //nolint:errcheck
			return err
		}
		have[name] = true
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return err
	}
	for _, col := range sqliteAddedColumns {
		if have[col.name] {
			continue
		}
		if _, err := db.ExecContext(ctx, col.ddl); err != nil {
			return eris.Wrapf(err, "sqlite: add column %s", col.name)
		}
	}
	return nil
}

// Upsert implements Store.
func (s *SQLiteStore) Upsert(ctx context.Context, rec *model.Record) error {
	_, err := s.db.ExecContext(ctx, sqliteUpsert, sqliteArgs(rec, time.Now())...)
	return unavailable("sqlite upsert", err)
}

// UpsertBatch implements Store inside a single transaction.
func (s *SQLiteStore) UpsertBatch(ctx context.Context, recs []model.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("sqlite begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsert)
	if err != nil {
		return unavailable("sqlite prepare upsert", err)
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now()
	for i := range recs {
		if _, err := stmt.ExecContext(ctx, sqliteArgs(&recs[i], now)...); err != nil {
			return unavailable("sqlite upsert batch", err)
		}
	}
	return unavailable("sqlite commit", tx.Commit())
}

// Lookup implements Store.
func (s *SQLiteStore) Lookup(ctx context.Context, ds model.Dataset, ids []string) (map[string]model.Record, error) {
	out := make(map[string]model.Record, len(ids))
	for start := 0; start < len(ids); start += lookupChunk {
		end := min(start+lookupChunk, len(ids))
		chunk := ids[start:end]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, ds.String())
		for _, id := range chunk {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")

		rows, err := s.db.QueryContext(ctx,
			sqliteSelect+` WHERE dataset = ? AND external_id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, unavailable("sqlite lookup", err)
		}
		recs, err := scanSQLiteRecords(rows)
		if err != nil {
			return nil, unavailable("sqlite lookup", err)
		}
		for _, r := range recs {
			out[r.ExternalID] = r
		}
	}
	return out, nil
}

// QueryRadius implements Store.
func (s *SQLiteStore) QueryRadius(ctx context.Context, q RadiusQuery) ([]model.Record, error) {
	box := BoundingBox(q.Center, q.RadiusKm)
	since := int64(math.MinInt64)
	if q.Since != nil {
		since = q.Since.UnixNano()
	}

	rows, err := s.db.QueryContext(ctx, sqliteSelect+`
		WHERE dataset = ? AND superseded = 0
		AND latitude IS NOT NULL AND longitude IS NOT NULL
		AND latitude BETWEEN ? AND ? AND longitude BETWEEN ? AND ?
		AND occurred_unix >= ?`,
		q.Dataset.String(), box.MinLat, box.MaxLat, box.MinLon, box.MaxLon, since,
	)
	if err != nil {
		return nil, unavailable("sqlite query radius", err)
	}
	recs, err := scanSQLiteRecords(rows)
	if err != nil {
		return nil, unavailable("sqlite query radius", err)
	}

	out := recs[:0]
	for i := range recs {
		if q.matches(&recs[i]) {
			out = append(out, recs[i])
		}
	}
	return out, nil
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context, ds model.Dataset, since *time.Time) (int64, error) {
	lower := int64(math.MinInt64)
	if since != nil {
		lower = since.UnixNano()
	}
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM records WHERE dataset = ? AND superseded = 0 AND occurred_unix >= ?`,
		ds.String(), lower,
	).Scan(&n)
	if err != nil {
		return 0, unavailable("sqlite count", err)
	}
	return n, nil
}

// DB returns the underlying database so companion tables, such as the
// refresh log, can live in the same file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func sqliteArgs(rec *model.Record, now time.Time) []any {
	var lat, lon any
	if rec.HasLocation() {
		lat, lon = rec.Location.Lat, rec.Location.Lon
	}
	return []any{
		rec.Dataset.String(), rec.ExternalID,
		rec.OccurredAt.Format(time.RFC3339Nano), rec.OccurredAt.UnixNano(),
		lat, lon,
		rec.Category, boolInt(rec.Severe), rec.Area, rec.Status, rec.PayloadHash,
		boolInt(rec.Superseded), rec.SupersededBy,
		now.UnixNano(), now.UnixNano(),
	}
}

func scanSQLiteRecords(rows *sql.Rows) ([]model.Record, error) {
	defer rows.Close() //nolint:errcheck
	var out []model.Record
	for rows.Next() {
		var (
			rec                  model.Record
			ds, occurred         string
			lat, lon             sql.NullFloat64
			severe, superseded   int
			createdAt, updatedAt int64
		)
		if err := rows.Scan(
			&ds, &rec.ExternalID, &occurred, &lat, &lon,
			&rec.Category, &severe, &rec.Area, &rec.Status, &rec.PayloadHash, &superseded,
			&rec.SupersededBy,
			&createdAt, &updatedAt,
		); err != nil {
			return nil, err
		}
		parsed, err := model.ParseDataset(ds)
		if err != nil {
			return nil, err
		}
		at, err := time.Parse(time.RFC3339Nano, occurred)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse occurred_at %q", occurred)
		}
		rec.Dataset = parsed
		rec.OccurredAt = at
		rec.Severe = severe != 0
		rec.Superseded = superseded != 0
		rec.CreatedAt = time.Unix(0, createdAt)
		rec.UpdatedAt = time.Unix(0, updatedAt)
		if lat.Valid && lon.Valid {
			rec.Location = &model.Point{Lat: lat.Float64, Lon: lon.Float64}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
