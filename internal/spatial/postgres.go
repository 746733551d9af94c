package spatial

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"

	"github.com/sells-group/civicscore/internal/db"
	"github.com/sells-group/civicscore/internal/model"
)

const recordsTable = "civic.records"

// ST_DWithin runs on the sphere; the pad absorbs the small radius mismatch
// before the exact haversine check.
const dwithinPad = 1.001

var recordColumns = []string{
	"dataset", "external_id", "occurred_at", "latitude", "longitude",
	"category", "severe", "area", "status", "payload_hash", "superseded", "superseded_by",
	"updated_at",
}

const selectRecord = `SELECT dataset, external_id, occurred_at, latitude, longitude,
	category, severe, area, status, payload_hash, superseded, COALESCE(superseded_by, ''),
	created_at, updated_at
	FROM civic.records`

// PostgresStore implements Store on PostGIS.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgresStore creates a PostgresStore. closeFn may be nil.
func NewPostgresStore(pool db.Pool, closeFn func()) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: closeFn}
}

// Upsert implements Store.
func (s *PostgresStore) Upsert(ctx context.Context, rec *model.Record) error {
	lat, lon := latLon(rec)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO civic.records (dataset, external_id, occurred_at, latitude, longitude,
			category, severe, area, status, payload_hash, superseded, superseded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (dataset, external_id) DO UPDATE SET
			occurred_at = EXCLUDED.occurred_at, latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude, category = EXCLUDED.category,
			severe = EXCLUDED.severe, area = EXCLUDED.area, status = EXCLUDED.status,
			payload_hash = EXCLUDED.payload_hash,
			superseded = EXCLUDED.superseded, superseded_by = EXCLUDED.superseded_by,
			updated_at = now()`,
		rec.Dataset.String(), rec.ExternalID, rec.OccurredAt, lat, lon,
		rec.Category, rec.Severe, rec.Area, rec.Status, rec.PayloadHash, rec.Superseded,
		nullString(rec.SupersededBy),
	)
	return unavailable("upsert record", err)
}

// UpsertBatch implements Store via db.BulkUpsert.
func (s *PostgresStore) UpsertBatch(ctx context.Context, recs []model.Record) error {
	if len(recs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, len(recs))
	for i := range recs {
		rec := &recs[i]
		lat, lon := latLon(rec)
		rows[i] = []any{
			rec.Dataset.String(), rec.ExternalID, rec.OccurredAt, lat, lon,
			rec.Category, rec.Severe, rec.Area, rec.Status, rec.PayloadHash, rec.Superseded,
			nullString(rec.SupersededBy), now,
		}
	}
	// Rows re-sent with the same content keep their updated_at.
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:         recordsTable,
		Columns:       recordColumns,
		ConflictKeys:  []string{"dataset", "external_id"},
		SkipUnchanged: []string{"payload_hash", "superseded", "superseded_by"},
	}, rows)
	return unavailable("upsert batch", err)
}

// Lookup implements Store.
func (s *PostgresStore) Lookup(ctx context.Context, ds model.Dataset, ids []string) (map[string]model.Record, error) {
	out := make(map[string]model.Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, selectRecord+` WHERE dataset = $1 AND external_id = ANY($2)`, ds.String(), ids)
	if err != nil {
		return nil, unavailable("lookup records", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, unavailable("lookup records", err)
	}
	for _, r := range recs {
		out[r.ExternalID] = r
	}
	return out, nil
}

// QueryRadius implements Store.
func (s *PostgresStore) QueryRadius(ctx context.Context, q RadiusQuery) ([]model.Record, error) {
	center, err := ewkb.Marshal(
		geom.NewPointFlat(geom.XY, []float64{q.Center.Lon, q.Center.Lat}).SetSRID(4326),
		ewkb.NDR,
	)
	if err != nil {
		return nil, unavailable("encode query center", err)
	}

	rows, err := s.pool.Query(ctx, selectRecord+`
		WHERE dataset = $1 AND NOT superseded AND geog IS NOT NULL
		AND ST_DWithin(geog, ST_GeomFromEWKB($2)::geography, $3, false)
		AND ($4::timestamptz IS NULL OR occurred_at >= $4)`,
		q.Dataset.String(), center, q.RadiusKm*1000*dwithinPad+1, q.Since,
	)
	if err != nil {
		return nil, unavailable("query radius", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, unavailable("query radius", err)
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
func (s *PostgresStore) Count(ctx context.Context, ds model.Dataset, since *time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM civic.records
		WHERE dataset = $1 AND NOT superseded AND ($2::timestamptz IS NULL OR occurred_at >= $2)`,
		ds.String(), since,
	).Scan(&n)
	if err != nil {
		return 0, unavailable("count records", err)
	}
	return n, nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func scanRecords(rows pgx.Rows) ([]model.Record, error) {
	defer rows.Close()
	var out []model.Record
	for rows.Next() {
		var (
			rec      model.Record
			ds       string
			lat, lon *float64
		)
		if err := rows.Scan(
			&ds, &rec.ExternalID, &rec.OccurredAt, &lat, &lon,
			&rec.Category, &rec.Severe, &rec.Area, &rec.Status, &rec.PayloadHash, &rec.Superseded,
			&rec.SupersededBy,
			&rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		parsed, err := model.ParseDataset(ds)
		if err != nil {
			return nil, err
		}
		rec.Dataset = parsed
		if lat != nil && lon != nil {
			rec.Location = &model.Point{Lat: *lat, Lon: *lon}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func latLon(rec *model.Record) (*float64, *float64) {
	if !rec.HasLocation() {
		return nil, nil
	}
	lat, lon := rec.Location.Lat, rec.Location.Lon
	return &lat, &lon
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
