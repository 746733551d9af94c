package spatial

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/civicscore/internal/model"
)

// cellDeg is the grid cell edge in degrees (about 1.1 km of latitude).
const cellDeg = 0.01

type cellKey struct {
	ds       model.Dataset
	lat, lon int32
}

// MemoryStore is an in-process Store backed by a uniform grid index.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[model.RecordKey]*model.Record
	cells     map[cellKey]map[string]struct{}
	byDataset map[model.Dataset]int
	now       func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[model.RecordKey]*model.Record),
		cells:     make(map[cellKey]map[string]struct{}),
		byDataset: make(map[model.Dataset]int),
		now:       time.Now,
	}
}

func cellOf(ds model.Dataset, p model.Point) cellKey {
	return cellKey{
		ds:  ds,
		lat: int32(math.Floor(p.Lat / cellDeg)),
		lon: int32(math.Floor(p.Lon / cellDeg)),
	}
}

// Upsert implements Store.
func (m *MemoryStore) Upsert(ctx context.Context, rec *model.Record) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "spatial: memory upsert")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertLocked(*rec)
	return nil
}

// UpsertBatch implements Store.
func (m *MemoryStore) UpsertBatch(ctx context.Context, recs []model.Record) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "spatial: memory upsert batch")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range recs {
		m.upsertLocked(recs[i])
	}
	return nil
}

func (m *MemoryStore) upsertLocked(rec model.Record) {
	stored := cloneRecord(rec)
	now := m.now()
	key := stored.Key()

	if old, ok := m.records[key]; ok {
		m.unindex(old)
		stored.CreatedAt = old.CreatedAt
	} else {
		m.byDataset[stored.Dataset]++
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	m.records[key] = &stored
	if stored.HasLocation() {
		ck := cellOf(stored.Dataset, *stored.Location)
		bucket, ok := m.cells[ck]
		if !ok {
			bucket = make(map[string]struct{})
			m.cells[ck] = bucket
		}
		bucket[stored.ExternalID] = struct{}{}
	}
}

func (m *MemoryStore) unindex(rec *model.Record) {
	if !rec.HasLocation() {
		return
	}
	ck := cellOf(rec.Dataset, *rec.Location)
	if bucket, ok := m.cells[ck]; ok {
		delete(bucket, rec.ExternalID)
		if len(bucket) == 0 {
			delete(m.cells, ck)
		}
	}
}

// Lookup implements Store.
func (m *MemoryStore) Lookup(ctx context.Context, ds model.Dataset, ids []string) (map[string]model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "spatial: memory lookup")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]model.Record, len(ids))
	for _, id := range ids {
		if rec, ok := m.records[model.RecordKey{Dataset: ds, ExternalID: id}]; ok {
			out[id] = cloneRecord(*rec)
		}
	}
	return out, nil
}

// QueryRadius implements Store.
func (m *MemoryStore) QueryRadius(ctx context.Context, q RadiusQuery) ([]model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "spatial: memory query")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	box := BoundingBox(q.Center, q.RadiusKm)
	lo := cellOf(q.Dataset, model.Point{Lat: box.MinLat, Lon: box.MinLon})
	hi := cellOf(q.Dataset, model.Point{Lat: box.MaxLat, Lon: box.MaxLon})
	cellCount := (int64(hi.lat-lo.lat) + 1) * (int64(hi.lon-lo.lon) + 1)

	var out []model.Record
	if cellCount > int64(m.byDataset[q.Dataset]) {
		for _, rec := range m.records {
			if q.matches(rec) {
				out = append(out, cloneRecord(*rec))
			}
		}
		return out, nil
	}

	for lat := lo.lat; lat <= hi.lat; lat++ {
		for lon := lo.lon; lon <= hi.lon; lon++ {
			for id := range m.cells[cellKey{ds: q.Dataset, lat: lat, lon: lon}] {
				rec := m.records[model.RecordKey{Dataset: q.Dataset, ExternalID: id}]
				if rec != nil && q.matches(rec) {
					out = append(out, cloneRecord(*rec))
				}
			}
		}
	}
	return out, nil
}

// Count implements Store.
func (m *MemoryStore) Count(ctx context.Context, ds model.Dataset, since *time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, eris.Wrap(err, "spatial: memory count")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for key, rec := range m.records {
		if key.Dataset != ds || rec.Superseded {
			continue
		}
		if since != nil && rec.OccurredAt.Before(*since) {
			continue
		}
		n++
	}
	return n, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

func cloneRecord(rec model.Record) model.Record {
	if rec.Location != nil {
		p := *rec.Location
		rec.Location = &p
	}
	return rec
}
