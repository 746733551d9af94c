// Package spatial defines the record store contract used by the connector and
// the query engines, with in-memory, SQLite and PostGIS implementations.
package spatial

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/civicscore/internal/model"
)

// ErrStoreUnavailable marks any failure of the backing store. Callers match it
// with errors.Is; the core never retries it.
var ErrStoreUnavailable = errors.New("spatial: store unavailable")

// Store persists normalized records and answers radius/time queries.
// Implementations must tolerate concurrent calls.
type Store interface {
	// Upsert inserts or replaces the record identified by (dataset, external_id).
	Upsert(ctx context.Context, rec *model.Record) error
	// UpsertBatch applies Upsert semantics to every record.
	UpsertBatch(ctx context.Context, recs []model.Record) error
	// Lookup returns the stored records for ids, keyed by external id.
	// Missing ids are absent from the map.
	Lookup(ctx context.Context, ds model.Dataset, ids []string) (map[string]model.Record, error)
	// QueryRadius returns located, non-superseded records within the query.
	// Result order is unspecified.
	QueryRadius(ctx context.Context, q RadiusQuery) ([]model.Record, error)
	// Count returns the number of non-superseded records in ds, including
	// records without coordinates. A nil since counts all of them.
	Count(ctx context.Context, ds model.Dataset, since *time.Time) (int64, error)
	// Close releases the store's resources.
	Close() error
}

// RadiusQuery selects records of one dataset within RadiusKm of Center that
// occurred at or after Since (nil means no lower bound).
type RadiusQuery struct {
	Dataset  model.Dataset
	Center   model.Point
	RadiusKm float64
	Since    *time.Time
}

// StoreError wraps a backend failure so it matches ErrStoreUnavailable.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "spatial: " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the backend error.
func (e *StoreError) Unwrap() error { return e.Err }

// Is reports true for ErrStoreUnavailable.
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// matches applies the exact query predicate to a stored record.
func (q RadiusQuery) matches(rec *model.Record) bool {
	if rec.Superseded || !rec.HasLocation() || rec.Dataset != q.Dataset {
		return false
	}
	if q.Since != nil && rec.OccurredAt.Before(*q.Since) {
		return false
	}
	return HaversineKm(q.Center, *rec.Location) <= q.RadiusKm
}
