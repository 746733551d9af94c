// Package proximity answers "what happened near here recently" against a
// spatial store, with deterministic ordering.
package proximity

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/civicscore/internal/metrics"
	"github.com/sells-group/civicscore/internal/model"
	"github.com/sells-group/civicscore/internal/normalize"
	"github.com/sells-group/civicscore/internal/spatial"
)

var (
	// ErrInvalidRadius is returned for a negative, NaN or infinite radius.
	ErrInvalidRadius = eris.New("proximity: invalid radius")
	// ErrInvalidAge is returned for a non-positive age window.
	ErrInvalidAge = eris.New("proximity: invalid age")
	// ErrInvalidPoint is returned for coordinates outside WGS84 ranges.
	ErrInvalidPoint = eris.New("proximity: invalid point")
)

// Clock returns the current time.
type Clock func() time.Time

// Engine runs proximity queries against a spatial store.
type Engine struct {
	store spatial.Store
	clock Clock
	loc   *time.Location
	log   *zap.Logger
}

// NewEngine creates an Engine. A nil clock falls back to time.Now.
func NewEngine(store spatial.Store, clock Clock) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		store: store,
		clock: clock,
		loc:   normalize.LocalZone(),
		log:   zap.L().With(zap.String("component", "proximity.engine")),
	}
}

// WithLocation sets the zone Summarize buckets hours and weekdays in.
func (e *Engine) WithLocation(loc *time.Location) *Engine {
	e.loc = loc
	return e
}

// ValidateRadius checks that radiusKm is finite and not negative. Zero is
// legal and matches only records at the exact point.
func ValidateRadius(radiusKm float64) error {
	if math.IsNaN(radiusKm) || math.IsInf(radiusKm, 0) || radiusKm < 0 {
		return eris.Wrapf(ErrInvalidRadius, "radius %v km", radiusKm)
	}
	return nil
}

// ValidateAge checks that the age window is positive.
func ValidateAge(maxAgeDays int) error {
	if maxAgeDays <= 0 {
		return eris.Wrapf(ErrInvalidAge, "max age %d days", maxAgeDays)
	}
	return nil
}

func validate(point model.Point, radiusKm float64, maxAgeDays int) error {
	if !point.Valid() {
		return eris.Wrapf(ErrInvalidPoint, "(%v, %v)", point.Lat, point.Lon)
	}
	if err := ValidateRadius(radiusKm); err != nil {
		return err
	}
	return ValidateAge(maxAgeDays)
}

// Nearby returns the live records of ds within radiusKm of point that occurred
// in the last maxAgeDays, newest first with ties broken by external id.
// An empty result always means zero matches.
func (e *Engine) Nearby(ctx context.Context, ds model.Dataset, point model.Point, radiusKm float64, maxAgeDays int) ([]model.Record, error) {
	if err := validate(point, radiusKm, maxAgeDays); err != nil {
		return nil, err
	}

	since := e.clock().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
	q := spatial.RadiusQuery{
		Dataset:  ds,
		Center:   point,
		RadiusKm: radiusKm,
		Since:    &since,
	}

	metrics.NearbyQueriesTotal.WithLabelValues(ds.String()).Inc()
	recs, err := e.store.QueryRadius(ctx, q)
	if err != nil {
		return nil, eris.Wrapf(err, "proximity: nearby %s", ds)
	}

	out := make([]model.Record, 0, len(recs))
	seen := make(map[model.RecordKey]struct{}, len(recs))
	for _, rec := range recs {
		if !keep(&rec, q) {
			continue
		}
		if _, dup := seen[rec.Key()]; dup {
			continue
		}
		seen[rec.Key()] = struct{}{}
		out = append(out, rec)
	}
	SortRecords(out)

	e.log.Debug("nearby",
		zap.String("dataset", ds.String()),
		zap.Float64("radius_km", radiusKm),
		zap.Int("max_age_days", maxAgeDays),
		zap.Int("store_rows", len(recs)),
		zap.Int("matches", len(out)),
	)
	return out, nil
}

// keep re-checks the store's answer so ordering and counts never depend on
// how loosely a backend filters.
func keep(rec *model.Record, q spatial.RadiusQuery) bool {
	if rec.Dataset != q.Dataset || rec.Superseded || !rec.HasLocation() {
		return false
	}
	if q.Since != nil && rec.OccurredAt.Before(*q.Since) {
		return false
	}
	return spatial.HaversineKm(q.Center, *rec.Location) <= q.RadiusKm
}

// SortRecords orders records by OccurredAt descending, then ExternalID ascending.
func SortRecords(recs []model.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.After(b.OccurredAt)
		}
		return a.ExternalID < b.ExternalID
	})
}

// Query narrows a Nearby call for interactive use.
type Query struct {
	Dataset    model.Dataset
	Point      model.Point
	RadiusKm   float64
	MaxAgeDays int
	// Category, Area and Status keep records whose field contains the
	// value, case-insensitively. Empty matches everything.
	Category   string
	Area       string
	Status     string
	SevereOnly bool
	// Limit caps the result; zero or less returns everything.
	Limit int
}

// Search runs Nearby and applies the query's field, severity and limit filters.
func (e *Engine) Search(ctx context.Context, q Query) ([]model.Record, error) {
	recs, err := e.Nearby(ctx, q.Dataset, q.Point, q.RadiusKm, q.MaxAgeDays)
	if err != nil {
		return nil, err
	}
	return q.filter(recs), nil
}

func (q Query) filter(recs []model.Record) []model.Record {
	category, area, status := needle(q.Category), needle(q.Area), needle(q.Status)
	out := recs[:0]
	for _, rec := range recs {
		if q.SevereOnly && !rec.Severe {
			continue
		}
		if !contains(rec.Category, category) || !contains(rec.Area, area) || !contains(rec.Status, status) {
			continue
		}
		out = append(out, rec)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

func needle(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func contains(field, needle string) bool {
	return needle == "" || strings.Contains(strings.ToLower(field), needle)
}
