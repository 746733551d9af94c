package proximity

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/civicscore/internal/model"
	"github.com/sells-group/civicscore/internal/spatial"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var (
	centre = model.Point{Lat: 42.3555, Lon: -71.0605}
	now    = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

func fixedClock() time.Time { return now }

// north returns the point km kilometres due north of p.
func north(p model.Point, km float64) *model.Point {
	return &model.Point{Lat: p.Lat + km/(spatial.EarthRadiusKm*math.Pi/180), Lon: p.Lon}
}

func crime(id string, daysAgo float64, loc *model.Point) model.Record {
	return model.Record{
		Dataset:     model.Crime,
		ExternalID:  id,
		OccurredAt:  now.Add(-time.Duration(daysAgo * 24 * float64(time.Hour))),
		Location:    loc,
		Category:    "Larceny",
		PayloadHash: "h" + id,
	}
}

func seed(t *testing.T, recs ...model.Record) *spatial.MemoryStore {
	t.Helper()
	s := spatial.NewMemoryStore()
	require.NoError(t, s.UpsertBatch(context.Background(), recs))
	return s
}

func ids(recs []model.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ExternalID
	}
	return out
}

// stubStore answers QueryRadius from a fixed slice and counts calls.
type stubStore struct {
	spatial.Store
	recs  []model.Record
	err   error
	calls int
}

func (s *stubStore) QueryRadius(_ context.Context, _ spatial.RadiusQuery) ([]model.Record, error) {
	s.calls++
	return s.recs, s.err
}

func TestNearby_OrderingAndTies(t *testing.T) {
	store := seed(t,
		crime("B", 1, north(centre, 0.1)),
		crime("A", 1, north(centre, 0.2)),
		crime("C", 0.5, north(centre, 0.3)),
		crime("D", 3, &centre),
	)
	e := NewEngine(store, fixedClock)

	got, err := e.Nearby(context.Background(), model.Crime, centre, 1, 30)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A", "B", "D"}, ids(got))
}

func TestNearby_DistanceBoundaries(t *testing.T) {
	store := seed(t,
		crime("here", 1, &centre),
		crime("far", 1, north(centre, 100)),
	)
	e := NewEngine(store, fixedClock)
	ctx := context.Background()

	got, err := e.Nearby(ctx, model.Crime, centre, 0.001, 30)
	require.NoError(t, err)
	assert.Equal(t, []string{"here"}, ids(got))

	got, err = e.Nearby(ctx, model.Crime, *north(centre, 100), 1, 30)
	require.NoError(t, err)
	assert.Equal(t, []string{"far"}, ids(got))

	got, err = e.Nearby(ctx, model.Crime, centre, 0, 30)
	require.NoError(t, err, "zero radius is legal")
	assert.Equal(t, []string{"here"}, ids(got))
}

func TestNearby_AgeWindow(t *testing.T) {
	store := seed(t,
		crime("recent", 6.9, &centre),
		crime("old", 7.1, &centre),
	)
	e := NewEngine(store, fixedClock)

	got, err := e.Nearby(context.Background(), model.Crime, centre, 1, 7)
	require.NoError(t, err)
	assert.Equal(t, []string{"recent"}, ids(got))
}

func TestNearby_ExcludesSupersededAndUnlocated(t *testing.T) {
	old := crime("X@1700000000", 2, &centre)
	old.Superseded = true
	old.SupersededBy = "X"
	store := seed(t,
		old,
		crime("X", 1, &centre),
		crime("nowhere", 1, nil),
	)
	e := NewEngine(store, fixedClock)

	got, err := e.Nearby(context.Background(), model.Crime, centre, 1, 30)
	require.NoError(t, err)
	assert.Equal(t, []string{"X"}, ids(got))
}

func TestNearby_ZeroMatchesIsEmptyNotNil(t *testing.T) {
	e := NewEngine(spatial.NewMemoryStore(), fixedClock)
	got, err := e.Nearby(context.Background(), model.FoodInspection, centre, 5, 30)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestNearby_Validation(t *testing.T) {
	tests := []struct {
		name   string
		point  model.Point
		radius float64
		age    int
		want   error
	}{
		{"negative radius", centre, -1, 30, ErrInvalidRadius},
		{"NaN radius", centre, math.NaN(), 30, ErrInvalidRadius},
		{"infinite radius", centre, math.Inf(1), 30, ErrInvalidRadius},
		{"zero age", centre, 1, 0, ErrInvalidAge},
		{"negative age", centre, 1, -3, ErrInvalidAge},
		{"latitude out of range", model.Point{Lat: 91, Lon: 0}, 1, 30, ErrInvalidPoint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &stubStore{}
			e := NewEngine(store, fixedClock)
			got, err := e.Nearby(context.Background(), model.Crime, tt.point, tt.radius, tt.age)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), err.Error())
			assert.Nil(t, got)
			assert.Zero(t, store.calls, "validation happens before store access")
		})
	}
}

func TestNearby_StoreFailure(t *testing.T) {
	store := &stubStore{err: &spatial.StoreError{Op: "query radius", Err: errors.New("connection refused")}}
	e := NewEngine(store, fixedClock)

	got, err := e.Nearby(context.Background(), model.Crime, centre, 1, 30)
	require.Error(t, err)
	assert.True(t, errors.Is(err, spatial.ErrStoreUnavailable))
	assert.Nil(t, got)
}

func TestNearby_RefilterAndDedupe(t *testing.T) {
	store := &stubStore{recs: []model.Record{
		crime("A", 1, &centre),
		crime("A", 1, &centre),
		crime("outside", 1, north(centre, 3)),
		crime("stale", 40, &centre),
		{Dataset: model.FoodInspection, ExternalID: "other", OccurredAt: now, Location: &centre},
	}}
	e := NewEngine(store, fixedClock)

	got, err := e.Nearby(context.Background(), model.Crime, centre, 1, 30)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, ids(got))
}

func TestSearch_Filters(t *testing.T) {
	shooting := crime("S", 1, &centre)
	shooting.Category = "Aggravated Assault"
	shooting.Severe = true
	store := seed(t,
		shooting,
		crime("L1", 2, &centre),
		crime("L2", 3, &centre),
		crime("L3", 4, &centre),
	)
	e := NewEngine(store, fixedClock)
	ctx := context.Background()
	base := Query{Dataset: model.Crime, Point: centre, RadiusKm: 1, MaxAgeDays: 30}

	q := base
	q.Category = "  larc "
	got, err := e.Search(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"L1", "L2", "L3"}, ids(got))

	q.Limit = 2
	got, err = e.Search(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"L1", "L2"}, ids(got))

	q = base
	q.SevereOnly = true
	got, err = e.Search(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"S"}, ids(got))

	q = base
	q.RadiusKm = -2
	_, err = e.Search(ctx, q)
	assert.True(t, errors.Is(err, ErrInvalidRadius))
}

func TestSearch_AreaAndStatus(t *testing.T) {
	mk := func(id, area, status string) model.Record {
		r := crime(id, 1, &centre)
		r.Area, r.Status = area, status
		return r
	}
	store := seed(t,
		mk("A", "B2", "Open"),
		mk("B", "B3", "Closed"),
		mk("C", "", "Open"),
	)
	e := NewEngine(store, fixedClock)
	ctx := context.Background()
	base := Query{Dataset: model.Crime, Point: centre, RadiusKm: 1, MaxAgeDays: 30}

	tests := []struct {
		name   string
		area   string
		status string
		want   []string
	}{
		{"no filter", "", "", []string{"A", "B", "C"}},
		{"area", "b2", "", []string{"A"}},
		{"area prefix", " B ", "", []string{"A", "B"}},
		{"status", "", "OPEN", []string{"A", "C"}},
		{"both", "b", "closed", []string{"B"}},
		{"no match", "D4", "", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := base
			q.Area, q.Status = tt.area, tt.status
			got, err := e.Search(ctx, q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}
