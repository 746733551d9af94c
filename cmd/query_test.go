package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/civicscore/internal/model"
	"github.com/sells-group/civicscore/internal/proximity"
	"github.com/sells-group/civicscore/internal/scoring"
	"github.com/sells-group/civicscore/pkg/geocode"
)

type stubGeocoder struct {
	point model.Point
	err   error
	calls []string
}

func (s *stubGeocoder) Geocode(_ context.Context, address string) (model.Point, error) {
	s.calls = append(s.calls, address)
	return s.point, s.err
}

func newPointFlags(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "score"}
	cmd.Flags().Float64("lat", 0, "")
	cmd.Flags().Float64("lon", 0, "")
	cmd.Flags().String("address", "", "")
	cmd.Flags().Float64("radius", 0, "")
	cmd.Flags().Int("days", 0, "")
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestResolvePoint_LatLon(t *testing.T) {
	g := &stubGeocoder{}
	p, err := resolvePoint(context.Background(), newPointFlags(t, "--lat", "42.3601", "--lon", "-71.0589"), g)
	require.NoError(t, err)
	assert.InDelta(t, 42.3601, p.Lat, 1e-9)
	assert.InDelta(t, -71.0589, p.Lon, 1e-9)
	assert.Empty(t, g.calls)
}

func TestResolvePoint_ZeroIsExplicit(t *testing.T) {
	p, err := resolvePoint(context.Background(), newPointFlags(t, "--lat", "0", "--lon", "0"), &stubGeocoder{})
	require.NoError(t, err)
	assert.Equal(t, model.Point{}, p)
}

func TestResolvePoint_Address(t *testing.T) {
	g := &stubGeocoder{point: model.Point{Lat: 42.35, Lon: -71.06}}
	p, err := resolvePoint(context.Background(), newPointFlags(t, "--address", "1 City Hall Sq, Boston, MA"), g)
	require.NoError(t, err)
	assert.Equal(t, g.point, p)
	assert.Equal(t, []string{"1 City Hall Sq, Boston, MA"}, g.calls)
}

func TestResolvePoint_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		g       *stubGeocoder
		wantErr string
		is      error
	}{
		{"nothing", nil, &stubGeocoder{}, "a point is required", nil},
		{"lat only", []string{"--lat", "42.3"}, &stubGeocoder{}, "a point is required", nil},
		{"both forms", []string{"--address", "x", "--lat", "42.3", "--lon", "-71"}, &stubGeocoder{}, "not both", nil},
		{"out of range", []string{"--lat", "95", "--lon", "-71"}, &stubGeocoder{}, "", proximity.ErrInvalidPoint},
		{"geocode miss", []string{"--address", "nowhere"}, &stubGeocoder{err: geocode.ErrNotFound}, "resolve address", geocode.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolvePoint(context.Background(), newPointFlags(t, tt.args...), tt.g)
			require.Error(t, err)
			if tt.wantErr != "" {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
			if tt.is != nil {
				assert.True(t, errors.Is(err, tt.is), "want %v, got %v", tt.is, err)
			}
		})
	}
}

func TestFlagDefaults(t *testing.T) {
	cmd := newPointFlags(t, "--radius", "1.5")
	assert.InDelta(t, 1.5, flagFloat(cmd, "radius", 0.5), 1e-9)
	assert.Equal(t, 30, flagInt(cmd, "days", 30))

	cmd = newPointFlags(t, "--days", "0")
	assert.Equal(t, 0, flagInt(cmd, "days", 30))
	assert.InDelta(t, 0.5, flagFloat(cmd, "radius", 0.5), 1e-9)
}

func TestFormatRecords(t *testing.T) {
	center := model.Point{Lat: 42.3601, Lon: -71.0589}
	near := model.Point{Lat: 42.3611, Lon: -71.0589}
	recs := []model.Record{
		{
			Dataset: model.Crime, ExternalID: "I-100", Category: "Larceny",
			OccurredAt: time.Date(2026, 3, 1, 14, 5, 0, 0, time.UTC), Location: &near, Severe: true,
		},
		{
			Dataset: model.Crime, ExternalID: "I-101", Category: "Vandalism",
			OccurredAt: time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC),
		},
	}

	var buf bytes.Buffer
	formatRecords(&buf, center, recs)
	out := buf.String()

	assert.Contains(t, out, "DISTANCE_KM")
	assert.Contains(t, out, "2026-03-01 14:05")
	assert.Contains(t, out, "I-100")
	assert.Contains(t, out, "yes")
	assert.Contains(t, out, "0.111")
	assert.Contains(t, out, "I-101")
	assert.Contains(t, out, "2 record(s)")
}

func TestFormatSummary(t *testing.T) {
	earliest := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	latest := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := &proximity.Summary{
		Dataset: model.ServiceRequest, RadiusKm: 0.5, MaxAgeDays: 30,
		Total: 7, Severe: 0, Earliest: &earliest, Latest: &latest,
		TopCategories: []proximity.CategoryCount{{Category: "Street Cleaning", Count: 4}, {Category: "Pothole", Count: 3}},
	}

	var buf bytes.Buffer
	formatSummary(&buf, s)
	out := buf.String()

	assert.Contains(t, out, "service_request within 0.50 km, last 30 days: 7 record(s), 0 severe")
	assert.Contains(t, out, "range: 2026-02-01 to 2026-03-01")
	assert.Contains(t, out, "Street Cleaning")
	assert.Contains(t, out, "Pothole")
	assert.NotContains(t, out, "AREA")
}

func TestFormatSummary_Breakdowns(t *testing.T) {
	at := time.Date(2026, 3, 6, 19, 0, 0, 0, time.UTC)
	s := &proximity.Summary{
		Dataset: model.ServiceRequest, RadiusKm: 0.5, MaxAgeDays: 30,
		Total: 3, Earliest: &at, Latest: &at,
		TopCategories: []proximity.CategoryCount{{Category: "Pothole", Count: 3}},
		ByArea:        []proximity.LabelCount{{Label: "Dorchester", Count: 2}, {Label: "(unknown)", Count: 1}},
		ByStatus:      []proximity.LabelCount{{Label: "Open", Count: 3}},
	}
	s.ByHour[9] = 1
	s.ByHour[19] = 2
	s.ByWeekday[time.Friday] = 3

	var buf bytes.Buffer
	formatSummary(&buf, s)
	out := buf.String()

	assert.Contains(t, out, "AREA")
	assert.Contains(t, out, "Dorchester")
	assert.Contains(t, out, "(unknown)")
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "by hour: 09:1 19:2\n")
	assert.Contains(t, out, "by weekday: Fri:3\n")
}

func TestFormatSummary_Empty(t *testing.T) {
	var buf bytes.Buffer
	formatSummary(&buf, &proximity.Summary{Dataset: model.Crime, RadiusKm: 1, MaxAgeDays: 7})
	out := buf.String()

	assert.Contains(t, out, "0 record(s)")
	assert.NotContains(t, out, "range:")
	assert.NotContains(t, out, "CATEGORY")
	assert.NotContains(t, out, "by hour")
}

func sampleScore() *scoring.CompositeScore {
	return &scoring.CompositeScore{
		Point:       model.Point{Lat: 42.36, Lon: -71.06},
		Safety:      66.8,
		Hygiene:     100,
		Maintenance: 87.5,
		Overall:     79.65,
		RawCounts:   map[model.Dataset]int{model.Crime: 8, model.ServiceRequest: 5},
		WeightedCounts: map[model.Dataset]float64{
			model.Crime:          10,
			model.ServiceRequest: 5,
		},
		Contributions: map[model.Dataset]float64{
			model.Crime:          33.0,
			model.ServiceRequest: 11.8,
		},
	}
}

func TestFormatScore(t *testing.T) {
	var buf bytes.Buffer
	formatScore(&buf, sampleScore())
	out := buf.String()

	assert.Contains(t, out, "Point: 42.360000, -71.060000")
	assert.Contains(t, out, "safety")
	assert.Contains(t, out, "66.8")
	assert.Contains(t, out, "hygiene")
	assert.Contains(t, out, "100.0")
	assert.Contains(t, out, "overall")
	assert.Contains(t, out, "CONTRIBUTION")
	assert.Contains(t, out, "33.0")
	assert.Contains(t, out, "food_inspection")
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, sampleScore()))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.InDelta(t, 66.8, decoded["safety"], 1e-9)
	counts, ok := decoded["raw_counts"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 8, counts["crime"], 1e-9)
}
