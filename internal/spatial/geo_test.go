package spatial

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/civicscore/internal/model"
)

func TestHaversineKm(t *testing.T) {
	tests := []struct {
		name string
		a, b model.Point
		want float64
		tol  float64
	}{
		{"same point", model.Point{Lat: 42.36, Lon: -71.06}, model.Point{Lat: 42.36, Lon: -71.06}, 0, 1e-9},
		{"boston to nyc", model.Point{Lat: 42.3601, Lon: -71.0589}, model.Point{Lat: 40.7128, Lon: -74.0060}, 306.1, 1.0},
		{"one degree latitude", model.Point{Lat: 0, Lon: 0}, model.Point{Lat: 1, Lon: 0}, 111.195, 0.01},
		{"across antimeridian", model.Point{Lat: 0, Lon: 179.5}, model.Point{Lat: 0, Lon: -179.5}, 111.195, 0.01},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, HaversineKm(tt.a, tt.b), tt.tol)
			assert.InDelta(t, HaversineKm(tt.a, tt.b), HaversineKm(tt.b, tt.a), 1e-9)
		})
	}
}

func TestBoundingBox_ContainsCircle(t *testing.T) {
	center := model.Point{Lat: 42.35, Lon: -71.06}
	box := BoundingBox(center, 1)

	// Points exactly 1 km due north, south, east and west are inside.
	for _, bearing := range []model.Point{
		{Lat: center.Lat + 1/111.195, Lon: center.Lon},
		{Lat: center.Lat - 1/111.195, Lon: center.Lon},
	} {
		assert.True(t, box.Contains(bearing))
	}
	east := model.Point{Lat: center.Lat, Lon: center.Lon + 0.0121}
	assert.Less(t, HaversineKm(center, east), 1.0)
	assert.True(t, box.Contains(east))

	assert.False(t, box.Contains(model.Point{Lat: 43.35, Lon: -71.06}))
}

func TestBoundingBox_Degenerate(t *testing.T) {
	center := model.Point{Lat: 10, Lon: 20}
	box := BoundingBox(center, 0)
	assert.True(t, box.Contains(center))
	assert.False(t, box.Contains(model.Point{Lat: 10.001, Lon: 20}))
}

func TestBoundingBox_WidensAtEdges(t *testing.T) {
	polar := BoundingBox(model.Point{Lat: 89.99, Lon: 0}, 5)
	assert.Equal(t, -180.0, polar.MinLon)
	assert.Equal(t, 180.0, polar.MaxLon)
	assert.Equal(t, 90.0, polar.MaxLat)

	dateline := BoundingBox(model.Point{Lat: 0, Lon: 179.99}, 5)
	assert.Equal(t, -180.0, dateline.MinLon)
	assert.Equal(t, 180.0, dateline.MaxLon)
}
