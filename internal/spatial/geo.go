package spatial

import (
	"math"

	"github.com/sells-group/civicscore/internal/model"
)

// EarthRadiusKm is the IUGG mean Earth radius.
const EarthRadiusKm = 6371.0088

const degToRad = math.Pi / 180

// HaversineKm returns the great-circle distance between a and b in kilometres.
func HaversineKm(a, b model.Point) float64 {
	lat1 := a.Lat * degToRad
	lat2 := b.Lat * degToRad
	dLat := (b.Lat - a.Lat) * degToRad
	dLon := (b.Lon - a.Lon) * degToRad

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// BBox is an axis-aligned latitude/longitude rectangle.
type BBox struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// Contains reports whether p lies inside the box (edges inclusive).
func (b BBox) Contains(p model.Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lon >= b.MinLon && p.Lon <= b.MaxLon
}

// BoundingBox returns a rectangle that contains every point within radiusKm
// of center. When the circle covers a pole or crosses the antimeridian the
// longitude span widens to the full [-180,180] range.
func BoundingBox(center model.Point, radiusKm float64) BBox {
	ang := radiusKm / EarthRadiusKm
	// Pad slightly so float error never clips the circle's edge.
	dLat := ang / degToRad * 1.0001
	box := BBox{
		MinLat: math.Max(center.Lat-dLat, -90),
		MaxLat: math.Min(center.Lat+dLat, 90),
		MinLon: -180,
		MaxLon: 180,
	}
	if box.MinLat <= -90 || box.MaxLat >= 90 {
		return box
	}

	ratio := math.Sin(ang) / math.Cos(center.Lat*degToRad)
	if ratio >= 1 {
		return box
	}
	dLon := math.Asin(ratio) / degToRad * 1.0001
	minLon, maxLon := center.Lon-dLon, center.Lon+dLon
	if minLon < -180 || maxLon > 180 {
		return box
	}
	box.MinLon = minLon
	box.MaxLon = maxLon
	return box
}
