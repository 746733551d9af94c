// Package model defines the normalized record, dataset and refresh report
// types shared by the connector, the spatial stores and the query engines.
package model

import (
	"math"
	"time"
)

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the point lies within latitude [-90,90] and
// longitude [-180,180].
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// RecordKey is the identity of a record across refreshes.
type RecordKey struct {
	Dataset    Dataset
	ExternalID string
}

// Record is a normalized, geolocated and timestamped event from one feed.
type Record struct {
	Dataset      Dataset   `json:"dataset"`
	ExternalID   string    `json:"external_id"`
	OccurredAt   time.Time `json:"occurred_at"`
	Location     *Point    `json:"location,omitempty"`
	Category     string    `json:"category"`
	Severe       bool      `json:"severe"`
	Area         string    `json:"area,omitempty"`
	Status       string    `json:"status,omitempty"`
	PayloadHash  string    `json:"payload_hash"`
	Superseded   bool      `json:"superseded,omitempty"`
	SupersededBy string    `json:"superseded_by,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitzero"`
	UpdatedAt    time.Time `json:"updated_at,omitzero"`
}

// Key returns the (dataset, external_id) identity of the record.
func (r Record) Key() RecordKey {
	return RecordKey{Dataset: r.Dataset, ExternalID: r.ExternalID}
}

// HasLocation reports whether the record carries usable coordinates.
func (r Record) HasLocation() bool {
	return r.Location != nil && r.Location.Valid()
}

// Weight is the scoring weight of the record: 2 when severity-flagged, else 1.
func (r Record) Weight() float64 {
	if r.Severe {
		return 2
	}
	return 1
}
