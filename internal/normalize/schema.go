package normalize

import (
	"strings"
	"time"

	"github.com/sells-group/civicscore/internal/model"
)

// Common layouts seen across the municipal feeds, tried in order. Layouts
// without a zone are interpreted in the schema's Location.
var defaultTimeFormats = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05-07",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"01/02/2006 03:04:05 PM",
	"01/02/2006 15:04",
	"01/02/2006",
	"2006-01-02",
}

// ckanArtifacts are columns added by the CKAN datastore that shift when a
// resource is reloaded; they never participate in change detection.
var ckanArtifacts = []string{"_id", "_full_text", "_rank"}

// SeverityRule flags a record as severe when Field matches one of Values
// (case-insensitive, trimmed).
type SeverityRule struct {
	Field  string   `yaml:"field" mapstructure:"field"`
	Values []string `yaml:"values" mapstructure:"values"`
}

// Match reports whether the row satisfies the rule.
func (r *SeverityRule) Match(row RawRow) bool {
	if r == nil || r.Field == "" {
		return false
	}
	v := stringValue(lookup(row, r.Field))
	if v == "" {
		return false
	}
	for _, want := range r.Values {
		if strings.EqualFold(v, strings.TrimSpace(want)) {
			return true
		}
	}
	return false
}

// Schema describes how one dataset's raw rows map onto a Record.
type Schema struct {
	Dataset model.Dataset

	// IDFields are alternatives: the first non-empty value wins.
	IDFields []string
	// IDComposite, when set, builds the id from several fields joined by "|".
	// The first part is required; later parts may be empty.
	IDComposite []string

	// TimeFields are alternatives for occurred_at.
	TimeFields  []string
	TimeFormats []string
	// Location is used for timestamps without an explicit offset.
	Location *time.Location

	LatField string
	LonField string
	// PointField is a fallback "(lat, lon)" column.
	PointField string

	// CategoryFields are alternatives: the first non-empty value wins.
	CategoryFields []string
	Severity       *SeverityRule

	// AreaFields name the district, neighborhood or ward column, in order of
	// preference. StatusFields name the case status column. Both are
	// optional.
	AreaFields   []string
	StatusFields []string

	// HashIgnore lists columns excluded from the payload hash.
	HashIgnore []string
}

func (s Schema) formats() []string {
	if len(s.TimeFormats) > 0 {
		return s.TimeFormats
	}
	return defaultTimeFormats
}

// LocalZone is the zone naive Boston timestamps are read in.
func LocalZone() *time.Location {
	return bostonTZ
}

func (s Schema) location() *time.Location {
	if s.Location != nil {
		return s.Location
	}
	return bostonTZ
}

// DefaultSchemas returns the column vocabularies of the Boston open-data
// resources. The 311 schema accepts both the legacy and the current column
// sets.
func DefaultSchemas() map[model.Dataset]Schema {
	return map[model.Dataset]Schema{
		model.Crime: {
			Dataset:        model.Crime,
			IDComposite:    []string{"INCIDENT_NUMBER", "OFFENSE_CODE"},
			TimeFields:     []string{"OCCURRED_ON_DATE"},
			LatField:       "Lat",
			LonField:       "Long",
			PointField:     "Location",
			CategoryFields: []string{"OFFENSE_CODE_GROUP", "OFFENSE_DESCRIPTION"},
			Severity:       &SeverityRule{Field: "SHOOTING", Values: []string{"Y", "1", "true"}},
			AreaFields:     []string{"DISTRICT"},
			HashIgnore:     ckanArtifacts,
		},
		model.ServiceRequest: {
			Dataset:        model.ServiceRequest,
			IDFields:       []string{"case_id", "case_enquiry_id"},
			TimeFields:     []string{"open_date", "open_dt"},
			LatField:       "latitude",
			LonField:       "longitude",
			CategoryFields: []string{"case_topic", "type", "case_title"},
			AreaFields:     []string{"neighborhood", "ward"},
			StatusFields:   []string{"case_status"},
			HashIgnore:     ckanArtifacts,
		},
		model.BuildingViolation: {
			Dataset:        model.BuildingViolation,
			IDFields:       []string{"case_no"},
			TimeFields:     []string{"status_dttm"},
			LatField:       "latitude",
			LonField:       "longitude",
			CategoryFields: []string{"description", "code"},
			Severity:       &SeverityRule{Field: "status", Values: []string{"Open"}},
			AreaFields:     []string{"ward"},
			StatusFields:   []string{"status"},
			HashIgnore:     ckanArtifacts,
		},
		model.FoodInspection: {
			Dataset:        model.FoodInspection,
			IDComposite:    []string{"licenseno", "resultdttm", "violation"},
			TimeFields:     []string{"resultdttm", "violdttm", "statusdate"},
			LatField:       "latitude",
			LonField:       "longitude",
			PointField:     "location",
			CategoryFields: []string{"violdesc", "result"},
			Severity:       &SeverityRule{Field: "viollevel", Values: []string{"***"}},
			AreaFields:     []string{"city"},
			StatusFields:   []string{"violstatus"},
			HashIgnore:     ckanArtifacts,
		},
	}
}
