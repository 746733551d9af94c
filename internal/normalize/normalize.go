// Package normalize converts raw feed rows into model.Record values using a
// per-dataset Schema.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // zone database for naive municipal timestamps

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/civicscore/internal/model"
)

var (
	// ErrMissingIdentifier is returned when a row has no external id.
	ErrMissingIdentifier = eris.New("normalize: missing external identifier")
	// ErrMalformedTimestamp is returned when a row's timestamp cannot be parsed.
	ErrMalformedTimestamp = eris.New("normalize: malformed timestamp")
)

var bostonTZ = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RawRow is one decoded feed row. Numbers decoded from JSON are kept as
// json.Number so the payload hash sees the source text.
type RawRow map[string]any

// Normalizer maps raw rows to records. It is safe for concurrent use.
type Normalizer struct {
	schemas map[model.Dataset]Schema
}

// New creates a Normalizer. A nil map uses DefaultSchemas.
func New(schemas map[model.Dataset]Schema) *Normalizer {
	if schemas == nil {
		schemas = DefaultSchemas()
	}
	return &Normalizer{schemas: schemas}
}

// Schema returns the schema registered for ds.
func (n *Normalizer) Schema(ds model.Dataset) (Schema, bool) {
	s, ok := n.schemas[ds]
	return s, ok
}

// Normalize converts one raw row. Rows without an id fail with
// ErrMissingIdentifier and rows without a parsable timestamp fail with
// ErrMalformedTimestamp. Bad coordinates are not an error: the record is
// returned without a location.
func (n *Normalizer) Normalize(ds model.Dataset, row RawRow) (*model.Record, error) {
	schema, ok := n.schemas[ds]
	if !ok {
		return nil, eris.Errorf("normalize: no schema for dataset %s", ds)
	}

	id := ExternalID(schema, row)
	if id == "" {
		return nil, eris.Wrapf(ErrMissingIdentifier, "normalize: %s row", ds)
	}

	occurred, err := occurredAt(schema, row)
	if err != nil {
		return nil, eris.Wrapf(err, "normalize: %s %s", ds, id)
	}

	rec := &model.Record{
		Dataset:     ds,
		ExternalID:  id,
		OccurredAt:  occurred,
		Location:    location(schema, row),
		Category:    category(schema, row),
		Severe:      schema.Severity.Match(row),
		Area:        CleanCategory(firstValue(row, schema.AreaFields)),
		Status:      CleanCategory(firstValue(row, schema.StatusFields)),
		PayloadHash: PayloadHash(row, schema.HashIgnore),
	}
	return rec, nil
}

// ExternalID extracts the stable source identifier, or "" when absent.
func ExternalID(schema Schema, row RawRow) string {
	if len(schema.IDComposite) > 0 {
		parts := make([]string, len(schema.IDComposite))
		for i, f := range schema.IDComposite {
			parts[i] = stringValue(lookup(row, f))
		}
		if parts[0] == "" {
			return ""
		}
		return strings.Join(parts, "|")
	}
	return firstValue(row, schema.IDFields)
}

func occurredAt(schema Schema, row RawRow) (time.Time, error) {
	raw := firstValue(row, schema.TimeFields)
	if raw == "" {
		return time.Time{}, eris.Wrap(ErrMalformedTimestamp, "empty timestamp")
	}
	loc := schema.location()
	for _, layout := range schema.formats() {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, eris.Wrapf(ErrMalformedTimestamp, "unparsable timestamp %q", raw)
}

func location(schema Schema, row RawRow) *model.Point {
	if schema.LatField != "" && schema.LonField != "" {
		lat, latOK := floatValue(lookup(row, schema.LatField))
		lon, lonOK := floatValue(lookup(row, schema.LonField))
		if latOK && lonOK {
			p := model.Point{Lat: lat, Lon: lon}
			if p.Valid() {
				return &p
			}
			return nil
		}
	}
	if schema.PointField != "" {
		if p, ok := parsePointText(stringValue(lookup(row, schema.PointField))); ok {
			return &p
		}
	}
	return nil
}

// parsePointText reads "(lat, lon)" as published in several Boston resources.
func parsePointText(s string) (model.Point, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	lat, lon, ok := strings.Cut(s, ",")
	if !ok {
		return model.Point{}, false
	}
	la, err1 := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	lo, err2 := strconv.ParseFloat(strings.TrimSpace(lon), 64)
	if err1 != nil || err2 != nil {
		return model.Point{}, false
	}
	p := model.Point{Lat: la, Lon: lo}
	return p, p.Valid()
}

func category(schema Schema, row RawRow) string {
	return CleanCategory(firstValue(row, schema.CategoryFields))
}

// CleanCategory trims, collapses internal whitespace and applies NFC so that
// visually identical labels compare equal.
func CleanCategory(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// PayloadHash returns a hex SHA-256 over a canonical encoding of row. Keys are
// sorted at every level so column order never affects the hash.
func PayloadHash(row RawRow, ignore []string) string {
	canon := make(map[string]any, len(row))
	for k, v := range row {
		if ignored(k, ignore) {
			continue
		}
		canon[k] = v
	}
	b, err := json.Marshal(canon)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", canon))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func ignored(key string, ignore []string) bool {
	for _, i := range ignore {
		if strings.EqualFold(key, i) {
			return true
		}
	}
	return false
}

// lookup finds field by exact name, then case-insensitively.
func lookup(row RawRow, field string) any {
	if v, ok := row[field]; ok {
		return v
	}
	for k, v := range row {
		if strings.EqualFold(k, field) {
			return v
		}
	}
	return nil
}

func firstValue(row RawRow, fields []string) string {
	for _, f := range fields {
		if v := stringValue(lookup(row, f)); v != "" {
			return v
		}
	}
	return ""
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func floatValue(v any) (float64, bool) {
	s := stringValue(v)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
