package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Dataset identifies one of the municipal source feeds.
type Dataset int

const (
	// Crime covers police incident reports.
	Crime Dataset = iota + 1
	// ServiceRequest covers 311 constituent requests.
	ServiceRequest
	// BuildingViolation covers code enforcement cases.
	BuildingViolation
	// FoodInspection covers restaurant health inspection results.
	FoodInspection
)

// String returns the canonical dataset name.
func (d Dataset) String() string {
	switch d {
	case Crime:
		return "crime"
	case ServiceRequest:
		return "service_request"
	case BuildingViolation:
		return "building_violation"
	case FoodInspection:
		return "food_inspection"
	default:
		return "unknown"
	}
}

// ParseDataset converts a canonical name or common alias into a Dataset.
func ParseDataset(s string) (Dataset, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "crime", "crimes", "incidents":
		return Crime, nil
	case "service_request", "service-request", "service_requests", "311":
		return ServiceRequest, nil
	case "building_violation", "building-violation", "building_violations", "violations":
		return BuildingViolation, nil
	case "food_inspection", "food-inspection", "food_inspections", "food":
		return FoodInspection, nil
	default:
		return 0, eris.Errorf("model: unknown dataset %q", s)
	}
}

// AllDatasets returns every dataset in canonical order.
func AllDatasets() []Dataset {
	return []Dataset{Crime, ServiceRequest, BuildingViolation, FoodInspection}
}

// MarshalText implements encoding.TextMarshaler so datasets can key JSON maps.
func (d Dataset) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Dataset) UnmarshalText(b []byte) error {
	parsed, err := ParseDataset(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
