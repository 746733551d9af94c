package scoring

import (
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/civicscore/internal/model"
	"github.com/sells-group/civicscore/internal/proximity"
)

var (
	// ErrInvalidWeights is returned when axis weights are negative or do not
	// sum to 1 within weightTolerance.
	ErrInvalidWeights = eris.New("scoring: invalid weights")
	// ErrInvalidCalibration is returned for a missing or non-positive decay constant.
	ErrInvalidCalibration = eris.New("scoring: invalid calibration")
)

const weightTolerance = 1e-6

// Axis is one dimension of the composite score.
type Axis string

const (
	AxisSafety      Axis = "safety"
	AxisHygiene     Axis = "hygiene"
	AxisMaintenance Axis = "maintenance"
)

// Axes returns the axes in presentation order.
func Axes() []Axis {
	return []Axis{AxisSafety, AxisHygiene, AxisMaintenance}
}

// axisRules assigns each dataset to the axis it degrades. Datasets sharing an
// axis have their contributions averaged.
var axisRules = map[model.Dataset]Axis{
	model.Crime:             AxisSafety,
	model.FoodInspection:    AxisHygiene,
	model.BuildingViolation: AxisMaintenance,
	model.ServiceRequest:    AxisMaintenance,
}

// AxisOf returns the axis ds contributes to.
func AxisOf(ds model.Dataset) Axis {
	return axisRules[ds]
}

// Weights are the axis weights of the overall score.
type Weights struct {
	Safety      float64 `json:"safety" yaml:"safety" mapstructure:"safety"`
	Hygiene     float64 `json:"hygiene" yaml:"hygiene" mapstructure:"hygiene"`
	Maintenance float64 `json:"maintenance" yaml:"maintenance" mapstructure:"maintenance"`
}

// Of returns the weight of axis a.
func (w Weights) Of(a Axis) float64 {
	switch a {
	case AxisSafety:
		return w.Safety
	case AxisHygiene:
		return w.Hygiene
	case AxisMaintenance:
		return w.Maintenance
	}
	return 0
}

// Validate checks the weights are non-negative and sum to 1.
func (w Weights) Validate() error {
	sum := 0.0
	for _, a := range Axes() {
		v := w.Of(a)
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return eris.Wrapf(ErrInvalidWeights, "%s weight %v", a, v)
		}
		sum += v
	}
	if math.Abs(sum-1) > weightTolerance {
		return eris.Wrapf(ErrInvalidWeights, "weights sum to %v, want 1", sum)
	}
	return nil
}

// Config parameterizes one Score call.
type Config struct {
	RadiusKm float64 `json:"radius_km"`
	// WindowDays is the look-back window per dataset.
	WindowDays map[model.Dataset]int `json:"window_days"`
	// Calibration is the decay constant k per dataset; larger k tolerates
	// more incidents before the contribution saturates.
	Calibration map[model.Dataset]float64 `json:"calibration"`
	Weights     Weights                   `json:"weights"`
}

// DefaultConfig returns the Boston calibration.
func DefaultConfig() Config {
	return Config{
		RadiusKm: 0.5,
		WindowDays: map[model.Dataset]int{
			model.Crime:             30,
			model.ServiceRequest:    30,
			model.BuildingViolation: 90,
			model.FoodInspection:    365,
		},
		Calibration: map[model.Dataset]float64{
			model.Crime:             25,
			model.ServiceRequest:    40,
			model.BuildingViolation: 10,
			model.FoodInspection:    5,
		},
		Weights: Weights{Safety: 0.5, Hygiene: 0.2, Maintenance: 0.3},
	}
}

// Validate reports the first problem with c, checking weights, radius,
// windows and calibration in that order.
func (c Config) Validate() error {
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	if err := proximity.ValidateRadius(c.RadiusKm); err != nil {
		return err
	}
	for _, ds := range model.AllDatasets() {
		days, ok := c.WindowDays[ds]
		if !ok {
			return eris.Wrapf(proximity.ErrInvalidAge, "no window for %s", ds)
		}
		if err := proximity.ValidateAge(days); err != nil {
			return eris.Wrapf(err, "window for %s", ds)
		}
	}
	for _, ds := range model.AllDatasets() {
		k, ok := c.Calibration[ds]
		if !ok || math.IsNaN(k) || math.IsInf(k, 0) || k <= 0 {
			return eris.Wrapf(ErrInvalidCalibration, "k for %s is %v", ds, k)
		}
	}
	return nil
}

// Contribution maps a weighted incident count onto [0,100) with the decay
// curve 100·(1 − e^(−weighted/k)).
func Contribution(weighted, k float64) float64 {
	if weighted <= 0 {
		return 0
	}
	c := -100 * math.Expm1(-weighted/k)
	if c >= 100 {
		c = math.Nextafter(100, 0)
	}
	return c
}
