package connector

import (
	"time"

	"github.com/rotisserie/eris"
)

// Cadence describes how often a dataset should be refreshed.
type Cadence string

const (
	Hourly  Cadence = "hourly"
	Daily   Cadence = "daily"
	Weekly  Cadence = "weekly"
	Monthly Cadence = "monthly"
)

// ParseCadence validates a cadence name. Empty means Daily.
func ParseCadence(s string) (Cadence, error) {
	switch c := Cadence(s); c {
	case "":
		return Daily, nil
	case Hourly, Daily, Weekly, Monthly:
		return c, nil
	default:
		return "", eris.Errorf("connector: unknown cadence %q", s)
	}
}

// ShouldRun reports whether a dataset on cadence c is due at now, given the
// start of its last successful refresh.
func (c Cadence) ShouldRun(now time.Time, lastSuccess *time.Time) bool {
	if lastSuccess == nil {
		return true
	}
	now = now.UTC()
	var boundary time.Time
	switch c {
	case Hourly:
		boundary = now.Truncate(time.Hour)
	case Weekly:
		// Weeks start on Monday.
		weekday := int(now.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		boundary = time.Date(now.Year(), now.Month(), now.Day()-(weekday-1), 0, 0, 0, 0, time.UTC)
	case Monthly:
		boundary = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		boundary = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	return lastSuccess.Before(boundary)
}
