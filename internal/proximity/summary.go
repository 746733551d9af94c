package proximity

import (
	"context"
	"sort"
	"time"

	"github.com/sells-group/civicscore/internal/model"
)

// topCategoryLimit bounds Summary.TopCategories.
const topCategoryLimit = 5

// CategoryCount is the number of matches sharing one category.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// LabelCount is the number of matches sharing one area or status.
type LabelCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Summary aggregates the matches of a query. ByHour and ByWeekday are
// bucketed in the engine's local zone; ByWeekday is indexed by time.Weekday.
type Summary struct {
	Dataset       model.Dataset   `json:"dataset"`
	RadiusKm      float64         `json:"radius_km"`
	MaxAgeDays    int             `json:"max_age_days"`
	Total         int             `json:"total"`
	Severe        int             `json:"severe"`
	Earliest      *time.Time      `json:"earliest,omitempty"`
	Latest        *time.Time      `json:"latest,omitempty"`
	TopCategories []CategoryCount `json:"top_categories"`
	ByArea        []LabelCount    `json:"by_area"`
	ByStatus      []LabelCount    `json:"by_status"`
	ByHour        [24]int         `json:"by_hour"`
	ByWeekday     [7]int          `json:"by_weekday"`
}

// Summarize aggregates the records matching q. Limit is ignored.
func (e *Engine) Summarize(ctx context.Context, q Query) (*Summary, error) {
	q.Limit = 0
	recs, err := e.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	s := Summarize(recs, e.loc)
	s.Dataset = q.Dataset
	s.RadiusKm = q.RadiusKm
	s.MaxAgeDays = q.MaxAgeDays
	return s, nil
}

// Summarize aggregates recs, which must already be in Nearby order. A nil
// loc buckets hours and weekdays in UTC.
func Summarize(recs []model.Record, loc *time.Location) *Summary {
	s := &Summary{
		Total:         len(recs),
		TopCategories: []CategoryCount{},
		ByArea:        []LabelCount{},
		ByStatus:      []LabelCount{},
	}
	if len(recs) == 0 {
		return s
	}
	if loc == nil {
		loc = time.UTC
	}

	latest := recs[0].OccurredAt
	earliest := recs[len(recs)-1].OccurredAt
	s.Latest = &latest
	s.Earliest = &earliest

	counts := make(map[string]int)
	areas := make(map[string]int)
	statuses := make(map[string]int)
	for _, rec := range recs {
		if rec.Severe {
			s.Severe++
		}
		cat := rec.Category
		if cat == "" {
			cat = "(uncategorized)"
		}
		counts[cat]++
		areas[rec.Area]++
		statuses[rec.Status]++

		local := rec.OccurredAt.In(loc)
		s.ByHour[local.Hour()]++
		s.ByWeekday[local.Weekday()]++
	}

	for cat, n := range counts {
		s.TopCategories = append(s.TopCategories, CategoryCount{Category: cat, Count: n})
	}
	sort.Slice(s.TopCategories, func(i, j int) bool {
		a, b := s.TopCategories[i], s.TopCategories[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Category < b.Category
	})
	if len(s.TopCategories) > topCategoryLimit {
		s.TopCategories = s.TopCategories[:topCategoryLimit]
	}

	s.ByArea = labelCounts(areas)
	s.ByStatus = labelCounts(statuses)
	return s
}

// labelCounts orders counts by count descending then label. A dataset that
// never carries the field yields an empty slice.
func labelCounts(counts map[string]int) []LabelCount {
	out := []LabelCount{}
	if len(counts) == 1 {
		if _, blank := counts[""]; blank {
			return out
		}
	}
	for label, n := range counts {
		if label == "" {
			label = "(unknown)"
		}
		out = append(out, LabelCount{Label: label, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	return out
}
