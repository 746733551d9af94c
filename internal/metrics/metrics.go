// Package metrics holds the Prometheus instruments for refreshes and queries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RefreshRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "civicscore_refresh_rows_total",
		Help: "Feed rows processed by refreshes, by outcome",
	}, []string{"dataset", "outcome"})
	RefreshDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "civicscore_refresh_duration_seconds",
		Help:    "Wall time of one dataset refresh",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"dataset"})
	RefreshFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "civicscore_refresh_failures_total",
		Help: "Refreshes that ended with a call-level error",
	}, []string{"dataset"})
	NearbyQueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "civicscore_nearby_queries_total",
		Help: "Proximity queries issued against the store",
	}, []string{"dataset"})
	ScoreRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "civicscore_score_requests_total",
		Help: "Composite score computations requested",
	})
	ScoreCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "civicscore_score_cache_hits_total",
		Help: "Composite scores served from the cache",
	})
	ScoreCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "civicscore_score_cache_misses_total",
		Help: "Composite score cache misses",
	})
)

// Row outcomes used as the outcome label of RefreshRowsTotal.
const (
	OutcomeInserted  = "inserted"
	OutcomeUpdated   = "updated"
	OutcomeUnchanged = "unchanged"
	OutcomeFailed    = "failed"
)

func init() {
	prometheus.MustRegister(RefreshRowsTotal)
	prometheus.MustRegister(RefreshDurationSeconds)
	prometheus.MustRegister(RefreshFailuresTotal)
	prometheus.MustRegister(NearbyQueriesTotal)
	prometheus.MustRegister(ScoreRequestsTotal)
	prometheus.MustRegister(ScoreCacheHitsTotal)
	prometheus.MustRegister(ScoreCacheMissesTotal)
}
