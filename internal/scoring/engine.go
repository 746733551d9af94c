// Package scoring turns nearby incident counts into a composite [0,100]
// livability score across safety, hygiene and maintenance axes.
package scoring

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/civicscore/internal/metrics"
	"github.com/sells-group/civicscore/internal/model"
	"github.com/sells-group/civicscore/internal/proximity"
)

// Nearby is the proximity capability the engine scores from.
type Nearby interface {
	Nearby(ctx context.Context, ds model.Dataset, point model.Point, radiusKm float64, maxAgeDays int) ([]model.Record, error)
}

// CompositeScore is the result of one Score call. Axis and overall values are
// rounded to one decimal and clamped to [0,100].
type CompositeScore struct {
	Point       model.Point `json:"point"`
	Safety      float64     `json:"safety"`
	Hygiene     float64     `json:"hygiene"`
	Maintenance float64     `json:"maintenance"`
	Overall     float64     `json:"overall"`
	// RawCounts are unweighted match counts.
	RawCounts      map[model.Dataset]int     `json:"raw_counts"`
	WeightedCounts map[model.Dataset]float64 `json:"weighted_counts"`
	Contributions  map[model.Dataset]float64 `json:"contributions"`
	ComputedAt     time.Time                 `json:"computed_at"`
}

// Axis returns the score of axis a.
func (s *CompositeScore) Axis(a Axis) float64 {
	switch a {
	case AxisSafety:
		return s.Safety
	case AxisHygiene:
		return s.Hygiene
	case AxisMaintenance:
		return s.Maintenance
	}
	return 0
}

// Engine computes composite scores.
type Engine struct {
	nearby   Nearby
	clock    proximity.Clock
	cache    Cache
	cacheTTL time.Duration
	log      *zap.Logger
}

// NewEngine creates an Engine without a cache. A nil clock falls back to time.Now.
func NewEngine(nearby Nearby, clock proximity.Clock) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		nearby: nearby,
		clock:  clock,
		log:    zap.L().With(zap.String("component", "scoring.engine")),
	}
}

// WithCache makes the engine consult c before querying. Cache failures are
// logged and otherwise ignored.
func (e *Engine) WithCache(c Cache, ttl time.Duration) *Engine {
	e.cache = c
	e.cacheTTL = ttl
	return e
}

type datasetResult struct {
	raw      int
	weighted float64
}

// Score computes the composite score at point. Configuration errors are
// returned before any store access; a failed query fails the whole call.
func (e *Engine) Score(ctx context.Context, point model.Point, cfg Config) (*CompositeScore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !point.Valid() {
		return nil, eris.Wrapf(proximity.ErrInvalidPoint, "(%v, %v)", point.Lat, point.Lon)
	}
	metrics.ScoreRequestsTotal.Inc()

	key := cacheKey(point, cfg)
	if cached := e.lookup(ctx, key); cached != nil {
		return cached, nil
	}

	var mu sync.Mutex
	results := make(map[model.Dataset]datasetResult, len(axisRules))

	g, gctx := errgroup.WithContext(ctx)
	for _, ds := range model.AllDatasets() {
		g.Go(func() error {
			recs, err := e.nearby.Nearby(gctx, ds, point, cfg.RadiusKm, cfg.WindowDays[ds])
			if err != nil {
				return eris.Wrapf(err, "scoring: %s", ds)
			}
			var r datasetResult
			for _, rec := range recs {
				r.raw++
				r.weighted += rec.Weight()
			}
			mu.Lock()
			results[ds] = r
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s := compose(point, cfg, results)
	s.ComputedAt = e.clock().UTC()

	e.log.Debug("score computed",
		zap.Float64("lat", point.Lat),
		zap.Float64("lon", point.Lon),
		zap.Float64("overall", s.Overall),
	)
	e.store(ctx, key, s)
	return s, nil
}

// compose applies the decay curve and axis rules to per-dataset counts.
func compose(point model.Point, cfg Config, results map[model.Dataset]datasetResult) *CompositeScore {
	s := &CompositeScore{
		Point:          point,
		RawCounts:      make(map[model.Dataset]int, len(results)),
		WeightedCounts: make(map[model.Dataset]float64, len(results)),
		Contributions:  make(map[model.Dataset]float64, len(results)),
	}

	axisSum := make(map[Axis]float64)
	axisN := make(map[Axis]int)
	for _, ds := range model.AllDatasets() {
		r := results[ds]
		c := Contribution(r.weighted, cfg.Calibration[ds])
		s.RawCounts[ds] = r.raw
		s.WeightedCounts[ds] = r.weighted
		s.Contributions[ds] = round1(c)

		a := AxisOf(ds)
		axisSum[a] += c
		axisN[a]++
	}

	axis := make(map[Axis]float64, len(axisSum))
	overall := 0.0
	for _, a := range Axes() {
		v := 100.0
		if axisN[a] > 0 {
			v = 100 - axisSum[a]/float64(axisN[a])
		}
		axis[a] = v
		overall += cfg.Weights.Of(a) * v
	}

	s.Safety = clampRound(axis[AxisSafety])
	s.Hygiene = clampRound(axis[AxisHygiene])
	s.Maintenance = clampRound(axis[AxisMaintenance])
	s.Overall = clampRound(overall)
	return s
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func clampRound(v float64) float64 {
	return min(max(round1(v), 0), 100)
}

func (e *Engine) lookup(ctx context.Context, key string) *CompositeScore {
	if e.cache == nil {
		return nil
	}
	s, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.log.Warn("score cache read failed", zap.Error(err))
		return nil
	}
	if !ok {
		metrics.ScoreCacheMissesTotal.Inc()
		return nil
	}
	metrics.ScoreCacheHitsTotal.Inc()
	return s
}

func (e *Engine) store(ctx context.Context, key string, s *CompositeScore) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Set(ctx, key, s, e.cacheTTL); err != nil {
		e.log.Warn("score cache write failed", zap.Error(err))
	}
}

// cacheKey digests the point (to ~0.1 m) and the full configuration.
func cacheKey(point model.Point, cfg Config) string {
	payload, _ := json.Marshal(struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
		Cfg Config  `json:"cfg"`
	}{
		Lat: math.Round(point.Lat*1e6) / 1e6,
		Lon: math.Round(point.Lon*1e6) / 1e6,
		Cfg: cfg,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
