package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/civicscore/internal/config"
	"github.com/sells-group/civicscore/internal/connector"
	"github.com/sells-group/civicscore/internal/db"
	"github.com/sells-group/civicscore/internal/feed"
	"github.com/sells-group/civicscore/internal/fetcher"
	"github.com/sells-group/civicscore/internal/model"
	"github.com/sells-group/civicscore/internal/scoring"
	"github.com/sells-group/civicscore/internal/spatial"
	"github.com/sells-group/civicscore/pkg/geocode"
)

// geocodeCacheTTL keeps address lookups for a month.
const geocodeCacheTTL = 30 * 24 * time.Hour

// backend bundles the record store with the refresh log that lives beside it.
type backend struct {
	store spatial.Store
	runs  connector.RefreshLog
	pool  db.Pool
}

func (b *backend) Close() {
	if err := b.store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

// openBackend opens the store selected by store.driver. Postgres keeps the
// refresh log in civic.refresh_log and SQLite in a refresh_log table of the
// same file; the memory driver keeps it for the life of the process.
func openBackend(ctx context.Context, c *config.Config) (*backend, error) {
	switch c.Store.Driver {
	case "postgres":
		pool, err := db.Connect(ctx, c.Store.DatabaseURL, &db.PoolConfig{MaxConns: c.Store.MaxConns})
		if err != nil {
			return nil, eris.Wrap(err, "open postgres store")
		}
		return &backend{
			store: spatial.NewPostgresStore(pool, pool.Close),
			runs:  connector.NewPostgresLog(pool),
			pool:  pool,
		}, nil
	case "sqlite":
		st, err := spatial.NewSQLiteStore(ctx, c.Store.SQLitePath)
		if err != nil {
			return nil, eris.Wrap(err, "open sqlite store")
		}
		runs, err := connector.NewSQLiteLog(ctx, st.DB())
		if err != nil {
			st.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "open sqlite refresh log")
		}
		return &backend{store: st, runs: runs}, nil
	case "memory":
		return &backend{store: spatial.NewMemoryStore(), runs: connector.NewMemoryLog()}, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// buildFeeds routes every configured dataset to its feed. A fixture path
// replaces the network feeds entirely.
func buildFeeds(c *config.Config) (*feed.Sources, map[model.Dataset]connector.Cadence, error) {
	sources := feed.NewSources()
	cadences := make(map[model.Dataset]connector.Cadence)

	ckanRes := make(map[model.Dataset]feed.CKANResource)
	csvURLs := make(map[model.Dataset]string)
	for name, src := range c.Feeds.Sources {
		ds, err := model.ParseDataset(name)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "feeds.sources.%s", name)
		}
		cad, err := connector.ParseCadence(src.Cadence)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "feeds.sources.%s", name)
		}
		cadences[ds] = cad

		switch src.Format {
		case "ckan", "":
			ckanRes[ds] = feed.CKANResource{ResourceID: src.ResourceID, TimeField: src.TimeField}
		case "csv":
			csvURLs[ds] = src.URL
		default:
			return nil, nil, eris.Errorf("feeds.sources.%s: unknown format %q", name, src.Format)
		}
	}

	if c.Feeds.FixturePath != "" {
		static, err := feed.LoadFixture(c.Feeds.FixturePath)
		if err != nil {
			return nil, nil, err
		}
		for _, ds := range static.Datasets() {
			sources.Register(ds, static)
		}
		return sources, cadences, nil
	}

	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:  c.Feeds.UserAgent,
		Timeout:    time.Duration(c.Feeds.TimeoutSecs) * time.Second,
		MaxRetries: c.Feeds.MaxRetries,
	})
	if len(ckanRes) > 0 {
		ckan := feed.NewCKANFeed(f, feed.CKANConfig{
			BaseURL:   c.Feeds.BaseURL,
			PageSize:  c.Feeds.PageSize,
			Resources: ckanRes,
		})
		for ds := range ckanRes {
			sources.Register(ds, ckan)
		}
	}
	if len(csvURLs) > 0 {
		csv := feed.NewCSVFeed(f, csvURLs)
		for ds := range csvURLs {
			sources.Register(ds, csv)
		}
	}
	return sources, cadences, nil
}

// scoringConfig overlays the configured scoring section on the defaults and
// validates the result.
func scoringConfig(sc config.ScoringConfig) (scoring.Config, error) {
	out := scoring.DefaultConfig()
	out.RadiusKm = sc.RadiusKm
	for name, days := range sc.WindowDays {
		ds, err := model.ParseDataset(name)
		if err != nil {
			return scoring.Config{}, eris.Wrapf(err, "scoring.window_days.%s", name)
		}
		out.WindowDays[ds] = days
	}
	for name, k := range sc.Calibration {
		ds, err := model.ParseDataset(name)
		if err != nil {
			return scoring.Config{}, eris.Wrapf(err, "scoring.calibration.%s", name)
		}
		out.Calibration[ds] = k
	}
	out.Weights = scoring.Weights{
		Safety:      sc.Weights.Safety,
		Hygiene:     sc.Weights.Hygiene,
		Maintenance: sc.Weights.Maintenance,
	}
	if err := out.Validate(); err != nil {
		return scoring.Config{}, err
	}
	return out, nil
}

// redisClient returns a client when redis.addr is configured, or nil.
func redisClient(c *config.Config) *redis.Client {
	if c.Redis.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
}

// newGeocoder builds the Census geocoder, cached in Redis when available.
func newGeocoder(c *config.Config, rdb redis.Cmdable) geocode.Geocoder {
	var g geocode.Geocoder = geocode.NewCensusClient(
		geocode.WithBaseURL(c.Geocode.BaseURL),
		geocode.WithBenchmark(c.Geocode.Benchmark),
		geocode.WithRateLimit(c.Geocode.RateLimit),
	)
	if rdb != nil {
		g = geocode.NewCached(g, rdb, geocodeCacheTTL)
	}
	return g
}
