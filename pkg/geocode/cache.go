package geocode

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/civicscore/internal/model"
)

// cacheEntry is the cached form of a lookup. Misses are cached too so
// repeated bad addresses skip the upstream.
type cacheEntry struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Matched bool    `json:"matched"`
}

// Cached wraps a Geocoder with a Redis lookaside cache.
type Cached struct {
	next Geocoder
	rdb  redis.Cmdable
	ttl  time.Duration
}

// NewCached creates a Cached geocoder. ttl <= 0 keeps entries forever.
func NewCached(next Geocoder, rdb redis.Cmdable, ttl time.Duration) *Cached {
	return &Cached{next: next, rdb: rdb, ttl: ttl}
}

// cacheKey returns SHA-256 hex of the normalized address.
func cacheKey(address string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(address), " "))
	h := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("geocode:%x", h)
}

// Geocode implements Geocoder. Cache failures fall through to the upstream.
func (c *Cached) Geocode(ctx context.Context, address string) (model.Point, error) {
	key := cacheKey(address)

	if entry, ok := c.get(ctx, key); ok {
		if !entry.Matched {
			return model.Point{}, eris.Wrapf(ErrNotFound, "geocode: %q (cached)", address)
		}
		return model.Point{Lat: entry.Lat, Lon: entry.Lon}, nil
	}

	p, err := c.next.Geocode(ctx, address)
	switch {
	case err == nil:
		c.set(ctx, key, cacheEntry{Lat: p.Lat, Lon: p.Lon, Matched: true})
	case errors.Is(err, ErrNotFound):
		c.set(ctx, key, cacheEntry{})
	}
	return p, err
}

func (c *Cached) get(ctx context.Context, key string) (cacheEntry, bool) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			zap.L().Warn("geocode: cache read failed", zap.Error(err))
		}
		return cacheEntry{}, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return cacheEntry{}, false
	}
	return entry, true
}

func (c *Cached) set(ctx context.Context, key string, entry cacheEntry) {
	b, err := json.Marshal(entry)
	if err != nil {
		return
	}
	ttl := c.ttl
	if ttl < 0 {
		ttl = 0
	}
	if err := c.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		zap.L().Warn("geocode: cache write failed", zap.Error(err))
	}
}
