// Package geocode resolves street addresses to WGS-84 points.
package geocode

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/civicscore/internal/model"
)

// ErrNotFound is returned when the geocoder has no match for an address.
var ErrNotFound = eris.New("geocode: address not found")

// Geocoder turns a free-form address into a point.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (model.Point, error)
}

// Option configures a CensusClient.
type Option func(*CensusClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *CensusClient) {
		c.httpClient = hc
	}
}

// WithBaseURL points the client at another geocoder deployment.
func WithBaseURL(u string) Option {
	return func(c *CensusClient) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithBenchmark selects the Census address benchmark.
func WithBenchmark(b string) Option {
	return func(c *CensusClient) {
		if b != "" {
			c.benchmark = b
		}
	}
}

// WithRateLimit sets the requests-per-second rate limit.
func WithRateLimit(rps float64) Option {
	return func(c *CensusClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// NewCensusClient creates a CensusClient with the given options.
func NewCensusClient(opts ...Option) *CensusClient {
	c := &CensusClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    defaultCensusBaseURL,
		benchmark:  defaultCensusBenchmark,
		limiter:    rate.NewLimiter(5, 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
