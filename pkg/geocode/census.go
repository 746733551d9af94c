package geocode

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/civicscore/internal/model"
)

const (
	defaultCensusBaseURL   = "https://geocoding.geo.census.gov/geocoder"
	defaultCensusBenchmark = "Public_AR_Current"
)

// CensusClient geocodes through the US Census one-line address API.
type CensusClient struct {
	httpClient *http.Client
	baseURL    string
	benchmark  string
	limiter    *rate.Limiter
}

// censusOneLineResponse is the JSON response from the Census single-address API.
type censusOneLineResponse struct {
	Result struct {
		AddressMatches []censusAddressMatch `json:"addressMatches"`
	} `json:"result"`
	Errors []string `json:"errors"`
}

type censusAddressMatch struct {
	Coordinates struct {
		X float64 `json:"x"` // longitude
		Y float64 `json:"y"` // latitude
	} `json:"coordinates"`
	MatchedAddress string `json:"matchedAddress"`
}

// Geocode implements Geocoder. The first match wins.
func (c *CensusClient) Geocode(ctx context.Context, address string) (model.Point, error) {
	address = strings.Join(strings.Fields(address), " ")
	if address == "" {
		return model.Point{}, eris.Wrap(ErrNotFound, "geocode: empty address")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return model.Point{}, eris.Wrap(err, "geocode: census rate limit")
	}

	params := url.Values{
		"address":   {address},
		"benchmark": {c.benchmark},
		"format":    {"json"},
	}
	reqURL := strings.TrimRight(c.baseURL, "/") + "/locations/onelineaddress?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return model.Point{}, eris.Wrap(err, "geocode: census build request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.Point{}, eris.Wrap(err, "geocode: census request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return model.Point{}, eris.Errorf("geocode: census returned status %d", resp.StatusCode)
	}

	var censusResp censusOneLineResponse
	if err := json.NewDecoder(resp.Body).Decode(&censusResp); err != nil {
		return model.Point{}, eris.Wrap(err, "geocode: census parse response")
	}
	if len(censusResp.Errors) > 0 {
		return model.Point{}, eris.Errorf("geocode: census: %s", strings.Join(censusResp.Errors, "; "))
	}
	if len(censusResp.Result.AddressMatches) == 0 {
		return model.Point{}, eris.Wrapf(ErrNotFound, "geocode: %q", address)
	}

	match := censusResp.Result.AddressMatches[0]
	p := model.Point{Lat: match.Coordinates.Y, Lon: match.Coordinates.X}
	if !p.Valid() {
		return model.Point{}, eris.Errorf("geocode: census returned invalid coordinates for %q", address)
	}
	return p, nil
}
