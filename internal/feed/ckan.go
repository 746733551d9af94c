package feed

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/civicscore/internal/fetcher"
	"github.com/sells-group/civicscore/internal/model"
	"github.com/sells-group/civicscore/internal/normalize"
)

// DefaultCKANBaseURL is the Boston open data CKAN action API.
const DefaultCKANBaseURL = "https://data.boston.gov/api/3/action"

// CKANResource locates one dataset in a CKAN datastore.
type CKANResource struct {
	ResourceID string
	// TimeField is the column used for watermark filtering; empty disables it.
	TimeField string
}

// CKANConfig configures a CKANFeed. Transient page failures are retried by
// the fetcher; the feed itself does not retry.
type CKANConfig struct {
	BaseURL   string
	PageSize  int
	Resources map[model.Dataset]CKANResource
}

// CKANFeed pages through the CKAN datastore_search action, fetching the next
// page only after the consumer has drained the current one.
type CKANFeed struct {
	f   fetcher.Fetcher
	cfg CKANConfig
	log *zap.Logger
}

type ckanResponse struct {
	Success bool `json:"success"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"__type"`
	} `json:"error"`
	Result struct {
		Records []map[string]any `json:"records"`
		Total   int              `json:"total"`
	} `json:"result"`
}

// NewCKANFeed creates a CKANFeed.
func NewCKANFeed(f fetcher.Fetcher, cfg CKANConfig) *CKANFeed {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultCKANBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	return &CKANFeed{
		f:   f,
		cfg: cfg,
		log: zap.L().With(zap.String("component", "feed.ckan")),
	}
}

// Fetch implements Feed.
func (c *CKANFeed) Fetch(ctx context.Context, ds model.Dataset, since *time.Time) (<-chan normalize.RawRow, <-chan error) {
	res, ok := c.cfg.Resources[ds]
	if !ok || res.ResourceID == "" {
		return failed(eris.Wrapf(ErrFeedUnavailable, "no CKAN resource for %s", ds))
	}

	rowCh := make(chan normalize.RawRow, c.cfg.PageSize)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		offset := 0
		for page := 0; ; page++ {
			pageURL := c.pageURL(res, since, offset)
			resp, err := c.fetchPage(ctx, pageURL)
			if err != nil {
				errCh <- Classify(eris.Wrapf(err, "ckan: %s page %d", ds, page))
				return
			}

			for _, rec := range resp.Result.Records {
				if err := send(ctx, rowCh, normalize.RawRow(rec)); err != nil {
					errCh <- Classify(eris.Wrapf(err, "ckan: %s", ds))
					return
				}
			}

			n := len(resp.Result.Records)
			offset += n
			c.log.Debug("page fetched",
				zap.String("dataset", ds.String()),
				zap.Int("page", page),
				zap.Int("records", n),
				zap.Int("total", resp.Result.Total),
			)
			if n < c.cfg.PageSize || (resp.Result.Total > 0 && offset >= resp.Result.Total) {
				return
			}
		}
	}()

	return rowCh, errCh
}

func (c *CKANFeed) pageURL(res CKANResource, since *time.Time, offset int) string {
	if since != nil && res.TimeField != "" {
		sql := fmt.Sprintf(`SELECT * FROM "%s" WHERE "%s" >= '%s' ORDER BY "_id" LIMIT %d OFFSET %d`,
			res.ResourceID, res.TimeField, since.UTC().Format("2006-01-02 15:04:05"), c.cfg.PageSize, offset)
		return c.cfg.BaseURL + "/datastore_search_sql?" + url.Values{"sql": {sql}}.Encode()
	}
	q := url.Values{
		"resource_id": {res.ResourceID},
		"limit":       {strconv.Itoa(c.cfg.PageSize)},
		"offset":      {strconv.Itoa(offset)},
		"sort":        {"_id asc"},
	}
	return c.cfg.BaseURL + "/datastore_search?" + q.Encode()
}

func (c *CKANFeed) fetchPage(ctx context.Context, pageURL string) (*ckanResponse, error) {
	body, err := c.f.Download(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	resp, err := fetcher.DecodeJSONObject[ckanResponse](body)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		msg := "request unsuccessful"
		if resp.Error != nil {
			msg = resp.Error.Type + ": " + resp.Error.Message
		}
		return nil, eris.Errorf("ckan: %s", msg)
	}
	return resp, nil
}
