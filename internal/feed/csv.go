package feed

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/civicscore/internal/fetcher"
	"github.com/sells-group/civicscore/internal/model"
	"github.com/sells-group/civicscore/internal/normalize"
)

// CSVFeed streams full CSV exports. It remembers each export's ETag and
// yields no rows when the portal reports the export unchanged. A new ETag is
// held as pending until Commit, so an export whose rows never reached the
// store is downloaded again on the next pass.
type CSVFeed struct {
	f    fetcher.Fetcher
	urls map[model.Dataset]string
	opts fetcher.CSVOptions
	log  *zap.Logger

	mu      sync.Mutex
	etags   map[model.Dataset]string
	pending map[model.Dataset]string
}

// NewCSVFeed creates a CSVFeed for the given export URLs.
func NewCSVFeed(f fetcher.Fetcher, urls map[model.Dataset]string) *CSVFeed {
	return &CSVFeed{
		f:       f,
		urls:    urls,
		opts:    fetcher.CSVOptions{LazyQuotes: true, TrimSpace: true},
		log:     zap.L().With(zap.String("component", "feed.csv")),
		etags:   make(map[model.Dataset]string),
		pending: make(map[model.Dataset]string),
	}
}

// Fetch implements Feed. since is ignored: exports are always full.
func (c *CSVFeed) Fetch(ctx context.Context, ds model.Dataset, _ *time.Time) (<-chan normalize.RawRow, <-chan error) {
	u, ok := c.urls[ds]
	if !ok || u == "" {
		return failed(eris.Wrapf(ErrFeedUnavailable, "no CSV export for %s", ds))
	}

	c.mu.Lock()
	etag := c.etags[ds]
	delete(c.pending, ds)
	c.mu.Unlock()

	body, newETag, changed, err := c.f.DownloadIfChanged(ctx, u, etag)
	if err != nil {
		return failed(Classify(eris.Wrapf(err, "csv: %s", ds)))
	}
	if !changed {
		c.log.Info("export unchanged", zap.String("dataset", ds.String()), zap.String("etag", etag))
		rowCh := make(chan normalize.RawRow)
		errCh := make(chan error)
		close(rowCh)
		close(errCh)
		return rowCh, errCh
	}

	rowCh := make(chan normalize.RawRow, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)
		defer body.Close() //nolint:errcheck

		csvRows, csvErrs := fetcher.StreamCSV(ctx, body, c.opts)
		for rec := range csvRows {
			row := make(normalize.RawRow, len(rec))
			for k, v := range rec {
				row[k] = v
			}
			if err := send(ctx, rowCh, row); err != nil {
				// Unblock the parser before returning.
				for range csvRows {
				}
				errCh <- Classify(eris.Wrapf(err, "csv: %s", ds))
				return
			}
		}
		if err := <-csvErrs; err != nil {
			errCh <- Classify(eris.Wrapf(err, "csv: %s", ds))
			return
		}

		if newETag != "" {
			c.mu.Lock()
			c.pending[ds] = newETag
			c.mu.Unlock()
		}
	}()

	return rowCh, errCh
}

// Commit implements Committer.
func (c *CSVFeed) Commit(ds model.Dataset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if etag, ok := c.pending[ds]; ok {
		c.etags[ds] = etag
		delete(c.pending, ds)
	}
}
