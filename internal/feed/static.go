package feed

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/civicscore/internal/model"
	"github.com/sells-group/civicscore/internal/normalize"
)

// StaticFeed serves fixed rows per dataset, for fixtures and offline loads.
type StaticFeed struct {
	rows map[model.Dataset][]normalize.RawRow
}

// NewStaticFeed creates a StaticFeed.
func NewStaticFeed(rows map[model.Dataset][]normalize.RawRow) *StaticFeed {
	return &StaticFeed{rows: rows}
}

// LoadFixture reads a JSON object mapping dataset names to arrays of rows.
func LoadFixture(path string) (*StaticFeed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "feed: open fixture %s", path)
	}
	defer f.Close() //nolint:errcheck

	dec := json.NewDecoder(f)
	dec.UseNumber()
	var raw map[string][]normalize.RawRow
	if err := dec.Decode(&raw); err != nil {
		return nil, eris.Wrapf(err, "feed: decode fixture %s", path)
	}

	rows := make(map[model.Dataset][]normalize.RawRow, len(raw))
	for name, rs := range raw {
		ds, err := model.ParseDataset(name)
		if err != nil {
			return nil, eris.Wrapf(err, "feed: fixture %s", path)
		}
		rows[ds] = append(rows[ds], rs...)
	}
	return NewStaticFeed(rows), nil
}

// Datasets returns the datasets present in the feed in canonical order.
func (s *StaticFeed) Datasets() []model.Dataset {
	var out []model.Dataset
	for _, ds := range model.AllDatasets() {
		if _, ok := s.rows[ds]; ok {
			out = append(out, ds)
		}
	}
	return out
}

// Fetch implements Feed.
func (s *StaticFeed) Fetch(ctx context.Context, ds model.Dataset, _ *time.Time) (<-chan normalize.RawRow, <-chan error) {
	rows := s.rows[ds]
	rowCh := make(chan normalize.RawRow)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)
		for _, row := range rows {
			if err := send(ctx, rowCh, row); err != nil {
				errCh <- Classify(err)
				return
			}
		}
	}()

	return rowCh, errCh
}
