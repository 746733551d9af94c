// Package feed provides lazy, single-pass row sequences from municipal open
// data portals. A Fetch call is one pass; restarting means calling it again.
package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/civicscore/internal/model"
	"github.com/sells-group/civicscore/internal/normalize"
)

var (
	// ErrFeedUnavailable means the upstream could not deliver the feed.
	ErrFeedUnavailable = eris.New("feed: unavailable")
	// ErrFeedTimeout means the fetch exceeded the caller's deadline.
	ErrFeedTimeout = eris.New("feed: timeout")
)

// Feed streams raw rows for a dataset. Rows arrive on the first channel; at
// most one error arrives on the second. Both channels are closed when the
// pass ends. since is a watermark hint; feeds that cannot filter ignore it.
type Feed interface {
	Fetch(ctx context.Context, ds model.Dataset, since *time.Time) (<-chan normalize.RawRow, <-chan error)
}

// Committer is implemented by feeds that keep per-dataset progress, such as
// an export ETag. Commit is called only after the rows of the last Fetch for
// ds were stored; until then the next Fetch starts from the old state.
type Committer interface {
	Commit(ds model.Dataset)
}

// Classify maps a fetch failure onto ErrFeedTimeout or ErrFeedUnavailable,
// keeping the cause in the message.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrFeedTimeout) || errors.Is(err, ErrFeedUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return eris.Wrapf(ErrFeedTimeout, "%v", err)
	}
	return eris.Wrapf(ErrFeedUnavailable, "%v", err)
}

// failed returns a closed row channel and an error channel carrying err.
func failed(err error) (<-chan normalize.RawRow, <-chan error) {
	rowCh := make(chan normalize.RawRow)
	errCh := make(chan error, 1)
	close(rowCh)
	errCh <- err
	close(errCh)
	return rowCh, errCh
}

// send delivers row unless ctx ends first.
func send(ctx context.Context, rowCh chan<- normalize.RawRow, row normalize.RawRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case rowCh <- row:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sources routes each dataset to the feed configured for it.
type Sources struct {
	mu    sync.RWMutex
	feeds map[model.Dataset]Feed
}

// NewSources creates an empty Sources.
func NewSources() *Sources {
	return &Sources{feeds: make(map[model.Dataset]Feed)}
}

// Register assigns f to ds, replacing any previous feed.
func (s *Sources) Register(ds model.Dataset, f Feed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds[ds] = f
}

// Datasets returns the datasets with a registered feed in canonical order.
func (s *Sources) Datasets() []model.Dataset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Dataset
	for _, ds := range model.AllDatasets() {
		if _, ok := s.feeds[ds]; ok {
			out = append(out, ds)
		}
	}
	return out
}

// Fetch implements Feed.
func (s *Sources) Fetch(ctx context.Context, ds model.Dataset, since *time.Time) (<-chan normalize.RawRow, <-chan error) {
	s.mu.RLock()
	f, ok := s.feeds[ds]
	s.mu.RUnlock()
	if !ok {
		return failed(eris.Wrapf(ErrFeedUnavailable, "no feed configured for %s", ds))
	}
	return f.Fetch(ctx, ds, since)
}

// Commit forwards to the feed registered for ds when it is a Committer.
func (s *Sources) Commit(ds model.Dataset) {
	s.mu.RLock()
	f := s.feeds[ds]
	s.mu.RUnlock()
	if cm, ok := f.(Committer); ok {
		cm.Commit(ds)
	}
}
