// Package connector reconciles municipal feeds into the spatial store,
// writing only rows whose payload changed since the last refresh.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/civicscore/internal/feed"
	"github.com/sells-group/civicscore/internal/metrics"
	"github.com/sells-group/civicscore/internal/model"
	"github.com/sells-group/civicscore/internal/normalize"
	"github.com/sells-group/civicscore/internal/spatial"
)

// ErrDuplicateIdentifier marks a row whose id was already accepted earlier in
// the same refresh with a different payload. The first occurrence wins.
var ErrDuplicateIdentifier = eris.New("connector: duplicate identifier")

// Options tunes a Connector.
type Options struct {
	// Timeout bounds one Refresh call, including the wait for the dataset
	// lock. Zero means the caller's context is the only bound.
	Timeout time.Duration
	// BatchSize is the number of normalized rows looked up and written
	// together. Default 500.
	BatchSize int
	// MaxFailureDetails caps RefreshReport.Failures; Failed still counts
	// every failed row. Default 100.
	MaxFailureDetails int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.MaxFailureDetails <= 0 {
		o.MaxFailureDetails = 100
	}
	return o
}

// Connector runs change-detecting refreshes. Refreshes of different datasets
// run in parallel; refreshes of the same dataset are serialized.
type Connector struct {
	feed  feed.Feed
	norm  *normalize.Normalizer
	store spatial.Store
	clock func() time.Time
	opts  Options
	log   *zap.Logger

	mu    sync.Mutex
	locks map[model.Dataset]*semaphore.Weighted
}

// New creates a Connector.
func New(f feed.Feed, n *normalize.Normalizer, s spatial.Store, opts Options) *Connector {
	return &Connector{
		feed:  f,
		norm:  n,
		store: s,
		clock: time.Now,
		opts:  opts.withDefaults(),
		log:   zap.L().With(zap.String("component", "connector")),
		locks: make(map[model.Dataset]*semaphore.Weighted),
	}
}

// WithClock replaces the clock used for report timestamps.
func (c *Connector) WithClock(clock func() time.Time) *Connector {
	c.clock = clock
	return c
}

func (c *Connector) lock(ds model.Dataset) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.locks[ds]
	if !ok {
		sem = semaphore.NewWeighted(1)
		c.locks[ds] = sem
	}
	return sem
}

// Refresh pulls ds from the feed and reconciles it into the store. since is
// a watermark hint; a full pull reconciles the same way.
func (c *Connector) Refresh(ctx context.Context, ds model.Dataset, since *time.Time) (*model.RefreshReport, error) {
	return c.RefreshRun(ctx, uuid.NewString(), ds, since)
}

// RefreshRun is Refresh with a caller-chosen run id.
//
// Row-level normalization failures are counted and skipped. A feed or store
// failure ends the call: the report is marked failed, its counts cover the
// rows written so far and the error is returned alongside it.
func (c *Connector) RefreshRun(ctx context.Context, runID string, ds model.Dataset, since *time.Time) (*model.RefreshReport, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	rep := &model.RefreshReport{
		RunID:     runID,
		Dataset:   ds,
		Since:     since,
		StartedAt: c.clock().UTC(),
	}
	log := c.log.With(zap.String("dataset", ds.String()), zap.String("run_id", runID))

	sem := c.lock(ds)
	if err := sem.Acquire(ctx, 1); err != nil {
		return c.finish(rep, log, feed.Classify(eris.Wrapf(err, "connector: wait for %s refresh", ds)))
	}
	defer sem.Release(1)

	log.Info("refresh started", zap.Timep("since", since))

	fctx, cancelFeed := context.WithCancel(ctx)
	defer cancelFeed()
	rowCh, errCh := c.feed.Fetch(fctx, ds, since)

	b := &batch{}
	// seen maps each id accepted in this call to its payload hash.
	seen := make(map[string]string)
	var storeErr error
	for row := range rowCh {
		rec, err := c.norm.Normalize(ds, row)
		if err != nil {
			c.rowFailed(rep, ds, row, err, log)
			continue
		}
		if hash, dup := seen[rec.ExternalID]; dup {
			if hash != rec.PayloadHash {
				c.rowFailed(rep, ds, row, eris.Wrapf(ErrDuplicateIdentifier, "%s", rec.ExternalID), log)
				continue
			}
			b.repeats++
			continue
		}
		seen[rec.ExternalID] = rec.PayloadHash
		b.add(rec)
		if len(b.recs) >= c.opts.BatchSize {
			if storeErr = c.flush(ctx, rep, b); storeErr != nil {
				break
			}
		}
	}

	if storeErr != nil {
		cancelFeed()
		for range rowCh {
		}
		<-errCh
		return c.finish(rep, log, storeErr)
	}

	feedErr := <-errCh
	if err := c.flush(ctx, rep, b); err != nil {
		if feedErr != nil {
			log.Warn("pending batch dropped after feed failure", zap.Int("rows", len(b.recs)), zap.Error(err))
		} else {
			return c.finish(rep, log, err)
		}
	}
	if feedErr != nil {
		return c.finish(rep, log, feed.Classify(feedErr))
	}
	if cm, ok := c.feed.(feed.Committer); ok {
		cm.Commit(ds)
	}
	return c.finish(rep, log, nil)
}

// batch is the pending set of normalized rows, unique by external id.
// repeats counts rows that repeated an id already accepted in this call with
// an identical payload; they are reported as unchanged and never written.
type batch struct {
	recs    []model.Record
	repeats int
}

func (b *batch) add(rec *model.Record) {
	b.recs = append(b.recs, *rec)
}

func (b *batch) reset() {
	b.recs = b.recs[:0]
	b.repeats = 0
}

// flush classifies the pending rows against the store and writes the ones
// that changed. Counts are applied only once the write succeeds.
func (c *Connector) flush(ctx context.Context, rep *model.RefreshReport, b *batch) error {
	if len(b.recs) == 0 && b.repeats == 0 {
		return nil
	}
	ds := rep.Dataset

	ids := make([]string, 0, len(b.recs))
	for _, rec := range b.recs {
		ids = append(ids, rec.ExternalID)
	}
	existing := map[string]model.Record{}
	if len(ids) > 0 {
		var err error
		if existing, err = c.store.Lookup(ctx, ds, ids); err != nil {
			return eris.Wrapf(err, "connector: lookup %s", ds)
		}
	}

	d := delta{unchanged: b.repeats}
	writes := make([]model.Record, 0, len(b.recs))
	for _, rec := range b.recs {
		old, ok := existing[rec.ExternalID]
		switch {
		case !ok:
			writes = append(writes, rec)
			d.inserted++
		case old.PayloadHash == rec.PayloadHash:
			d.unchanged++
		case !old.OccurredAt.Equal(rec.OccurredAt):
			writes = append(writes, supersede(old, rec.ExternalID), rec)
			d.inserted++
			d.superseded++
		default:
			writes = append(writes, rec)
			d.updated++
		}
	}

	if len(writes) > 0 {
		if err := c.store.UpsertBatch(ctx, writes); err != nil {
			return eris.Wrapf(err, "connector: write %s batch", ds)
		}
	}
	d.apply(rep)
	b.reset()
	return nil
}

// supersede voids old under a derived key so the revised record can take the
// original id. occurred_at is never rewritten in place.
func supersede(old model.Record, by string) model.Record {
	old.ExternalID = SupersededID(old.ExternalID, old.OccurredAt)
	old.Superseded = true
	old.SupersededBy = by
	return old
}

// SupersededID is the key a voided record is stored under.
func SupersededID(id string, occurredAt time.Time) string {
	return fmt.Sprintf("%s@%d", id, occurredAt.Unix())
}

type delta struct {
	inserted, updated, unchanged, superseded int
}

func (d delta) apply(rep *model.RefreshReport) {
	rep.Inserted += d.inserted
	rep.Updated += d.updated
	rep.Unchanged += d.unchanged
	rep.Superseded += d.superseded

	ds := rep.Dataset.String()
	metrics.RefreshRowsTotal.WithLabelValues(ds, metrics.OutcomeInserted).Add(float64(d.inserted))
	metrics.RefreshRowsTotal.WithLabelValues(ds, metrics.OutcomeUpdated).Add(float64(d.updated))
	metrics.RefreshRowsTotal.WithLabelValues(ds, metrics.OutcomeUnchanged).Add(float64(d.unchanged))
}

func (c *Connector) rowFailed(rep *model.RefreshReport, ds model.Dataset, row normalize.RawRow, err error, log *zap.Logger) {
	rep.Failed++
	metrics.RefreshRowsTotal.WithLabelValues(ds.String(), metrics.OutcomeFailed).Inc()

	id := ""
	if schema, ok := c.norm.Schema(ds); ok {
		id = normalize.ExternalID(schema, row)
	}
	reason := "normalize"
	switch {
	case errors.Is(err, normalize.ErrMissingIdentifier):
		reason = "missing identifier"
	case errors.Is(err, normalize.ErrMalformedTimestamp):
		reason = "malformed timestamp"
	case errors.Is(err, ErrDuplicateIdentifier):
		reason = "duplicate identifier"
	}
	if len(rep.Failures) < c.opts.MaxFailureDetails {
		rep.Failures = append(rep.Failures, model.RowFailure{ExternalID: id, Reason: reason})
	}
	log.Warn("row skipped", zap.String("external_id", id), zap.String("reason", reason), zap.Error(err))
}

func (c *Connector) finish(rep *model.RefreshReport, log *zap.Logger, err error) (*model.RefreshReport, error) {
	rep.FinishedAt = c.clock().UTC()
	elapsed := rep.FinishedAt.Sub(rep.StartedAt)
	metrics.RefreshDurationSeconds.WithLabelValues(rep.Dataset.String()).Observe(elapsed.Seconds())

	if err != nil {
		rep.Status = model.RefreshFailed
		rep.Error = err.Error()
		metrics.RefreshFailuresTotal.WithLabelValues(rep.Dataset.String()).Inc()
		log.Error("refresh failed",
			zap.Int("inserted", rep.Inserted),
			zap.Int("updated", rep.Updated),
			zap.Int("unchanged", rep.Unchanged),
			zap.Int("failed", rep.Failed),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return rep, err
	}

	rep.Status = model.RefreshComplete
	log.Info("refresh complete",
		zap.Int("inserted", rep.Inserted),
		zap.Int("updated", rep.Updated),
		zap.Int("unchanged", rep.Unchanged),
		zap.Int("superseded", rep.Superseded),
		zap.Int("failed", rep.Failed),
		zap.Duration("elapsed", elapsed),
	)
	return rep, nil
}
