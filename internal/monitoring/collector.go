// Package monitoring watches refresh health and raises webhook alerts when
// datasets fail, go stale, or reject too many rows.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/civicscore/internal/connector"
	"github.com/sells-group/civicscore/internal/model"
)

// historyLimit bounds how many refresh log entries one collection reads.
const historyLimit = 5000

// DatasetHealth summarises one dataset's refresh history.
type DatasetHealth struct {
	Dataset     model.Dataset `json:"dataset"`
	Runs        int           `json:"runs"`
	Complete    int           `json:"complete"`
	Failed      int           `json:"failed"`
	Running     int           `json:"running"`
	LastSuccess *time.Time    `json:"last_success,omitempty"`
	Stale       bool          `json:"stale"`

	RowsProcessed  int     `json:"rows_processed"`
	RowsFailed     int     `json:"rows_failed"`
	RowFailureRate float64 `json:"row_failure_rate"`

	Records int64 `json:"records"`
}

// Snapshot holds a point-in-time view of refresh health. Run counts cover
// the lookback window; LastSuccess and Stale look at the whole history read.
type Snapshot struct {
	Total    int     `json:"total"`
	Complete int     `json:"complete"`
	Failed   int     `json:"failed"`
	Running  int     `json:"running"`
	FailRate float64 `json:"fail_rate"`

	Datasets []DatasetHealth `json:"datasets"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Dataset returns the health entry for ds.
func (s *Snapshot) Dataset(ds model.Dataset) (DatasetHealth, bool) {
	for _, h := range s.Datasets {
		if h.Dataset == ds {
			return h, true
		}
	}
	return DatasetHealth{}, false
}

// RunLister is the part of connector.RefreshLog the collector reads.
type RunLister interface {
	List(ctx context.Context, f connector.ListFilter) ([]connector.LogEntry, error)
}

// RecordCounter reports stored record counts; spatial.Store satisfies it.
type RecordCounter interface {
	Count(ctx context.Context, ds model.Dataset, since *time.Time) (int64, error)
}

// Collector builds snapshots from the refresh log and, optionally, the store.
type Collector struct {
	runs       RunLister
	counter    RecordCounter
	datasets   []model.Dataset
	staleAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a Collector over datasets. counter may be nil. A
// dataset is stale when it has no complete run within staleAfter.
func NewCollector(runs RunLister, counter RecordCounter, datasets []model.Dataset, staleAfter time.Duration) *Collector {
	if len(datasets) == 0 {
		datasets = model.AllDatasets()
	}
	return &Collector{
		runs:       runs,
		counter:    counter,
		datasets:   datasets,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// WithClock replaces the collector's time source.
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.now = now
	return c
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	entries, err := c.runs.List(ctx, connector.ListFilter{Limit: historyLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list refresh runs")
	}

	byDataset := make(map[model.Dataset]*DatasetHealth, len(c.datasets))
	for _, ds := range c.datasets {
		byDataset[ds] = &DatasetHealth{Dataset: ds}
	}

	for _, e := range entries {
		h, ok := byDataset[e.Dataset]
		if !ok {
			continue
		}
		if e.Status == model.RefreshComplete && (h.LastSuccess == nil || e.StartedAt.After(*h.LastSuccess)) {
			t := e.StartedAt
			h.LastSuccess = &t
		}
		if e.StartedAt.Before(cutoff) {
			continue
		}

		h.Runs++
		snap.Total++
		switch e.Status {
		case model.RefreshComplete:
			h.Complete++
			snap.Complete++
		case model.RefreshFailed:
			h.Failed++
			snap.Failed++
		case model.RefreshRunning:
			h.Running++
			snap.Running++
		}
		h.RowsProcessed += e.Inserted + e.Updated + e.Unchanged + e.Failed
		h.RowsFailed += e.Failed
	}

	if finished := snap.Complete + snap.Failed; finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}

	for _, ds := range c.datasets {
		h := byDataset[ds]
		if h.RowsProcessed > 0 {
			h.RowFailureRate = float64(h.RowsFailed) / float64(h.RowsProcessed)
		}
		h.Stale = h.LastSuccess == nil || (c.staleAfter > 0 && now.Sub(*h.LastSuccess) > c.staleAfter)

		if c.counter != nil {
			n, err := c.counter.Count(ctx, ds, nil)
			if err != nil {
				return nil, eris.Wrapf(err, "monitoring: count %s records", ds)
			}
			h.Records = n
		}
		snap.Datasets = append(snap.Datasets, *h)
	}

	return snap, nil
}
