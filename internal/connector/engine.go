package connector

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/civicscore/internal/model"
)

// EngineConfig tunes an Engine.
type EngineConfig struct {
	// Concurrency bounds the datasets refreshed at once. Default 2.
	Concurrency int
	// Lookback is subtracted from the last success to form the watermark,
	// absorbing late-arriving rows.
	Lookback time.Duration
	// Cadences overrides the Daily default per dataset.
	Cadences map[model.Dataset]Cadence
}

// Engine schedules refreshes across datasets and records them in a RefreshLog.
type Engine struct {
	conn  *Connector
	log   RefreshLog
	cfg   EngineConfig
	clock func() time.Time
}

// RunOpts selects what an Engine run refreshes.
type RunOpts struct {
	// Datasets restricts the run; empty selects every dataset.
	Datasets []model.Dataset
	// Full ignores the watermark and pulls everything.
	Full bool
	// Force ignores cadence.
	Force bool
	// Since overrides the computed watermark.
	Since *time.Time
}

// RunResult holds the outcome of one Engine run.
type RunResult struct {
	Reports []*model.RefreshReport
	Skipped []model.Dataset
}

// Failed returns the reports that ended in failure.
func (r *RunResult) Failed() []*model.RefreshReport {
	var out []*model.RefreshReport
	for _, rep := range r.Reports {
		if rep.Status == model.RefreshFailed {
			out = append(out, rep)
		}
	}
	return out
}

// NewEngine creates an Engine.
func NewEngine(conn *Connector, log RefreshLog, cfg EngineConfig) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	return &Engine{conn: conn, log: log, cfg: cfg, clock: time.Now}
}

// WithClock replaces the clock used for cadence decisions.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

func (e *Engine) cadence(ds model.Dataset) Cadence {
	if c, ok := e.cfg.Cadences[ds]; ok {
		return c
	}
	return Daily
}

// Run refreshes the selected datasets that are due. One dataset failing never
// stops the others; its failed report is included in the result.
func (e *Engine) Run(ctx context.Context, opts RunOpts) (*RunResult, error) {
	log := zap.L().With(zap.String("component", "connector.engine"))
	now := e.clock().UTC()

	datasets := opts.Datasets
	if len(datasets) == 0 {
		datasets = model.AllDatasets()
	}
	log.Info("selected datasets", zap.Int("count", len(datasets)))

	reports := make([]*model.RefreshReport, len(datasets))
	skipped := make([]bool, len(datasets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, ds := range datasets {
		g.Go(func() error {
			rep, ran := e.runOne(gctx, ds, now, opts, log.With(zap.String("dataset", ds.String())))
			reports[i] = rep
			skipped[i] = !ran
			return nil
		})
	}
	_ = g.Wait()

	res := &RunResult{}
	for i, ds := range datasets {
		if skipped[i] {
			res.Skipped = append(res.Skipped, ds)
			continue
		}
		res.Reports = append(res.Reports, reports[i])
	}

	log.Info("engine run complete",
		zap.Int("refreshed", len(res.Reports)-len(res.Failed())),
		zap.Int("skipped", len(res.Skipped)),
		zap.Int("failed", len(res.Failed())),
	)
	if err := ctx.Err(); err != nil {
		return res, eris.Wrap(err, "connector: engine run")
	}
	return res, nil
}

// runOne refreshes ds if it is due. It reports false when ds was skipped.
func (e *Engine) runOne(ctx context.Context, ds model.Dataset, now time.Time, opts RunOpts, log *zap.Logger) (*model.RefreshReport, bool) {
	runID := uuid.NewString()

	last, err := e.log.LastSuccess(ctx, ds)
	if err != nil {
		log.Error("read last success", zap.Error(err))
		return &model.RefreshReport{
			RunID:      runID,
			Dataset:    ds,
			StartedAt:  now,
			FinishedAt: now,
			Status:     model.RefreshFailed,
			Error:      err.Error(),
		}, true
	}

	if !opts.Force && !e.cadence(ds).ShouldRun(now, last) {
		log.Debug("skipping (not due)", zap.Timep("last_success", last))
		return nil, false
	}

	since := opts.Since
	if since == nil && !opts.Full && last != nil {
		w := last.Add(-e.cfg.Lookback)
		since = &w
	}

	logID, err := e.log.Start(ctx, runID, ds, since)
	if err != nil {
		log.Error("record refresh start", zap.Error(err))
	}

	rep, refreshErr := e.conn.RefreshRun(ctx, runID, ds, since)
	if logID != 0 {
		record := e.log.Complete
		if refreshErr != nil {
			record = e.log.Fail
		}
		if err := record(context.WithoutCancel(ctx), logID, rep); err != nil {
			log.Error("record refresh outcome", zap.Error(err))
		}
	}
	return rep, true
}
