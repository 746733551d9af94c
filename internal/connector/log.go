package connector

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/civicscore/internal/db"
	"github.com/sells-group/civicscore/internal/model"
)

// LogEntry is one recorded refresh run.
type LogEntry struct {
	ID         int64               `json:"id"`
	RunID      string              `json:"run_id"`
	Dataset    model.Dataset       `json:"dataset"`
	Status     model.RefreshStatus `json:"status"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Since      *time.Time          `json:"since,omitempty"`
	Inserted   int                 `json:"inserted"`
	Updated    int                 `json:"updated"`
	Unchanged  int                 `json:"unchanged"`
	Superseded int                 `json:"superseded"`
	Failed     int                 `json:"failed"`
	Error      string              `json:"error,omitempty"`
}

// ListFilter narrows RefreshLog.List. Zero values select everything.
type ListFilter struct {
	Dataset *model.Dataset
	Limit   int
}

// RefreshLog records refresh runs and answers watermark queries.
type RefreshLog interface {
	// LastSuccess returns the start time of the latest complete run of ds,
	// or nil if there has been none.
	LastSuccess(ctx context.Context, ds model.Dataset) (*time.Time, error)
	// Start records a running refresh and returns its log id.
	Start(ctx context.Context, runID string, ds model.Dataset, since *time.Time) (int64, error)
	// Complete records the report of a successful run.
	Complete(ctx context.Context, id int64, rep *model.RefreshReport) error
	// Fail records the report of a failed run.
	Fail(ctx context.Context, id int64, rep *model.RefreshReport) error
	// List returns runs newest first.
	List(ctx context.Context, f ListFilter) ([]LogEntry, error)
}

// PostgresLog is a RefreshLog backed by civic.refresh_log.
type PostgresLog struct {
	pool db.Pool
}

// NewPostgresLog creates a PostgresLog.
func NewPostgresLog(pool db.Pool) *PostgresLog {
	return &PostgresLog{pool: pool}
}

// LastSuccess implements RefreshLog.
func (l *PostgresLog) LastSuccess(ctx context.Context, ds model.Dataset) (*time.Time, error) {
	var t time.Time
	err := l.pool.QueryRow(ctx,
		`SELECT started_at FROM civic.refresh_log
		 WHERE dataset = $1 AND status = 'complete'
		 ORDER BY started_at DESC LIMIT 1`,
		ds.String(),
	).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "refresh log: last success for %s", ds)
	}
	return &t, nil
}

// Start implements RefreshLog.
func (l *PostgresLog) Start(ctx context.Context, runID string, ds model.Dataset, since *time.Time) (int64, error) {
	var id int64
	err := l.pool.QueryRow(ctx,
		`INSERT INTO civic.refresh_log (run_id, dataset, status, started_at, since)
		 VALUES ($1, $2, 'running', now(), $3) RETURNING id`,
		runID, ds.String(), since,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "refresh log: start %s", ds)
	}
	return id, nil
}

// Complete implements RefreshLog.
func (l *PostgresLog) Complete(ctx context.Context, id int64, rep *model.RefreshReport) error {
	return l.finish(ctx, id, model.RefreshComplete, rep)
}

// Fail implements RefreshLog.
func (l *PostgresLog) Fail(ctx context.Context, id int64, rep *model.RefreshReport) error {
	return l.finish(ctx, id, model.RefreshFailed, rep)
}

func (l *PostgresLog) finish(ctx context.Context, id int64, status model.RefreshStatus, rep *model.RefreshReport) error {
	reportJSON, err := json.Marshal(rep)
	if err != nil {
		return eris.Wrap(err, "refresh log: marshal report")
	}
	var errMsg *string
	if rep.Error != "" {
		errMsg = &rep.Error
	}

	_, err = l.pool.Exec(ctx,
		`UPDATE civic.refresh_log
		 SET status = $1, finished_at = now(), inserted = $2, updated = $3, unchanged = $4,
		     superseded = $5, failed = $6, error = $7, report = $8
		 WHERE id = $9`,
		string(status), rep.Inserted, rep.Updated, rep.Unchanged,
		rep.Superseded, rep.Failed, errMsg, reportJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "refresh log: %s run %d", status, id)
	}
	return nil
}

// List implements RefreshLog.
func (l *PostgresLog) List(ctx context.Context, f ListFilter) ([]LogEntry, error) {
	var dsName *string
	if f.Dataset != nil {
		name := f.Dataset.String()
		dsName = &name
	}
	var limit *int
	if f.Limit > 0 {
		limit = &f.Limit
	}

	rows, err := l.pool.Query(ctx,
		`SELECT id, run_id::text, dataset, status, started_at, finished_at, since,
		        inserted, updated, unchanged, superseded, failed, error
		 FROM civic.refresh_log
		 WHERE ($1::text IS NULL OR dataset = $1)
		 ORDER BY started_at DESC, id DESC
		 LIMIT $2`,
		dsName, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "refresh log: list")
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var (
			e       LogEntry
			dataset string
			status  string
			errStr  *string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &dataset, &status, &e.StartedAt, &e.FinishedAt, &e.Since,
			&e.Inserted, &e.Updated, &e.Unchanged, &e.Superseded, &e.Failed, &errStr); err != nil {
			return nil, eris.Wrap(err, "refresh log: scan entry")
		}
		ds, err := model.ParseDataset(dataset)
		if err != nil {
			return nil, eris.Wrapf(err, "refresh log: entry %d", e.ID)
		}
		e.Dataset = ds
		e.Status = model.RefreshStatus(status)
		if errStr != nil {
			e.Error = *errStr
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MemoryLog is a process-local RefreshLog.
type MemoryLog struct {
	mu      sync.Mutex
	now     func() time.Time
	nextID  int64
	entries []LogEntry
}

// NewMemoryLog creates an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{now: time.Now}
}

// WithClock replaces the clock used for start and finish times.
func (l *MemoryLog) WithClock(clock func() time.Time) *MemoryLog {
	l.now = clock
	return l
}

// LastSuccess implements RefreshLog.
func (l *MemoryLog) LastSuccess(_ context.Context, ds model.Dataset) (*time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var last *time.Time
	for _, e := range l.entries {
		if e.Dataset != ds || e.Status != model.RefreshComplete {
			continue
		}
		if last == nil || e.StartedAt.After(*last) {
			t := e.StartedAt
			last = &t
		}
	}
	return last, nil
}

// Start implements RefreshLog.
func (l *MemoryLog) Start(_ context.Context, runID string, ds model.Dataset, since *time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.entries = append(l.entries, LogEntry{
		ID:        l.nextID,
		RunID:     runID,
		Dataset:   ds,
		Status:    model.RefreshRunning,
		StartedAt: l.now().UTC(),
		Since:     since,
	})
	return l.nextID, nil
}

// Complete implements RefreshLog.
func (l *MemoryLog) Complete(_ context.Context, id int64, rep *model.RefreshReport) error {
	return l.finish(id, model.RefreshComplete, rep)
}

// Fail implements RefreshLog.
func (l *MemoryLog) Fail(_ context.Context, id int64, rep *model.RefreshReport) error {
	return l.finish(id, model.RefreshFailed, rep)
}

func (l *MemoryLog) finish(id int64, status model.RefreshStatus, rep *model.RefreshReport) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		e := &l.entries[i]
		if e.ID != id {
			continue
		}
		finished := l.now().UTC()
		e.Status = status
		e.FinishedAt = &finished
		e.Inserted = rep.Inserted
		e.Updated = rep.Updated
		e.Unchanged = rep.Unchanged
		e.Superseded = rep.Superseded
		e.Failed = rep.Failed
		e.Error = rep.Error
		return nil
	}
	return eris.Errorf("refresh log: no run %d", id)
}

// List implements RefreshLog.
func (l *MemoryLog) List(_ context.Context, f ListFilter) ([]LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []LogEntry
	for _, e := range l.entries {
		if f.Dataset != nil && e.Dataset != *f.Dataset {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
