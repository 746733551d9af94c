package connector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/civicscore/internal/model"
)

const sqliteLogSchema = `
CREATE TABLE IF NOT EXISTS refresh_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	dataset     TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	since       INTEGER,
	inserted    INTEGER NOT NULL DEFAULT 0,
	updated     INTEGER NOT NULL DEFAULT 0,
	unchanged   INTEGER NOT NULL DEFAULT 0,
	superseded  INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	error       TEXT,
	report      TEXT
);

CREATE INDEX IF NOT EXISTS idx_refresh_log_dataset ON refresh_log(dataset, status, started_at);
`

// SQLiteLog is a RefreshLog kept in the refresh_log table of a SQLite
// database, normally the one behind spatial.SQLiteStore. Times are stored as
// unix nanoseconds.
type SQLiteLog struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteLog ensures the refresh_log table exists and returns a log on it.
func NewSQLiteLog(ctx context.Context, db *sql.DB) (*SQLiteLog, error) {
	if _, err := db.ExecContext(ctx, sqliteLogSchema); err != nil {
		return nil, eris.Wrap(err, "refresh log: sqlite migrate")
	}
	return &SQLiteLog{db: db, now: time.Now}, nil
}

// WithClock replaces the clock used for start and finish times.
func (l *SQLiteLog) WithClock(clock func() time.Time) *SQLiteLog {
	l.now = clock
	return l
}

// LastSuccess implements RefreshLog.
func (l *SQLiteLog) LastSuccess(ctx context.Context, ds model.Dataset) (*time.Time, error) {
	var nanos int64
	err := l.db.QueryRowContext(ctx,
		`SELECT started_at FROM refresh_log
		 WHERE dataset = ? AND status = 'complete'
		 ORDER BY started_at DESC LIMIT 1`,
		ds.String(),
	).Scan(&nanos)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "refresh log: last success for %s", ds)
	}
	t := time.Unix(0, nanos).UTC()
	return &t, nil
}

// Start implements RefreshLog.
func (l *SQLiteLog) Start(ctx context.Context, runID string, ds model.Dataset, since *time.Time) (int64, error) {
	var sinceNanos *int64
	if since != nil {
		n := since.UnixNano()
		sinceNanos = &n
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO refresh_log (run_id, dataset, status, started_at, since)
		 VALUES (?, ?, 'running', ?, ?)`,
		runID, ds.String(), l.now().UnixNano(), sinceNanos,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "refresh log: start %s", ds)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, eris.Wrapf(err, "refresh log: start %s", ds)
	}
	return id, nil
}

// Complete implements RefreshLog.
func (l *SQLiteLog) Complete(ctx context.Context, id int64, rep *model.RefreshReport) error {
	return l.finish(ctx, id, model.RefreshComplete, rep)
}

// Fail implements RefreshLog.
func (l *SQLiteLog) Fail(ctx context.Context, id int64, rep *model.RefreshReport) error {
	return l.finish(ctx, id, model.RefreshFailed, rep)
}

func (l *SQLiteLog) finish(ctx context.Context, id int64, status model.RefreshStatus, rep *model.RefreshReport) error {
	reportJSON, err := json.Marshal(rep)
	if err != nil {
		return eris.Wrap(err, "refresh log: marshal report")
	}
	var errMsg *string
	if rep.Error != "" {
		errMsg = &rep.Error
	}

	res, err := l.db.ExecContext(ctx,
		`UPDATE refresh_log
		 SET status = ?, finished_at = ?, inserted = ?, updated = ?, unchanged = ?,
		     superseded = ?, failed = ?, error = ?, report = ?
		 WHERE id = ?`,
		string(status), l.now().UnixNano(), rep.Inserted, rep.Updated, rep.Unchanged,
		rep.Superseded, rep.Failed, errMsg, string(reportJSON), id,
	)
	if err != nil {
		return eris.Wrapf(err, "refresh log: %s run %d", status, id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return eris.Errorf("refresh log: no run %d", id)
	}
	return nil
}

// List implements RefreshLog.
func (l *SQLiteLog) List(ctx context.Context, f ListFilter) ([]LogEntry, error) {
	var dsName *string
	if f.Dataset != nil {
		name := f.Dataset.String()
		dsName = &name
	}
	// A negative LIMIT means no limit in SQLite.
	limit := -1
	if f.Limit > 0 {
		limit = f.Limit
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, run_id, dataset, status, started_at, finished_at, since,
		        inserted, updated, unchanged, superseded, failed, error
		 FROM refresh_log
		 WHERE (? IS NULL OR dataset = ?)
		 ORDER BY started_at DESC, id DESC
		 LIMIT ?`,
		dsName, dsName, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "refresh log: list")
	}
	defer rows.Close() //nolint:errcheck

	var entries []LogEntry
	for rows.Next() {
		var (
			e               LogEntry
			dataset, status string
			startedAt       int64
			finishedAt      sql.NullInt64
			since           sql.NullInt64
			errStr          sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.RunID, &dataset, &status, &startedAt, &finishedAt, &since,
			&e.Inserted, &e.Updated, &e.Unchanged, &e.Superseded, &e.Failed, &errStr); err != nil {
			return nil, eris.Wrap(err, "refresh log: scan entry")
		}
		ds, err := model.ParseDataset(dataset)
		if err != nil {
			return nil, eris.Wrapf(err, "refresh log: entry %d", e.ID)
		}
		e.Dataset = ds
		e.Status = model.RefreshStatus(status)
		e.StartedAt = time.Unix(0, startedAt).UTC()
		if finishedAt.Valid {
			t := time.Unix(0, finishedAt.Int64).UTC()
			e.FinishedAt = &t
		}
		if since.Valid {
			t := time.Unix(0, since.Int64).UTC()
			e.Since = &t
		}
		e.Error = errStr.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
