package connector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/civicscore/internal/model"
)

func TestPostgresLog_LastSuccessNone(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT started_at FROM civic.refresh_log").
		WithArgs("crime").
		WillReturnError(pgx.ErrNoRows)

	last, err := NewPostgresLog(mock).LastSuccess(context.Background(), model.Crime)
	require.NoError(t, err)
	assert.Nil(t, last)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLog_LastSuccess(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT started_at FROM civic.refresh_log").
		WithArgs("food_inspection").
		WillReturnRows(pgxmock.NewRows([]string{"started_at"}).AddRow(start))

	last, err := NewPostgresLog(mock).LastSuccess(context.Background(), model.FoodInspection)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(start))
}

func TestPostgresLog_LastSuccessError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT started_at").WillReturnError(errors.New("conn closed"))

	_, err = NewPostgresLog(mock).LastSuccess(context.Background(), model.Crime)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conn closed")
}

func TestPostgresLog_StartAndComplete(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	since := start.Add(-time.Hour)
	mock.ExpectQuery("INSERT INTO civic.refresh_log").
		WithArgs("6f1c2b9e-0000-4000-8000-000000000001", "crime", &since).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("UPDATE civic.refresh_log").
		WithArgs("complete", 3, 1, 2, 0, 1, (*string)(nil), pgxmock.AnyArg(), int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	l := NewPostgresLog(mock)
	id, err := l.Start(context.Background(), "6f1c2b9e-0000-4000-8000-000000000001", model.Crime, &since)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	err = l.Complete(context.Background(), id, &model.RefreshReport{
		Dataset: model.Crime, Inserted: 3, Updated: 1, Unchanged: 2, Failed: 1,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLog_Fail(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	msg := "feed: timeout"
	mock.ExpectExec("UPDATE civic.refresh_log").
		WithArgs("failed", 0, 0, 0, 0, 0, &msg, pgxmock.AnyArg(), int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = NewPostgresLog(mock).Fail(context.Background(), 9, &model.RefreshReport{Error: msg})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLog_List(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	finished := start.Add(time.Minute)
	errMsg := "feed: unavailable"
	cols := []string{
		"id", "run_id", "dataset", "status", "started_at", "finished_at", "since",
		"inserted", "updated", "unchanged", "superseded", "failed", "error",
	}
	mock.ExpectQuery("SELECT id, run_id::text, dataset, status").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(int64(2), "run-2", "crime", "failed", start, &finished, (*time.Time)(nil), 0, 0, 0, 0, 0, &errMsg).
			AddRow(int64(1), "run-1", "crime", "complete", start.Add(-time.Hour), &finished, (*time.Time)(nil), 4, 1, 0, 0, 0, (*string)(nil)))

	crime := model.Crime
	entries, err := NewPostgresLog(mock).List(context.Background(), ListFilter{Dataset: &crime, Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.RefreshFailed, entries[0].Status)
	assert.Equal(t, "feed: unavailable", entries[0].Error)
	assert.Equal(t, model.Crime, entries[1].Dataset)
	assert.Equal(t, 4, entries[1].Inserted)
	assert.Empty(t, entries[1].Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLog_ListUnknownDataset(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{
		"id", "run_id", "dataset", "status", "started_at", "finished_at", "since",
		"inserted", "updated", "unchanged", "superseded", "failed", "error",
	}
	mock.ExpectQuery("SELECT id").
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(int64(1), "run-1", "parking", "complete", start, (*time.Time)(nil), (*time.Time)(nil), 0, 0, 0, 0, 0, (*string)(nil)))

	_, err = NewPostgresLog(mock).List(context.Background(), ListFilter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown dataset")
}

func TestMemoryLog(t *testing.T) {
	now := start
	l := NewMemoryLog().WithClock(func() time.Time { return now })
	ctx := context.Background()

	last, err := l.LastSuccess(ctx, model.Crime)
	require.NoError(t, err)
	assert.Nil(t, last)

	id1, err := l.Start(ctx, "r1", model.Crime, nil)
	require.NoError(t, err)
	require.NoError(t, l.Complete(ctx, id1, &model.RefreshReport{Inserted: 2}))

	now = start.Add(time.Hour)
	id2, err := l.Start(ctx, "r2", model.Crime, nil)
	require.NoError(t, err)
	require.NoError(t, l.Fail(ctx, id2, &model.RefreshReport{Error: "boom"}))

	now = start.Add(2 * time.Hour)
	_, err = l.Start(ctx, "r3", model.ServiceRequest, nil)
	require.NoError(t, err)

	last, err = l.LastSuccess(ctx, model.Crime)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(start), "failed runs do not move the watermark")

	all, err := l.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r3", all[0].RunID)
	assert.Equal(t, model.RefreshRunning, all[0].Status)
	assert.Nil(t, all[0].FinishedAt)

	limited, err := l.List(ctx, ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	crime := model.Crime
	crimes, err := l.List(ctx, ListFilter{Dataset: &crime})
	require.NoError(t, err)
	require.Len(t, crimes, 2)
	assert.Equal(t, "boom", crimes[0].Error)
	assert.Equal(t, 2, crimes[1].Inserted)

	assert.Error(t, l.Complete(ctx, 99, &model.RefreshReport{}))
}
