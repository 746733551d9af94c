package fetcher

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectRows(t *testing.T, rowCh <-chan map[string]string, errCh <-chan error) ([]map[string]string, error) {
	t.Helper()
	var rows []map[string]string
	for row := range rowCh {
		rows = append(rows, row)
	}
	for err := range errCh {
		if err != nil {
			return rows, err
		}
	}
	return rows, nil
}

func TestStreamCSV_HeaderKeyedRows(t *testing.T) {
	input := "case_no,status_dttm,description\nV1,2024-01-02 10:00:00,Unsafe structure\nV2,2024-01-03 11:00:00,Failure to register\n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, map[string]string{
		"case_no":     "V1",
		"status_dttm": "2024-01-02 10:00:00",
		"description": "Unsafe structure",
	}, rows[0])
	assert.Equal(t, "V2", rows[1]["case_no"])
}

func TestStreamCSV_PipeDelimited(t *testing.T) {
	input := "a|b\n1|2\n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{Delimiter: '|'})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2", rows[0]["b"])
}

func TestStreamCSV_BOMAndTrim(t *testing.T) {
	input := "\ufeffid , name\n 7 ,  Elm St  \n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{TrimSpace: true})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "7", rows[0]["id"])
	assert.Equal(t, "Elm St", rows[0]["name"])
}

func TestStreamCSV_RaggedRows(t *testing.T) {
	input := "a,b,c\n1,2\n1,2,3,4\n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	_, ok := rows[0]["c"]
	assert.False(t, ok)
	assert.Len(t, rows[1], 3)
}

func TestStreamCSV_HeaderOnly(t *testing.T) {
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader("a,b\n"), CSVOptions{})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestStreamCSV_MalformedQuote(t *testing.T) {
	input := "a,b\n\"unterminated,2\n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{})
	_, err := collectRows(t, rowCh, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "csv: read row")
}

func TestStreamCSV_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rowCh, errCh := StreamCSV(ctx, strings.NewReader("a\n1\n2\n"), CSVOptions{})
	_, err := collectRows(t, rowCh, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context cancelled")
}
