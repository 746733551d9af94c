package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/civicscore/internal/connector"
	"github.com/sells-group/civicscore/internal/model"
)

func TestFormatStatusEntries(t *testing.T) {
	start := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	finish := start.Add(90 * time.Second)

	entries := []connector.LogEntry{
		{
			ID: 2, Dataset: model.BuildingViolation, Status: model.RefreshRunning,
			StartedAt: start.Add(time.Hour),
		},
		{
			ID: 1, Dataset: model.Crime, Status: model.RefreshFailed,
			StartedAt: start, FinishedAt: &finish,
			Inserted: 10, Updated: 2, Failed: 1,
			Error: strings.Repeat("x", 100),
		},
	}

	var buf bytes.Buffer
	formatStatusEntries(&buf, entries)
	out := buf.String()

	assert.Contains(t, out, "DATASET")
	assert.Contains(t, out, "building_violation")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "2026-03-01 07:00")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, strings.Repeat("x", 57)+"...")
	assert.NotContains(t, out, strings.Repeat("x", 61))

	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 4)
}

func TestFormatCounts(t *testing.T) {
	var buf bytes.Buffer
	formatCounts(&buf, map[model.Dataset]int64{
		model.Crime:          1200,
		model.FoodInspection: 45,
	})
	out := buf.String()

	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 5)
	assert.Contains(t, lines[1], "crime")
	assert.Contains(t, lines[1], "1200")
	assert.Contains(t, lines[2], "service_request")
	assert.Contains(t, lines[2], "0")
	assert.Contains(t, lines[4], "food_inspection")
	assert.Contains(t, lines[4], "45")
}
