package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/civicscore/internal/config"
	"github.com/sells-group/civicscore/internal/model"
)

func testMonitoringConfig(webhook string) config.MonitoringConfig {
	return config.MonitoringConfig{
		WebhookURL:           webhook,
		FailureRateThreshold: 0.25,
		RowFailureThreshold:  0.10,
		StaleAfterHours:      48,
		LookbackHours:        24,
		CheckIntervalSecs:    1,
	}
}

func fastAlerter(cfg config.MonitoringConfig) *Alerter {
	a := NewAlerter(cfg)
	a.retry.InitialBackoff = time.Millisecond
	a.retry.MaxBackoff = time.Millisecond
	return a
}

func healthy(ds model.Dataset) DatasetHealth {
	last := now.Add(-time.Hour)
	return DatasetHealth{Dataset: ds, Runs: 1, Complete: 1, LastSuccess: &last, RowsProcessed: 100}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig(""))
	snap := &Snapshot{
		Total: 10, Complete: 9, Failed: 1, FailRate: 0.1,
		Datasets:      []DatasetHealth{healthy(model.Crime), healthy(model.FoodInspection)},
		LookbackHours: 24,
		CollectedAt:   now,
	}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(testMonitoringConfig(""))
	snap := &Snapshot{Total: 4, Complete: 2, Failed: 2, FailRate: 0.5, LookbackHours: 24, CollectedAt: now}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRefreshFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "50.0%")
	assert.Equal(t, now, alerts[0].Timestamp)
}

func TestAlerter_Evaluate_FailureRateNeedsSample(t *testing.T) {
	a := NewAlerter(testMonitoringConfig(""))
	snap := &Snapshot{Total: 2, Complete: 1, Failed: 1, FailRate: 0.5, CollectedAt: now}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_Stale(t *testing.T) {
	a := NewAlerter(testMonitoringConfig(""))
	old := now.Add(-72 * time.Hour)
	snap := &Snapshot{
		Datasets: []DatasetHealth{
			{Dataset: model.Crime, Stale: true, LastSuccess: &old},
			{Dataset: model.ServiceRequest, Stale: true},
		},
		CollectedAt: now,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertDatasetStale, alerts[0].Type)
	assert.Equal(t, "crime", alerts[0].Dataset)
	assert.Contains(t, alerts[0].Message, "72h ago")
	assert.Equal(t, "service_request", alerts[1].Dataset)
	assert.Contains(t, alerts[1].Message, "never refreshed")
}

func TestAlerter_Evaluate_RowFailures(t *testing.T) {
	a := NewAlerter(testMonitoringConfig(""))
	bad := healthy(model.FoodInspection)
	bad.RowsFailed = 30
	bad.RowFailureRate = 0.3
	small := healthy(model.Crime)
	small.RowsProcessed = 10
	small.RowsFailed = 5
	small.RowFailureRate = 0.5

	alerts := a.Evaluate(&Snapshot{Datasets: []DatasetHealth{small, bad}, LookbackHours: 24, CollectedAt: now})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRowFailures, alerts[0].Type)
	assert.Equal(t, "food_inspection", alerts[0].Dataset)
	assert.Contains(t, alerts[0].Message, "30 of 100")
}

func TestAlerter_SendAlerts(t *testing.T) {
	var received []Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		received = append(received, a)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := fastAlerter(testMonitoringConfig(srv.URL))
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertDatasetStale, Severity: "medium", Dataset: "crime", Message: "stale"},
		{Type: AlertRowFailures, Severity: "medium", Dataset: "food_inspection", Message: "rows"},
	})
	assert.Equal(t, 2, sent)
	require.Len(t, received, 2)
	assert.Equal(t, AlertDatasetStale, received[0].Type)
	assert.Equal(t, "food_inspection", received[1].Dataset)
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	a := NewAlerter(testMonitoringConfig(""))
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertDatasetStale}}))
}

func TestAlerter_SendAlerts_RetriesTransient(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := fastAlerter(testMonitoringConfig(srv.URL))
	assert.Equal(t, 1, a.SendAlerts(context.Background(), []Alert{{Type: AlertDatasetStale}}))
	assert.Equal(t, int32(2), hits.Load())
}

func TestAlerter_SendAlerts_ClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	a := fastAlerter(testMonitoringConfig(srv.URL))
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertDatasetStale}}))
	assert.Equal(t, int32(1), hits.Load())
}
