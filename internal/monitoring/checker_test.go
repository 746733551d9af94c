package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/civicscore/internal/config"
	"github.com/sells-group/civicscore/internal/connector"
	"github.com/sells-group/civicscore/internal/model"
)

func TestChecker_CheckSendsAlerts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := testMonitoringConfig(srv.URL)
	collector := NewCollector(connector.NewMemoryLog(), nil, []model.Dataset{model.Crime}, 48*time.Hour).
		WithClock(func() time.Time { return now })
	checker := NewChecker(collector, fastAlerter(cfg), cfg)

	alerts := checker.Check(context.Background())
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDatasetStale, alerts[0].Type)
	assert.Equal(t, int32(1), hits.Load())
}

func TestChecker_CheckCollectError(t *testing.T) {
	cfg := testMonitoringConfig("")
	checker := NewChecker(NewCollector(failingLister{}, nil, nil, time.Hour), NewAlerter(cfg), cfg)
	assert.Nil(t, checker.Check(context.Background()))
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := testMonitoringConfig("")
	collector := NewCollector(connector.NewMemoryLog(), nil, nil, time.Hour)
	checker := NewChecker(collector, NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	collector := NewCollector(connector.NewMemoryLog(), nil, nil, time.Hour)
	checker := NewChecker(collector, NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	require.NotNil(t, checker)

	// A cancelled context returns before the first check.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}
