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

	"github.com/sells-group/scale-ingest/internal/config"
	"github.com/sells-group/scale-ingest/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	st := newTestStore(t)
	checker := NewChecker(NewReader(st, 0), NewSweeper(st, 0), NewAlerter(config.MonitoringConfig{}), 10*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	// Let it tick a few times then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_Defaults(t *testing.T) {
	st := newTestStore(t)
	checker := NewChecker(NewReader(st, 0), nil, NewAlerter(config.MonitoringConfig{}), 0, 0)
	assert.Equal(t, 5*time.Minute, checker.interval)
	assert.Equal(t, 24*time.Hour, checker.lookback)

	// Start and immediately cancel to verify it doesn't panic.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckAlertsOnStuckFiles(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	st := newTestStore(t)
	seedStore(t, st)
	alerter := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL, FailureRateThreshold: 0.2})

	// Without a sweeper the stuck file stays and raises an alert.
	sent := NewChecker(NewReader(st, 30*time.Minute), nil, alerter, time.Hour, 24*time.Hour).Check(context.Background())
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_CheckSweepsFirst(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
	}))
	defer ts.Close()

	st := newTestStore(t)
	fx := seedStore(t, st)
	alerter := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL, FailureRateThreshold: 0.2})

	sent := NewChecker(NewReader(st, 30*time.Minute), NewSweeper(st, 30*time.Minute), alerter, time.Hour, 24*time.Hour).
		Check(context.Background())
	assert.Equal(t, 0, sent)
	assert.Zero(t, received.Load())

	f, err := st.GetFile(context.Background(), fx.stuck)
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusFailed, f.Status)
}
