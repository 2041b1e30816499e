package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-go-golems/rebuttal/pkg/insights"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountersAndState(t *testing.T) {
	m := New()
	m.StateChanged("recording")
	m.LinkEvent("turn")
	m.LinkEvent("turn")
	m.TurnPersisted()
	m.AudioChunk(true)
	m.AudioChunk(false)
	m.InsightRequest(insights.OutcomeGenerated, 2*time.Second)
	m.InsightRequest(insights.OutcomeCoalesced, 0)

	require.Equal(t, 2.0, testutil.ToFloat64(m.linkEvents.WithLabelValues("turn")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.turnsPersisted))
	require.Equal(t, 1.0, testutil.ToFloat64(m.orchestratorState.WithLabelValues("recording")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.orchestratorState.WithLabelValues("idle")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.audioChunks.WithLabelValues("dropped")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.insightRequests.WithLabelValues("coalesced")))

	// two instances do not collide on registration
	_ = New()
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.SessionStarted()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "rebuttal_sessions_started_total 1")
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.StateChanged("idle")
	m.TurnPersisted()
	m.InsightRequest(insights.OutcomeFailed, time.Second)
}
