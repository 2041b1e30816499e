// Package metrics exposes prometheus collectors for the recording pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-go-golems/rebuttal/pkg/insights"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var states = []string{"idle", "starting", "recording", "stopping", "error"}

// Metrics holds every collector on its own registry so several instances can coexist
// in one process (tests, embedded servers).
type Metrics struct {
	registry *prometheus.Registry

	linkEvents         *prometheus.CounterVec
	audioChunks        *prometheus.CounterVec
	turnsPersisted     prometheus.Counter
	turnAppendFailures prometheus.Counter
	insightRequests    *prometheus.CounterVec
	insightDuration    prometheus.Histogram
	insightsReceived   prometheus.Counter
	orchestratorState  *prometheus.GaugeVec
	stateTransitions   *prometheus.CounterVec
	sessionsStarted    prometheus.Counter
}

var _ insights.Observer = &Metrics{}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{
		registry: reg,
		linkEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rebuttal_link_events_total",
			Help: "Transcription link events processed, by type",
		}, []string{"type"}),
		audioChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rebuttal_audio_chunks_total",
			Help: "Audio chunks offered to the orchestrator, by result",
		}, []string{"result"}),
		turnsPersisted: factory.NewCounter(prometheus.CounterOpts{
			Name: "rebuttal_turns_persisted_total",
			Help: "Finalized turns written to the ledger",
		}),
		turnAppendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "rebuttal_turn_append_failures_total",
			Help: "Finalized turns that could not be written to the ledger",
		}),
		insightRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rebuttal_insight_requests_total",
			Help: "Insight pipeline requests, by outcome",
		}, []string{"outcome"}),
		insightDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rebuttal_insight_request_duration_seconds",
			Help:    "Insight pipeline round trip time",
			Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
		insightsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "rebuttal_insights_received_total",
			Help: "Insight notifications applied to the live view",
		}),
		orchestratorState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rebuttal_orchestrator_state",
			Help: "1 for the orchestrator's current state, 0 otherwise",
		}, []string{"state"}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rebuttal_orchestrator_transitions_total",
			Help: "Orchestrator state transitions, by target state",
		}, []string{"to"}),
		sessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "rebuttal_sessions_started_total",
			Help: "Sessions created by the orchestrator",
		}),
	}
	m.setState("idle")
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) setState(state string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.orchestratorState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) StateChanged(to string) {
	if m == nil {
		return
	}
	m.setState(to)
	m.stateTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
}

func (m *Metrics) LinkEvent(kind string) {
	if m == nil {
		return
	}
	m.linkEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) AudioChunk(forwarded bool) {
	if m == nil {
		return
	}
	if forwarded {
		m.audioChunks.WithLabelValues("forwarded").Inc()
		return
	}
	m.audioChunks.WithLabelValues("dropped").Inc()
}

func (m *Metrics) TurnPersisted() {
	if m == nil {
		return
	}
	m.turnsPersisted.Inc()
}

func (m *Metrics) TurnAppendFailed() {
	if m == nil {
		return
	}
	m.turnAppendFailures.Inc()
}

func (m *Metrics) InsightReceived() {
	if m == nil {
		return
	}
	m.insightsReceived.Inc()
}

func (m *Metrics) InsightRequest(outcome insights.Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.insightRequests.WithLabelValues(string(outcome)).Inc()
	if outcome != insights.OutcomeCoalesced {
		m.insightDuration.Observe(elapsed.Seconds())
	}
}
