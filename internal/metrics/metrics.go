// Package metrics holds the Prometheus instruments for cortexlive.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cortexlive"

// Metrics groups all Prometheus instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SessionState        *prometheus.GaugeVec
	SessionAttempts     *prometheus.CounterVec
	StaleDiscarded      prometheus.Counter
	NegotiationFailures *prometheus.CounterVec
	TimeToLive          prometheus.Histogram
	SpeakRelays         *prometheus.CounterVec
	ChunksEmitted       prometheus.Counter
	ChunkResults        *prometheus.CounterVec
	BackendRequests     *prometheus.HistogramVec
	EventSubscribers    prometheus.Gauge
}

// New creates the instruments on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SessionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current session state, 0 otherwise.",
		}, []string{"state"}),
		SessionAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_attempts_total",
			Help:      "Session start attempts by outcome.",
		}, []string{"outcome"}),
		StaleDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_results_discarded_total",
			Help:      "Results of superseded attempts that were discarded.",
		}),
		NegotiationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiation_failures_total",
			Help:      "Negotiation failures by stage.",
		}, []string{"stage"}),
		TimeToLive: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_live_ms",
			Help:      "Time from start request to live in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 3000, 5000, 8000, 13000},
		}),
		SpeakRelays: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speak_relays_total",
			Help:      "Speak relays by outcome.",
		}, []string{"outcome"}),
		ChunksEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_chunks_total",
			Help:      "Audio chunks emitted by the recorder.",
		}),
		ChunkResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_chunk_results_total",
			Help:      "Transcription results by outcome.",
		}, []string{"outcome"}),
		BackendRequests: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Backend call latency by call and HTTP status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"call", "code"}),
		EventSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_stream_subscribers",
			Help:      "Connected event stream clients.",
		}),
	}
}

// Registry returns the registry backing these instruments
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetSessionState marks state as the only active state
func (m *Metrics) SetSessionState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(s).Set(v)
	}
}

// ObserveAttempt counts a finished start attempt
func (m *Metrics) ObserveAttempt(outcome string) {
	if m == nil {
		return
	}
	m.SessionAttempts.WithLabelValues(outcome).Inc()
}

// ObserveStale counts a discarded stale result
func (m *Metrics) ObserveStale() {
	if m == nil {
		return
	}
	m.StaleDiscarded.Inc()
}

// ObserveNegotiationFailure counts a failure at stage
func (m *Metrics) ObserveNegotiationFailure(stage string) {
	if m == nil {
		return
	}
	m.NegotiationFailures.WithLabelValues(stage).Inc()
}

// ObserveTimeToLive records how long an attempt took to go live
func (m *Metrics) ObserveTimeToLive(d time.Duration) {
	if m == nil {
		return
	}
	m.TimeToLive.Observe(float64(d.Milliseconds()))
}

// ObserveSpeak counts a speak relay
func (m *Metrics) ObserveSpeak(outcome string) {
	if m == nil {
		return
	}
	m.SpeakRelays.WithLabelValues(outcome).Inc()
}

// ObserveChunk counts an emitted chunk
func (m *Metrics) ObserveChunk() {
	if m == nil {
		return
	}
	m.ChunksEmitted.Inc()
}

// ObserveChunkResult counts a transcription outcome
func (m *Metrics) ObserveChunkResult(outcome string) {
	if m == nil {
		return
	}
	m.ChunkResults.WithLabelValues(outcome).Inc()
}

// ObserveBackend records one backend call. It matches backend.Observer.
func (m *Metrics) ObserveBackend(call string, code int, elapsed time.Duration, _ error) {
	if m == nil {
		return
	}
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	m.BackendRequests.WithLabelValues(call, label).Observe(elapsed.Seconds())
}

// SubscriberConnected adjusts the event stream gauge
func (m *Metrics) SubscriberConnected(delta float64) {
	if m == nil {
		return
	}
	m.EventSubscribers.Add(delta)
}
