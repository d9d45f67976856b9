package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. Every
// method is safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry
	stages   *turnStageWindow

	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	ProviderAttempts  *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	ProviderLatency   *prometheus.HistogramVec
	CircuitState      *prometheus.GaugeVec
	RetrievalDegraded prometheus.Counter
	WritebackWarnings *prometheus.CounterVec
	ProfileUpserts    *prometheus.CounterVec
	EmbeddingCache    *prometheus.CounterVec
	RespondLatency    prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		stages:   newTurnStageWindow(256),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active conversation sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProviderAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Provider attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		ProviderLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_ms",
			Help:      "Provider attempt latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000},
		}, []string{"provider"}),
		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_circuit_state",
			Help:      "Provider circuit state (0 closed, 1 half-open, 2 open).",
		}, []string{"provider"}),
		RetrievalDegraded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_degraded_total",
			Help:      "Retrievals that proceeded without long-term memory.",
		}),
		WritebackWarnings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writeback_warnings_total",
			Help:      "Write-back failures surfaced as reply warnings, by stage.",
		}, []string{"stage"}),
		ProfileUpserts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profile_upserts_total",
			Help:      "Profile fact upsert attempts by result.",
		}, []string{"result"}),
		EmbeddingCache: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_total",
			Help:      "Embedding cache lookups by result.",
		}, []string{"result"}),
		RespondLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "respond_latency_ms",
			Help:      "End-to-end respond latency in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 3200, 5000, 10000, 20000},
		}),
	}
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionEvents.WithLabelValues("started").Inc()
}

func (m *Metrics) SessionEnded(reason string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionEvents.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// ObserveProviderAttempt records one attempt; outcome is "ok", "skipped" or
// the failure kind.
func (m *Metrics) ObserveProviderAttempt(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderAttempts.WithLabelValues(provider, outcome).Inc()
	if outcome == "skipped" {
		return
	}
	m.ProviderLatency.WithLabelValues(provider).Observe(float64(d.Milliseconds()))
	if outcome != "ok" {
		m.ProviderErrors.WithLabelValues(provider, outcome).Inc()
	}
}

func (m *Metrics) SetCircuitState(provider string, state float64) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(provider).Set(state)
}

func (m *Metrics) ObserveRetrievalDegraded() {
	if m == nil {
		return
	}
	m.RetrievalDegraded.Inc()
	m.stages.ObserveIndicator("retrieval_degraded")
}

func (m *Metrics) ObserveWritebackWarning(stage string) {
	if m == nil {
		return
	}
	m.WritebackWarnings.WithLabelValues(stage).Inc()
	m.stages.ObserveIndicator("writeback_" + stage)
}

func (m *Metrics) ObserveProfileUpsert(applied bool) {
	if m == nil {
		return
	}
	result := "discarded"
	if applied {
		result = "applied"
	}
	m.ProfileUpserts.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveEmbeddingCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.EmbeddingCache.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.stages.Observe(stage, ms)
	if stage == StageRespondTotal {
		m.RespondLatency.Observe(ms)
	}
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m == nil {
		return TurnStageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	if m == nil {
		return
	}
	m.stages.Reset()
}
