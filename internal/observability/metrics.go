package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the worker.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	StateTransitions    *prometheus.CounterVec
	ConnectAttempts     *prometheus.CounterVec
	MetadataResolutions *prometheus.CounterVec
	TranscriptWrites    *prometheus.CounterVec
	MemoryWrites        *prometheus.CounterVec
	BackgroundInflight  prometheus.Gauge
	StageLatency        *prometheus.HistogramVec

	stages *stageWindow
}

// NewMetrics registers instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers instruments on reg; tests pass a private registry.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of voice sessions not yet closed.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Session state machine transitions.",
		}, []string{"from", "to"}),
		ConnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Room connection attempts by result.",
		}, []string{"result"}),
		MetadataResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metadata_resolutions_total",
			Help:      "Dispatch metadata resolutions by source.",
		}, []string{"source"}),
		TranscriptWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_writes_total",
			Help:      "Transcript write attempts by role and result.",
		}, []string{"role", "result"}),
		MemoryWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_writes_total",
			Help:      "Memory fact extraction outcomes.",
		}, []string{"result"}),
		BackgroundInflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "background_writes_inflight",
			Help:      "Detached transcript and memory writes still running.",
		}),
		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lifecycle_stage_latency_ms",
			Help:      "Latency of session lifecycle stages in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 1500, 2500, 5000, 10000, 30000},
		}, []string{"stage"}),
		stages: newStageWindow(256),
	}
}

// ObserveStage records a lifecycle stage duration.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.stages.Observe(stage, ms)
}

// ObserveIndicator counts a lifecycle indicator in the rolling window.
func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

// StageSnapshot returns rolling percentiles for lifecycle stages.
func (m *Metrics) StageSnapshot() StageSnapshot {
	if m == nil {
		return StageSnapshot{}
	}
	return m.stages.Snapshot()
}

// BackgroundStarted and BackgroundDone bracket a detached write.
func (m *Metrics) BackgroundStarted() {
	if m == nil {
		return
	}
	m.BackgroundInflight.Inc()
}

func (m *Metrics) BackgroundDone() {
	if m == nil {
		return
	}
	m.BackgroundInflight.Dec()
}

// Event counts a session lifecycle event.
func (m *Metrics) Event(name string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(name).Inc()
}

// Transition counts a state machine transition.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ConnectAttempt(result string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) MetadataResolved(source string) {
	if m == nil {
		return
	}
	m.MetadataResolutions.WithLabelValues(source).Inc()
}

func (m *Metrics) TranscriptWrite(role, result string) {
	if m == nil {
		return
	}
	m.TranscriptWrites.WithLabelValues(role, result).Inc()
}

func (m *Metrics) MemoryWrite(result string) {
	if m == nil {
		return
	}
	m.MemoryWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
