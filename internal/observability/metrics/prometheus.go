// Package metrics provides Prometheus metrics for the OPD console orchestrator.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all orchestrator metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	QueueRefreshes        *prometheus.CounterVec
	QueueRefreshFailures  *prometheus.CounterVec
	QueueEntries          *prometheus.GaugeVec
	QueueAdvances         *prometheus.CounterVec
	Autosaves             *prometheus.CounterVec
	Saves                 *prometheus.CounterVec
	Completions           *prometheus.CounterVec
	CompletionStepFailure *prometheus.CounterVec
	CollaboratorDuration  *prometheus.HistogramVec
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg (prometheus.DefaultRegisterer if nil)
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		QueueRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opd_queue_refreshes_total",
			Help: "Queue snapshot refreshes by trigger",
		}, []string{"trigger"}),
		QueueRefreshFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opd_queue_refresh_failures_total",
			Help: "Failed queue snapshot refreshes by trigger",
		}, []string{"trigger"}),
		QueueEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opd_queue_entries",
			Help: "Entries in the current worklist snapshot by status",
		}, []string{"status"}),
		QueueAdvances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opd_queue_advances_total",
			Help: "Queue status advances by target status and outcome",
		}, []string{"status", "outcome"}),
		Autosaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opd_consultation_autosaves_total",
			Help: "Background draft autosaves by outcome",
		}, []string{"outcome"}),
		Saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opd_consultation_saves_total",
			Help: "Explicit consultation saves by path and outcome",
		}, []string{"path", "outcome"}),
		Completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opd_consultation_completions_total",
			Help: "Consultation completion attempts by outcome",
		}, []string{"outcome"}),
		CompletionStepFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opd_completion_step_failures_total",
			Help: "Completion pipeline failures by step",
		}, []string{"step"}),
		CollaboratorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opd_collaborator_call_duration_seconds",
			Help:    "Persistence collaborator call duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"operation"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opd_outbox_pending_entries",
			Help: "Pending queue-change outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.QueueRefreshes,
		m.QueueRefreshFailures,
		m.QueueEntries,
		m.QueueAdvances,
		m.Autosaves,
		m.Saves,
		m.Completions,
		m.CompletionStepFailure,
		m.CollaboratorDuration,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveRefresh records a refresh attempt
func (m *Metrics) ObserveRefresh(trigger string, err error) {
	if m == nil {
		return
	}
	m.QueueRefreshes.WithLabelValues(trigger).Inc()
	if err != nil {
		m.QueueRefreshFailures.WithLabelValues(trigger).Inc()
	}
}

// SetQueueCounts publishes per-status snapshot sizes
func (m *Metrics) SetQueueCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.QueueEntries.Reset()
	for status, n := range counts {
		m.QueueEntries.WithLabelValues(status).Set(float64(n))
	}
}

// ObserveAdvance records a queue status advance
func (m *Metrics) ObserveAdvance(status string, err error) {
	if m == nil {
		return
	}
	m.QueueAdvances.WithLabelValues(status, outcome(err)).Inc()
}

// ObserveAutosave records a background autosave
func (m *Metrics) ObserveAutosave(err error) {
	if m == nil {
		return
	}
	m.Autosaves.WithLabelValues(outcome(err)).Inc()
}

// ObserveSave records an explicit save on the create or update path
func (m *Metrics) ObserveSave(path string, err error) {
	if m == nil {
		return
	}
	m.Saves.WithLabelValues(path, outcome(err)).Inc()
}

// ObserveCompletion records a completion attempt and the failing step, if any
func (m *Metrics) ObserveCompletion(failedStep string, err error) {
	if m == nil {
		return
	}
	m.Completions.WithLabelValues(outcome(err)).Inc()
	if err != nil && failedStep != "" {
		m.CompletionStepFailure.WithLabelValues(failedStep).Inc()
	}
}

// ObserveCall records collaborator latency
func (m *Metrics) ObserveCall(operation string, started time.Time) {
	if m == nil {
		return
	}
	m.CollaboratorDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// SetBreakerState publishes a breaker state (0=closed, 1=open, 2=half-open)
func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns an HTTP handler for a specific registry
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
