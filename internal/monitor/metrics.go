package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the orchestrator.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal     *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	ExecutionErrors     *prometheus.CounterVec
	ActiveExecutions    prometheus.Gauge
	SlotLimit           prometheus.Gauge
	AdmissionRejections prometheus.Counter
	Timeouts            *prometheus.CounterVec
	Callbacks           *prometheus.CounterVec
	StepsRecorded       *prometheus.CounterVec
	DispatchAttempts    *prometheus.CounterVec
	DispatchQueueDepth  prometheus.Gauge
	EventsPublished     *prometheus.CounterVec
	StreamClients       *prometheus.GaugeVec
	RetentionDeleted    prometheus.Counter
	RequestsInFlight    prometheus.Gauge
	RequestDuration     *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "orchestrator",
				Name:      "executions_total",
				Help:      "Executions that reached a terminal state, by status.",
			},
			[]string{"status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "orchestrator",
				Name:      "execution_duration_seconds",
				Help:      "Reported duration of finished executions in seconds.",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"status"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "orchestrator",
				Name:      "errors_total",
				Help:      "Orchestrator errors by kind.",
			},
			[]string{"type"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "orchestrator",
				Name:      "active_executions",
				Help:      "Executions currently holding a concurrency slot.",
			},
		),

		SlotLimit: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "orchestrator",
				Name:      "concurrency_limit",
				Help:      "Configured maximum of concurrent executions.",
			},
		),

		AdmissionRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "orchestrator",
				Name:      "admission_rejections_total",
				Help:      "Execution requests refused because every slot was held.",
			},
		),

		Timeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "orchestrator",
				Name:      "timeouts_total",
				Help:      "Executions moved to timeout by the sweeper, by phase.",
			},
			[]string{"phase"},
		),

		Callbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "orchestrator",
				Subsystem: "callback",
				Name:      "received_total",
				Help:      "Worker callbacks by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),

		StepsRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "orchestrator",
				Name:      "steps_recorded_total",
				Help:      "Step results persisted, by step status.",
			},
			[]string{"status"},
		),

		DispatchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "orchestrator",
				Subsystem: "dispatch",
				Name:      "attempts_total",
				Help:      "Worker dispatch attempts by outcome.",
			},
			[]string{"outcome"},
		),

		DispatchQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "orchestrator",
				Subsystem: "dispatch",
				Name:      "queue_depth",
				Help:      "Jobs waiting to be sent to the worker.",
			},
		),

		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "orchestrator",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Lifecycle events published, by type.",
			},
			[]string{"type"},
		),

		StreamClients: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "orchestrator",
				Subsystem: "events",
				Name:      "stream_clients",
				Help:      "Connected live-update clients by transport.",
			},
			[]string{"transport"},
		),

		RetentionDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "orchestrator",
				Subsystem: "retention",
				Name:      "deleted_executions_total",
				Help:      "Executions removed by the retention policy.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "orchestrator",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "orchestrator",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by method and status code.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "code"},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.SlotLimit,
		m.AdmissionRejections,
		m.Timeouts,
		m.Callbacks,
		m.StepsRecorded,
		m.DispatchAttempts,
		m.DispatchQueueDepth,
		m.EventsPublished,
		m.StreamClients,
		m.RetentionDeleted,
		m.RequestsInFlight,
		m.RequestDuration,
	)

	return m
}

// RecordCompletion records an execution reaching a terminal status.
func (m *Metrics) RecordCompletion(status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	if durationSec > 0 {
		m.ExecutionDuration.WithLabelValues(status).Observe(durationSec)
	}
}

// RecordError records an orchestrator error by type.
func (m *Metrics) RecordError(errType string) {
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

// RecordCallback records the outcome of one worker callback.
func (m *Metrics) RecordCallback(kind, outcome string) {
	m.Callbacks.WithLabelValues(kind, outcome).Inc()
}
