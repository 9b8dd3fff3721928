// Package metrics exposes engine counters in the Prometheus format. A
// nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tangled.sh/tangled.sh/agent/models"
)

const namespace = "agent"

type Metrics struct {
	registry *prometheus.Registry

	created       prometheus.Counter
	finished      *prometheus.CounterVec
	running       prometheus.Gauge
	registered    prometheus.Gauge
	stepDuration  *prometheus.HistogramVec
	queueRejected prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_created_total",
			Help:      "Actions accepted and set up.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_finished_total",
			Help:      "Actions that reached a terminal state.",
		}, []string{"state"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "actions_running",
			Help:      "Actions currently executing.",
		}),
		registered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "actions_registered",
			Help:      "Actions held in the registry.",
		}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of action steps.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		}, []string{"result"}),
		queueRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_rejected_total",
			Help:      "Actions refused because the job queue was full.",
		}),
	}

	m.registry.MustRegister(
		m.created,
		m.finished,
		m.running,
		m.registered,
		m.stepDuration,
		m.queueRejected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ActionCreated() {
	if m == nil {
		return
	}
	m.created.Inc()
	m.registered.Inc()
}

func (m *Metrics) ActionDeleted() {
	if m == nil {
		return
	}
	m.registered.Dec()
}

func (m *Metrics) ActionStarted() {
	if m == nil {
		return
	}
	m.running.Inc()
}

func (m *Metrics) ActionFinished(state models.State) {
	if m == nil {
		return
	}
	m.running.Dec()
	m.finished.WithLabelValues(state.String()).Inc()
}

func (m *Metrics) ObserveStep(r models.StepReport) {
	if m == nil {
		return
	}
	result := "success"
	switch {
	case r.Err != nil:
		result = "error"
	case r.ExitCode != 0:
		result = "failure"
	}
	m.stepDuration.WithLabelValues(result).Observe(r.Duration.Seconds())
}

func (m *Metrics) QueueRejected() {
	if m == nil {
		return
	}
	m.queueRejected.Inc()
}
