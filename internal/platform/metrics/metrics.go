package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	decisions        *prometheus.CounterVec
	providerCalls    *prometheus.CounterVec
	providerInflight prometheus.Gauge
	pipelineDuration *prometheus.HistogramVec
	persistFailures  prometheus.Counter
	notifyDropped    prometheus.Counter
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "moderator_decisions_total",
				Help: "Moderation decisions by verdict and content type",
			},
			[]string{"decision", "content_type"},
		),
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "moderator_provider_calls_total",
				Help: "Provider classification attempts by outcome",
			},
			[]string{"provider", "outcome"},
		),
		providerInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "moderator_provider_inflight",
				Help: "Provider calls currently holding quota",
			},
		),
		pipelineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "moderator_pipeline_duration_seconds",
				Help:    "End-to-end moderation latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25},
			},
			[]string{"content_type"},
		),
		persistFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "moderator_persist_failures_total",
				Help: "Results that could not be saved to the result store",
			},
		),
		notifyDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "moderator_notify_dropped_total",
				Help: "Notification events dropped because the buffer was full",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.decisions,
		m.providerCalls,
		m.providerInflight,
		m.pipelineDuration,
		m.persistFailures,
		m.notifyDropped,
	)
	return m
}

// Handler serves the exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (for tests).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveDecision(decision, contentType string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision, contentType).Inc()
}

func (m *Metrics) ObserveProviderCall(provider, outcome string) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) SetProviderInflight(n int64) {
	if m == nil {
		return
	}
	m.providerInflight.Set(float64(n))
}

func (m *Metrics) ObservePipeline(contentType string, d time.Duration) {
	if m == nil {
		return
	}
	m.pipelineDuration.WithLabelValues(contentType).Observe(d.Seconds())
}

func (m *Metrics) IncPersistFailure() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) IncNotifyDropped() {
	if m == nil {
		return
	}
	m.notifyDropped.Inc()
}
