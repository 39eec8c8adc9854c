package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aegis/internal/domain"
)

// Metrics owns service collectors on a dedicated registry.
// Params: counters/histograms for pipeline, fan-out, and HTTP surfaces.
// Returns: observer shared by app, dispatcher, and API.
type Metrics struct {
	registry            *prometheus.Registry
	comments            *prometheus.CounterVec
	alerts              *prometheus.CounterVec
	emergencies         prometheus.Counter
	deliveries          *prometheus.CounterVec
	deliveryLatency     *prometheus.HistogramVec
	persistenceFailures *prometheus.CounterVec
	queueJobs           *prometheus.CounterVec
	apiLatency          *prometheus.HistogramVec
}

// New registers service collectors plus Go runtime and process collectors.
// Params: metric namespace (service name).
// Returns: metrics set with its registry.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		comments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "comments_total",
			Help:      "Classified comments by platform and category",
		}, []string{"platform", "category"}),
		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Persisted alerts by severity",
		}, []string{"severity"}),
		emergencies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergencies_total",
			Help:      "Emergency protocol activations",
		}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Safe Circle delivery attempts by method and outcome",
		}, []string{"method", "status"}),
		deliveryLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Safe Circle delivery attempt latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		persistenceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Ledger writes that failed after retry and fan-outs that never started",
		}, []string{"op"}),
		queueJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_total",
			Help:      "Dispatch queue jobs by outcome",
		}, []string{"result"}),
		apiLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_latency_seconds",
			Help:      "API endpoint latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Registry returns underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler exposes registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveComment counts one classified comment.
func (m *Metrics) ObserveComment(platform domain.Platform, category domain.Category) {
	if m == nil {
		return
	}
	m.comments.WithLabelValues(string(platform), string(category)).Inc()
}

// ObserveAlert counts one persisted alert.
func (m *Metrics) ObserveAlert(severity domain.Severity) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(string(severity)).Inc()
}

// ObserveEmergency counts one emergency activation.
func (m *Metrics) ObserveEmergency() {
	if m == nil {
		return
	}
	m.emergencies.Inc()
}

// ObserveDelivery records one delivery attempt outcome.
func (m *Metrics) ObserveDelivery(method domain.Method, status domain.DeliveryStatus, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(string(method), string(status)).Inc()
	m.deliveryLatency.WithLabelValues(string(method)).Observe(elapsed.Seconds())
}

// ObservePersistenceFailure counts one ledger write given up after retry, or
// fan-out that never started for persisted alert or emergency.
func (m *Metrics) ObservePersistenceFailure(op string) {
	if m == nil {
		return
	}
	m.persistenceFailures.WithLabelValues(op).Inc()
}

// ObserveQueueJob counts one dispatch queue outcome (enqueued|processed|failed).
func (m *Metrics) ObserveQueueJob(result string) {
	if m == nil {
		return
	}
	m.queueJobs.WithLabelValues(result).Inc()
}

// ObserveRequest records one API request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.apiLatency.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
