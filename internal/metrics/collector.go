package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mase-health/autobilling-engine/internal/billing"
	"github.com/mase-health/autobilling-engine/internal/engine"
	"github.com/mase-health/autobilling-engine/internal/threshold"
)

// Collector owns the Prometheus registry and the engine's instruments.
type Collector struct {
	registry *prometheus.Registry

	executions        *prometheus.CounterVec
	executionDuration prometheus.Histogram
	actionResults     *prometheus.CounterVec
	violations        *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// NewCollector creates the collector with all instruments registered.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autobilling_trigger_executions_total",
			Help: "Trigger executions by origin and outcome.",
		}, []string{"origin", "status"}),
		executionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "autobilling_execution_duration_seconds",
			Help:    "End to end trigger execution duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		actionResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autobilling_action_results_total",
			Help: "Action executions by type and status.",
		}, []string{"action_type", "status"}),
		violations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autobilling_violations_total",
			Help: "Violation lifecycle events by severity and state.",
		}, []string{"severity", "state"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autobilling_http_requests_total",
			Help: "HTTP requests by path and status code.",
		}, []string{"path", "code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autobilling_http_request_duration_seconds",
			Help:    "HTTP request duration by path.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
	}
}

// Handler serves the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RegisterGauge exposes a live value, such as queue depth, through a gauge
// sampled at scrape time.
func (c *Collector) RegisterGauge(name, help string, fn func() float64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	}, fn))
}

// executionObserver decorates an outcome publisher with execution metrics.
type executionObserver struct {
	collector *Collector
	next      engine.Publisher
}

// InstrumentExecutions wraps next (which may be nil) so every execution
// outcome updates the collector before being published.
func (c *Collector) InstrumentExecutions(next engine.Publisher) engine.Publisher {
	return &executionObserver{collector: c, next: next}
}

func (o *executionObserver) PublishExecution(record *billing.ExecutionRecord) {
	status := "success"
	if !record.Succeeded {
		status = "failed"
	}
	o.collector.executions.WithLabelValues(string(record.Origin), status).Inc()
	o.collector.executionDuration.Observe(record.CompletedAt.Sub(record.StartedAt).Seconds())

	for _, result := range record.Results {
		o.collector.actionResults.WithLabelValues(string(result.ActionType), string(result.Status)).Inc()
	}

	if o.next != nil {
		o.next.PublishExecution(record)
	}
}

// violationObserver decorates a violation publisher with violation metrics.
type violationObserver struct {
	collector *Collector
	next      threshold.ViolationPublisher
}

// InstrumentViolations wraps next (which may be nil) so every violation
// event updates the collector before being published.
func (c *Collector) InstrumentViolations(next threshold.ViolationPublisher) threshold.ViolationPublisher {
	return &violationObserver{collector: c, next: next}
}

func (o *violationObserver) PublishViolation(v *billing.Violation) {
	o.collector.violations.WithLabelValues(string(v.Severity), string(v.State)).Inc()
	if o.next != nil {
		o.next.PublishViolation(v)
	}
}

// statusRecorder captures the response code for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments HTTP handlers with request counts and latencies.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, code: http.StatusOK}

		next.ServeHTTP(recorder, r)

		c.httpRequests.WithLabelValues(r.URL.Path, strconv.Itoa(recorder.code)).Inc()
		c.httpDuration.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
	})
}
