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

const namespace = "vitalwatch"

// Ingest outcomes used for the result label.
const (
	ResultAccepted = "accepted"
	ResultInvalid  = "invalid"
	ResultDenied   = "denied"
	ResultFailed   = "storage_error"
)

// Collector registers on its own registry, not the global default.
type Collector struct {
	registry *prometheus.Registry

	IngestTotal     *prometheus.CounterVec
	AlertsTotal     *prometheus.CounterVec
	NotifyFailures  prometheus.Counter
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Collector{
		registry: reg,
		IngestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_total",
			Help:      "Readings received, by source and outcome.",
		}, []string{"source", "result"}),
		AlertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alert events recorded, by severity.",
		}, []string{"severity"}),
		NotifyFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_failures_total",
			Help:      "Alert notifications that could not be published.",
		}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (c *Collector) Ingested(source, result string) {
	if c == nil {
		return
	}
	if source == "" {
		source = "unknown"
	}
	c.IngestTotal.WithLabelValues(source, result).Inc()
}

func (c *Collector) Alerted(severity string) {
	if c == nil {
		return
	}
	c.AlertsTotal.WithLabelValues(severity).Inc()
}

func (c *Collector) NotifyFailed() {
	if c == nil {
		return
	}
	c.NotifyFailures.Inc()
}

func (c *Collector) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.RequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
