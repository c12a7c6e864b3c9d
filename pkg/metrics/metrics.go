// Package metrics exposes Prometheus metrics for the job pipeline and HTTP surface.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Sepzie/SingWithMe/pkg/models"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "singwithme"

// Metrics holds every collector registered by the service
type Metrics struct {
	registry *prometheus.Registry

	JobsSubmitted        prometheus.Counter
	JobsFinished         *prometheus.CounterVec   // outcome
	StageDuration        *prometheus.HistogramVec // stage, outcome
	QueueDepth           prometheus.Gauge
	JobsInFlight         prometheus.Gauge
	NotificationsSent    *prometheus.CounterVec // event
	NotificationFailures prometheus.Counter
	Observers            prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpBytesIn  *prometheus.CounterVec
	httpBytesOut *prometheus.CounterVec
}

// New creates the metrics set on its own registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Uploads accepted for processing",
		}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"stage", "outcome"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting for a worker",
		}),
		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs queued or running",
		}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Events delivered to observers",
		}, []string{"event"}),
		NotificationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Events that could not be delivered to an observer",
		}),
		Observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers_connected",
			Help:      "Open streaming connections",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		httpBytesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_bytes_total",
			Help:      "Bytes received in HTTP requests",
		}, []string{"method", "route"}),
		httpBytesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_response_bytes_total",
			Help:      "Bytes sent in HTTP responses",
		}, []string{"method", "route", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.JobsSubmitted,
		m.JobsFinished,
		m.StageDuration,
		m.QueueDepth,
		m.JobsInFlight,
		m.NotificationsSent,
		m.NotificationFailures,
		m.Observers,
		m.httpRequests,
		m.httpDuration,
		m.httpBytesIn,
		m.httpBytesOut,
	)
	return m
}

// Register adds extra collectors to the registry
func (m *Metrics) Register(cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStage records how long a stage took
func (m *Metrics) ObserveStage(stage string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.StageDuration.WithLabelValues(stage, outcome).Observe(time.Since(start).Seconds())
}

// ObserveDelivery counts one attempt to push event to an observer
func (m *Metrics) ObserveDelivery(jobID string, event models.Event, err error) {
	if err != nil {
		m.NotificationFailures.Inc()
		return
	}
	m.NotificationsSent.WithLabelValues(string(event.Event)).Inc()
}

// Middleware tracks request counts, latency and bandwidth per route template
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := routeName(r)

		if r.ContentLength > 0 {
			m.httpBytesIn.WithLabelValues(r.Method, route).Add(float64(r.ContentLength))
		}

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		status := strconv.Itoa(rw.statusCode)
		m.httpRequests.WithLabelValues(r.Method, route, status).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		if rw.bytesWritten > 0 {
			m.httpBytesOut.WithLabelValues(r.Method, route, status).Add(float64(rw.bytesWritten))
		}
	})
}

// routeName uses the mux path template so job ids don't explode label cardinality
func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "other"
}

type responseWriter struct {
	http.ResponseWriter
	bytesWritten int
	statusCode   int
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// Hijack lets WebSocket upgrades pass through the middleware
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Flush forwards to the wrapped writer when it supports flushing
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
