// Package metrics provides Prometheus metrics for sockfixture.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "sockfixture"

const (
	ReasonListenFailed  = "listen_failed"
	ReasonAcceptFailed  = "accept_failed"
	ReasonHandlerFailed = "handler_failed"
)

// Metrics holds all Prometheus metrics for a fixture process.
type Metrics struct {
	Registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	serverErrors    *prometheus.CounterVec
	bytesTotal      *prometheus.CounterVec
	activeRequests  prometheus.Gauge
	listening       prometheus.Gauge
	handlerDuration prometheus.Histogram
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total connections accepted and passed to the handler, by outcome.",
		}, []string{"status"}),

		serverErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors that stopped a server, by reason.",
		}, []string{"reason"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total bytes read from and written to client connections.",
		}, []string{"direction"}),

		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of connections currently inside a handler.",
		}),

		listening: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listening",
			Help:      "Whether the server socket is open (1) or not (0).",
		}),

		handlerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in the connection handler in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.serverErrors,
		m.bytesTotal,
		m.activeRequests,
		m.listening,
		m.handlerDuration,
	)

	return m
}

// RequestStarted increments the active request gauge and should be called
// right before the handler runs. The returned RequestTracker records the
// outcome.
func (m *Metrics) RequestStarted() *RequestTracker {
	if m == nil {
		return nil
	}
	m.activeRequests.Inc()
	return &RequestTracker{m: m}
}

// ServerError records a failure that ended a server's accept loop.
func (m *Metrics) ServerError(reason string) {
	if m == nil {
		return
	}
	m.serverErrors.WithLabelValues(reason).Inc()
}

// SetListening sets the listening gauge.
func (m *Metrics) SetListening(up bool) {
	if m == nil {
		return
	}
	if up {
		m.listening.Set(1)
	} else {
		m.listening.Set(0)
	}
}

// RequestTracker records the outcome of a single handled connection.
type RequestTracker struct {
	m *Metrics
}

// Done records the completion of a request. received is what the handler
// read from the client; sent is what it wrote back.
func (t *RequestTracker) Done(durationSec float64, received, sent int64, err error) {
	if t == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	t.m.activeRequests.Dec()
	t.m.requestsTotal.WithLabelValues(status).Inc()
	t.m.handlerDuration.Observe(durationSec)
	t.m.bytesTotal.WithLabelValues("received").Add(float64(received))
	t.m.bytesTotal.WithLabelValues("sent").Add(float64(sent))
}
