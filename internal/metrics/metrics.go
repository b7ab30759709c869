// Package metrics exposes connection and request counters in Prometheus format.
//
// A nil *Registry is valid and records nothing, so callers never need to
// check whether metrics are enabled.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "basichttpd"

// Registry holds all server metrics and the prometheus registry they are
// registered with.
type Registry struct {
	registry *prometheus.Registry

	ConnectionsAccepted prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ParseFailures       *prometheus.CounterVec
}

// NewRegistry creates a Registry backed by a fresh prometheus registry that
// also carries the Go runtime and process collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		registry: reg,
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Connections accepted by the listener.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections currently being served.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Responses written, by request method and status code.",
		}, []string{"method", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from parsing a request to flushing its response.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		ParseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_failures_total",
			Help:      "Request blocks that could not be parsed, by failure kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.ConnectionsAccepted,
		r.ConnectionsActive,
		r.RequestsTotal,
		r.RequestDuration,
		r.ParseFailures,
	)
	return r
}

// Gatherer returns the underlying prometheus registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler returns an HTTP handler serving the registry in text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ConnectionOpened counts an accepted connection and marks it active.
func (r *Registry) ConnectionOpened() {
	if r == nil {
		return
	}
	r.ConnectionsAccepted.Inc()
	r.ConnectionsActive.Inc()
}

// ConnectionClosed marks a connection as no longer active.
func (r *Registry) ConnectionClosed() {
	if r == nil {
		return
	}
	r.ConnectionsActive.Dec()
}

// RecordRequest counts one response.
func (r *Registry) RecordRequest(method, status string) {
	if r == nil {
		return
	}
	r.RequestsTotal.WithLabelValues(method, status).Inc()
}

// ObserveRequestDuration records how long a request took, in seconds.
func (r *Registry) ObserveRequestDuration(method string, seconds float64) {
	if r == nil {
		return
	}
	r.RequestDuration.WithLabelValues(method).Observe(seconds)
}

// RecordParseFailure counts a request block that was answered with 400.
func (r *Registry) RecordParseFailure(kind string) {
	if r == nil {
		return
	}
	r.ParseFailures.WithLabelValues(kind).Inc()
}
