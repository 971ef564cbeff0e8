// Package metrics exposes request and decision counters on a dedicated
// registry so tests can instantiate their own without collector collisions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RejectionsTotal *prometheus.CounterVec
	RateLimited     prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "thorbis",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status class.",
		}, []string{"method", "status"}),
		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "thorbis",
			Name:      "lifecycle_rejections_total",
			Help:      "Lifecycle decisions rejected, by reason code.",
		}, []string{"code"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "thorbis",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
	}
	m.registry.MustRegister(m.RequestsTotal, m.RejectionsTotal, m.RateLimited)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the registry for tests.
func (m *Metrics) Gather() prometheus.Gatherer {
	return m.registry
}
