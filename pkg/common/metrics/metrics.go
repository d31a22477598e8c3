// Package metrics exposes Prometheus counters for launches, grade passback
// and service token exchanges.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry    *prometheus.Registry
	launches    *prometheus.CounterVec
	passback    *prometheus.CounterVec
	tokens      *prometheus.CounterVec
	keyFetches  *prometheus.CounterVec
	redemptions *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickcheck",
			Name:      "lti_launches_total",
			Help:      "LTI launches by outcome (valid or rejection reason).",
		}, []string{"outcome"}),
		passback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickcheck",
			Name:      "grade_passback_total",
			Help:      "AGS calls by operation and classification.",
		}, []string{"operation", "result"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickcheck",
			Name:      "service_token_requests_total",
			Help:      "Service token lookups by source (cache, exchange, error).",
		}, []string{"source"}),
		keyFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickcheck",
			Name:      "platform_key_lookups_total",
			Help:      "Platform key lookups by source (cache, fetch, throttled, error).",
		}, []string{"source"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickcheck",
			Name:      "trust_redemptions_total",
			Help:      "Trust redemption entries issued and redeemed.",
		}, []string{"event"}),
	}
	reg.MustRegister(
		m.launches, m.passback, m.tokens, m.keyFetches, m.redemptions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Launch(outcome string) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Passback(operation, result string) {
	if m == nil {
		return
	}
	m.passback.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) ServiceToken(source string) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(source).Inc()
}

func (m *Metrics) KeyLookup(source string) {
	if m == nil {
		return
	}
	m.keyFetches.WithLabelValues(source).Inc()
}

func (m *Metrics) Redemption(event string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(event).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
