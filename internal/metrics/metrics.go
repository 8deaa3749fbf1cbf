// Package metrics defines the Prometheus collectors for mindloop. All
// collectors live on a private Registry owned by the composition root; no
// package-level default registry is touched.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set bundles every collector. A nil *Set is valid and records nothing, so
// components can be wired without metrics in tests.
type Set struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	processing       prometheus.Histogram
	breakerStates    *prometheus.GaugeVec
	ratelimitDenials *prometheus.CounterVec
	webhookEvents    *prometheus.CounterVec
	llmLatency       *prometheus.HistogramVec
	nudges           *prometheus.CounterVec
}

// New creates the collector set on a fresh private registry.
func New() *Set {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Set{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mindloop_requests_total",
			Help: "Cognitive loop invocations by result kind.",
		}, []string{"outcome"}),
		processing: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mindloop_processing_seconds",
			Help:    "End-to-end loop processing time.",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 2.5, 5, 10, 30},
		}),
		breakerStates: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mindloop_breaker_state",
			Help: "Number of user breakers per state.",
		}, []string{"state"}),
		ratelimitDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mindloop_ratelimit_denials_total",
			Help: "Admission denials by window.",
		}, []string{"window"}),
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mindloop_webhook_events_total",
			Help: "Webhook deliveries by processing result.",
		}, []string{"result"}),
		llmLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mindloop_llm_latency_seconds",
			Help:    "Response latency by serving tier.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 15, 30},
		}, []string{"tier"}),
		nudges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mindloop_nudges_total",
			Help: "Nudge lifecycle events by status.",
		}, []string{"status"}),
	}
}

// Handler serves the registry for the /metrics endpoint.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry, mostly for tests.
func (s *Set) Registry() *prometheus.Registry {
	return s.registry
}

// CounterValue sums a counter family across its label values. Zero when the
// family has no samples yet. Like Registry, mostly for tests.
func (s *Set) CounterValue(name string) float64 {
	if s == nil {
		return 0
	}
	fams, err := s.registry.Gather()
	if err != nil {
		return 0
	}
	var total float64
	for _, fam := range fams {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			}
		}
	}
	return total
}

// ObserveRequest records one loop invocation.
func (s *Set) ObserveRequest(outcome string, seconds float64) {
	if s == nil {
		return
	}
	s.requests.WithLabelValues(outcome).Inc()
	s.processing.Observe(seconds)
}

// SetBreakerStates replaces the per-state breaker gauge values.
func (s *Set) SetBreakerStates(counts map[string]int) {
	if s == nil {
		return
	}
	for _, state := range []string{"closed", "open", "half-open"} {
		s.breakerStates.WithLabelValues(state).Set(float64(counts[state]))
	}
}

// RateLimitDenial records one admission denial.
func (s *Set) RateLimitDenial(window string) {
	if s == nil {
		return
	}
	s.ratelimitDenials.WithLabelValues(window).Inc()
}

// WebhookEvent records one delivery result (accepted, rejected, duplicate).
func (s *Set) WebhookEvent(result string) {
	if s == nil {
		return
	}
	s.webhookEvents.WithLabelValues(result).Inc()
}

// ObserveLLM records serving latency for one tier.
func (s *Set) ObserveLLM(tier string, seconds float64) {
	if s == nil {
		return
	}
	s.llmLatency.WithLabelValues(tier).Observe(seconds)
}

// Nudge records a nudge lifecycle event (scheduled, fired, cancelled, dropped).
func (s *Set) Nudge(status string) {
	if s == nil {
		return
	}
	s.nudges.WithLabelValues(status).Inc()
}
