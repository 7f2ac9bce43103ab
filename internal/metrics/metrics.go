// Package metrics exposes the sidecar's Prometheus registry: routing
// counters broken down by tier/model/provider, a classification-confidence
// histogram, budget-block and A/B-assignment counters, and a gauge exporter
// fed from the latency tracker's percentile snapshots.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jordanhubbard/slimclaw/internal/latency"
)

// Registry owns every Prometheus collector the sidecar registers.
type Registry struct {
	reg *prometheus.Registry

	RoutedTotal              *prometheus.CounterVec
	ClassificationConfidence *prometheus.HistogramVec
	BudgetBlockedTotal       *prometheus.CounterVec
	ABAssignmentTotal        *prometheus.CounterVec
	RateLimitedTotal         prometheus.Counter

	LatencyAvgMs *prometheus.GaugeVec
	LatencyP95Ms *prometheus.GaugeVec
	LatencyTPS   *prometheus.GaugeVec
}

// New builds a fresh Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RoutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slimclaw_routed_requests_total",
			Help: "Total requests routed through the sidecar, by tier/model/provider/status",
		}, []string{"tier", "model", "provider", "status"}),
		ClassificationConfidence: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slimclaw_classification_confidence",
			Help:    "Classifier confidence score per request",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"tier"}),
		BudgetBlockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slimclaw_budget_blocked_total",
			Help: "Total requests rejected by budget enforcement, by tier",
		}, []string{"tier"}),
		ABAssignmentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slimclaw_ab_assignment_total",
			Help: "Total A/B variant assignments, by experiment/variant",
		}, []string{"experiment", "variant"}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slimclaw_rate_limited_total",
			Help: "Total requests rejected by the per-IP rate limiter",
		}),
		LatencyAvgMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "slimclaw_latency_avg_ms",
			Help: "Average observed latency per model, from the latency tracker's ring buffer",
		}, []string{"model"}),
		LatencyP95Ms: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "slimclaw_latency_p95_ms",
			Help: "p95 observed latency per model",
		}, []string{"model"}),
		LatencyTPS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "slimclaw_latency_tokens_per_second",
			Help: "Mean output tokens/sec per model",
		}, []string{"model"}),
	}
	reg.MustRegister(
		m.RoutedTotal, m.ClassificationConfidence, m.BudgetBlockedTotal,
		m.ABAssignmentTotal, m.RateLimitedTotal,
		m.LatencyAvgMs, m.LatencyP95Ms, m.LatencyTPS,
	)
	return m
}

// Handler exposes the registry on /metrics.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveRouted implements sidecar.Observer: records one routed request's
// tier/model/provider/confidence.
func (m *Registry) ObserveRouted(tier, model, provider string, status int, confidence float64) {
	m.RoutedTotal.WithLabelValues(tier, model, provider, statusLabel(status)).Inc()
	m.ClassificationConfidence.WithLabelValues(tier).Observe(confidence)
}

// ObserveBudgetBlocked implements sidecar.Observer.
func (m *Registry) ObserveBudgetBlocked(tier string) {
	m.BudgetBlockedTotal.WithLabelValues(tier).Inc()
}

// ObserveABAssignment implements sidecar.Observer.
func (m *Registry) ObserveABAssignment(experimentID, variantID string) {
	m.ABAssignmentTotal.WithLabelValues(experimentID, variantID).Inc()
}

// RefreshLatencyGauges snapshots the latency tracker's per-model stats into
// the exporter gauges. Callers typically invoke this from a short periodic
// loop (the tracker itself never pushes to Prometheus).
func (m *Registry) RefreshLatencyGauges(tracker *latency.Tracker) {
	if tracker == nil {
		return
	}
	for model, stats := range tracker.GetAllLatencyStats() {
		m.LatencyAvgMs.WithLabelValues(model).Set(stats.Avg)
		m.LatencyP95Ms.WithLabelValues(model).Set(stats.P95)
		m.LatencyTPS.WithLabelValues(model).Set(stats.TokensPerSecond)
	}
}

func statusLabel(status int) string {
	if status == 0 {
		return "-"
	}
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
