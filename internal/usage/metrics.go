package usage

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsSink implements §4.11: per-call counters for calls/tokens/errors and
// per-model histograms for latency and token counts, backed by
// prometheus/client_golang. Metrics register against a private registry
// rather than the global default one, so multiple engine instances (e.g. in
// tests) can coexist in the same process without a "duplicate metrics
// collector registration" panic.
type MetricsSink struct {
	registry *prometheus.Registry

	calls  *prometheus.CounterVec
	errors *prometheus.CounterVec

	tokensIn  *prometheus.CounterVec
	tokensOut *prometheus.CounterVec
	costUSD   *prometheus.CounterVec

	latency *prometheus.HistogramVec
	tokens  *prometheus.HistogramVec
}

// NewMetricsSink builds a MetricsSink registered against a fresh, private
// prometheus.Registry.
func NewMetricsSink() *MetricsSink {
	reg := prometheus.NewRegistry()

	m := &MetricsSink{
		registry: reg,
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_llm_calls_total",
			Help: "Total LLM calls dispatched, by provider and model.",
		}, []string{"provider", "model"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_llm_errors_total",
			Help: "Total LLM call errors, by provider and error kind.",
		}, []string{"provider", "kind"}),
		tokensIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_llm_tokens_in_total",
			Help: "Total input tokens consumed, by provider and model.",
		}, []string{"provider", "model"}),
		tokensOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_llm_tokens_out_total",
			Help: "Total output tokens produced, by provider and model.",
		}, []string{"provider", "model"}),
		costUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_llm_cost_usd_total",
			Help: "Estimated cumulative spend in USD, by provider and model.",
		}, []string{"provider", "model"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexus_llm_call_duration_seconds",
			Help:    "LLM call latency in seconds, by provider and model.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),
		tokens: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexus_llm_call_tokens",
			Help:    "Total tokens (input+output) per LLM call, by provider and model.",
			Buckets: []float64{100, 500, 1000, 4000, 8000, 16000, 32000, 64000, 128000},
		}, []string{"provider", "model"}),
	}

	reg.MustRegister(m.calls, m.errors, m.tokensIn, m.tokensOut, m.costUSD, m.latency, m.tokens)
	return m
}

// RecordCall records a completed call's usage, cost, and latency.
func (m *MetricsSink) RecordCall(provider, model string, u Usage, costUSD float64, latencySeconds float64) {
	m.calls.WithLabelValues(provider, model).Inc()
	m.tokensIn.WithLabelValues(provider, model).Add(float64(u.InputTokens))
	m.tokensOut.WithLabelValues(provider, model).Add(float64(u.OutputTokens))
	if costUSD > 0 {
		m.costUSD.WithLabelValues(provider, model).Add(costUSD)
	}
	m.latency.WithLabelValues(provider, model).Observe(latencySeconds)
	m.tokens.WithLabelValues(provider, model).Observe(float64(u.Total()))
}

// RecordError increments the error counter for provider/kind.
func (m *MetricsSink) RecordError(provider, kind string) {
	m.errors.WithLabelValues(provider, kind).Inc()
}

// Handler returns an http.Handler serving this sink's registry in the
// Prometheus text exposition format, for mounting at e.g. "/metrics".
func (m *MetricsSink) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
