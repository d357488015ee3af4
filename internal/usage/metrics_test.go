package usage

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsSinkRecordCallExposesCounters(t *testing.T) {
	sink := NewMetricsSink()
	sink.RecordCall("anthropic", "claude-3-5-sonnet", Usage{InputTokens: 100, OutputTokens: 50}, 0.002, 1.5)
	sink.RecordError("anthropic", "rate_limit")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	sink.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"nexus_llm_calls_total",
		"nexus_llm_tokens_in_total",
		"nexus_llm_tokens_out_total",
		"nexus_llm_errors_total",
		"nexus_llm_call_duration_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected /metrics output to contain %q", want)
		}
	}
}

func TestMetricsSinkUsesPrivateRegistry(t *testing.T) {
	// Two sinks with identically named metrics must not panic on
	// construction; a shared default registry would reject the second
	// registration as a duplicate collector.
	_ = NewMetricsSink()
	_ = NewMetricsSink()
}
