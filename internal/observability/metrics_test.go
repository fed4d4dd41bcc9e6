package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// newIsolatedMetrics builds a Metrics whose vectors are registered against a
// fresh registry instead of NewMetrics' global one, so tests don't collide
// with each other or with a real process's /metrics endpoint.
func newIsolatedMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	m := &Metrics{
		LLMRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "test_llm_request_duration_seconds", Help: "h"},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_llm_requests_total", Help: "h"},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_llm_tokens_total", Help: "h"},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_tool_executions_total", Help: "h"},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "test_tool_execution_duration_seconds", Help: "h"},
			[]string{"tool_name"},
		),
	}
	registry.MustRegister(m.LLMRequestDuration, m.LLMRequestCounter, m.LLMTokensUsed, m.ToolExecutionCounter, m.ToolExecutionDuration)
	return m, registry
}

func TestRecordLLMRequest(t *testing.T) {
	m, _ := newIsolatedMetrics(t)

	m.RecordLLMRequest("agent-a", "claude-haiku", "ok", 1.5, 100, 50)
	m.RecordLLMRequest("agent-a", "claude-haiku", "error", 0.2, 0, 0)

	if count := testutil.CollectAndCount(m.LLMRequestCounter); count != 2 {
		t.Errorf("expected 2 label combinations on LLMRequestCounter, got %d", count)
	}
	if got := testutil.ToFloat64(m.LLMRequestCounter.WithLabelValues("agent-a", "claude-haiku", "ok")); got != 1 {
		t.Errorf("ok counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("agent-a", "claude-haiku", "prompt")); got != 100 {
		t.Errorf("prompt tokens = %v, want 100", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("agent-a", "claude-haiku", "completion")); got != 50 {
		t.Errorf("completion tokens = %v, want 50", got)
	}
}

func TestRecordLLMRequestSkipsZeroTokenCounters(t *testing.T) {
	m, _ := newIsolatedMetrics(t)

	m.RecordLLMRequest("agent-a", "claude-haiku", "error", 0.2, 0, 0)

	if count := testutil.CollectAndCount(m.LLMTokensUsed); count != 0 {
		t.Errorf("expected no token counters for a zero-token request, got %d", count)
	}
}

func TestRecordToolExecution(t *testing.T) {
	m, _ := newIsolatedMetrics(t)

	m.RecordToolExecution("web_search", "success", 0.05)
	m.RecordToolExecution("web_search", "success", 0.08)
	m.RecordToolExecution("exec_command", "failure", 1.2)

	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("web_search", "success")); got != 2 {
		t.Errorf("web_search success count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("exec_command", "failure")); got != 1 {
		t.Errorf("exec_command failure count = %v, want 1", got)
	}
}

func TestNewMetricsConstructsAllVectors(t *testing.T) {
	// NewMetrics registers against the global default registerer, so this
	// runs once and only checks the struct is fully populated, not values.
	m := NewMetrics()
	if m.LLMRequestDuration == nil || m.LLMRequestCounter == nil || m.LLMTokensUsed == nil {
		t.Error("expected LLM metric vectors to be non-nil")
	}
	if m.ToolExecutionCounter == nil || m.ToolExecutionDuration == nil {
		t.Error("expected tool metric vectors to be non-nil")
	}
}
