package observability

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, m *MetricsCollector, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if matchLabels(metric, labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchLabels(metric *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(metric.GetLabel()))
	for _, lp := range metric.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestMetricsCollectorRegistersAll(t *testing.T) {
	m := NewMetricsCollector()

	m.ChatTurnsTotal.WithLabelValues("model-fast", "success").Inc()
	m.TokensTotal.WithLabelValues("model-fast", "input").Add(120)
	m.CreditsChargedTotal.WithLabelValues("model-fast").Add(140)
	m.CommitFailuresTotal.Inc()
	m.ToolCallsTotal.WithLabelValues("write_file", "success").Inc()
	m.SandboxOpsTotal.WithLabelValues("create", "success").Inc()
	m.HeartbeatsTotal.WithLabelValues("extended").Inc()
	m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/chat", "200").Inc()
	m.ActiveRequests.Inc()

	if got := counterValue(t, m, "kiwanda_chat_turns_total", map[string]string{"model": "model-fast", "status": "success"}); got != 1 {
		t.Errorf("chat turns = %v", got)
	}
	if got := counterValue(t, m, "kiwanda_usage_tokens_total", map[string]string{"model": "model-fast", "direction": "input"}); got != 120 {
		t.Errorf("tokens = %v", got)
	}
	if got := counterValue(t, m, "kiwanda_usage_credits_charged_total", map[string]string{"model": "model-fast"}); got != 140 {
		t.Errorf("credits = %v", got)
	}
	if got := counterValue(t, m, "kiwanda_usage_commit_failures_total", nil); got != 1 {
		t.Errorf("commit failures = %v", got)
	}
	if got := counterValue(t, m, "kiwanda_sandbox_ops_total", map[string]string{"op": "create", "status": "success"}); got != 1 {
		t.Errorf("sandbox ops = %v", got)
	}
}

func TestRegisterActiveSandboxes(t *testing.T) {
	m := NewMetricsCollector()
	m.RegisterActiveSandboxes(func() float64 { return 3 })

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "kiwanda_sandbox_active" {
			if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 3 {
				t.Errorf("active sandboxes = %v, want 3", got)
			}
			return
		}
	}
	t.Error("kiwanda_sandbox_active not registered")
}

func TestNewDisabled(t *testing.T) {
	obs, err := New(nil, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obs != nil {
		t.Error("nil config should disable observability entirely")
	}
	obs.Shutdown(context.Background()) // nil-safe
}

func TestNewMetricsOnly(t *testing.T) {
	obs, err := New(&Config{Metrics: &MetricsConfig{Enabled: true}}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obs.Metrics == nil {
		t.Error("metrics not created")
	}
	if obs.Tracer != nil {
		t.Error("tracer created without config")
	}
	if obs.Health == nil {
		t.Error("health checker missing")
	}
}

func TestNewTracerUnknownProtocol(t *testing.T) {
	_, err := NewTracerSetup(&TracingConfig{Enabled: true, Protocol: "udp"})
	if err == nil {
		t.Fatal("expected error for unsupported protocol")
	}
}

func TestTracerNilSafe(t *testing.T) {
	var ts *TracerSetup
	if ts.Tracer() == nil {
		t.Error("nil setup should hand out a no-op tracer")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("nil shutdown: %v", err)
	}
}

func TestHealthCheckerReadiness(t *testing.T) {
	h := NewHealthChecker(slog.New(slog.DiscardHandler))

	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Errorf("no checks should be ok, got %q", status.Status)
	}

	h.AddCheck("database", func(context.Context) error { return nil })
	h.AddCheck("provider", func(context.Context) error { return errors.New("unreachable") })

	status := h.CheckReady(context.Background())
	if status.Status != "unavailable" {
		t.Errorf("status = %q, want unavailable", status.Status)
	}
	if status.Ready() {
		t.Error("failed required check must take the process out of rotation")
	}
	if status.Checks["database"].Status != "ok" {
		t.Errorf("database check = %+v", status.Checks["database"])
	}
	if status.Checks["provider"].Status != "fail" {
		t.Errorf("provider check = %+v", status.Checks["provider"])
	}
}

// An optional check failing degrades without making the process unready.
func TestHealthCheckerOptionalDegrades(t *testing.T) {
	h := NewHealthChecker(slog.New(slog.DiscardHandler))
	h.AddCheck("database", func(context.Context) error { return nil })
	h.AddOptionalCheck("trace_exporter", func(context.Context) error { return errors.New("collector down") })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if !status.Ready() {
		t.Error("degraded must still serve traffic")
	}
}

func TestHealthCheckerLiveness(t *testing.T) {
	h := NewHealthChecker(slog.New(slog.DiscardHandler))
	h.AddCheck("database", func(context.Context) error { return errors.New("down") })

	status := h.CheckHealth()
	if status.Status != "ok" {
		t.Errorf("liveness = %q, want ok regardless of dependencies", status.Status)
	}
	if status.Uptime == "" {
		t.Error("liveness should report uptime")
	}
}
