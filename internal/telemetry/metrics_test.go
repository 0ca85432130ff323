package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal is nil")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.ActiveRequests == nil {
		t.Error("ActiveRequests is nil")
	}
	if m.SelectTotal == nil {
		t.Error("SelectTotal is nil")
	}
	if m.MarkTotal == nil {
		t.Error("MarkTotal is nil")
	}
	if m.MarkPermanentFailureTotal == nil {
		t.Error("MarkPermanentFailureTotal is nil")
	}
	if m.ProxyAttemptsTotal == nil {
		t.Error("ProxyAttemptsTotal is nil")
	}
	if m.EstimatedCostTotal == nil {
		t.Error("EstimatedCostTotal is nil")
	}
	if m.RequestLogQueueDepth == nil {
		t.Error("RequestLogQueueDepth is nil")
	}
	if m.RequestLogDropped == nil {
		t.Error("RequestLogDropped is nil")
	}
	if m.UsageRefreshFailures == nil {
		t.Error("UsageRefreshFailures is nil")
	}

	// Verify metrics can be gathered without error.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected at least one metric family")
	}
}

func TestNewMetricsIncrement(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	// Increment counters and observe histograms to verify they work.
	m.RequestsTotal.WithLabelValues("POST", "/v1/responses", "200").Inc()
	m.SelectTotal.WithLabelValues("scored").Inc()
	m.MarkTotal.WithLabelValues("rate_limit").Inc()
	m.MarkPermanentFailureTotal.WithLabelValues("refresh_token_invalid").Inc()
	m.RequestLogDropped.Inc()
	m.UsageRefreshFailures.WithLabelValues("503", "usage").Inc()
	m.ActiveRequests.Set(5)
	m.RequestDuration.WithLabelValues("POST", "/v1/responses").Observe(0.123)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather after increment: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	want := []string{
		"codexlb_requests_total",
		"codexlb_lb_select_total",
		"codexlb_lb_mark_total",
		"codexlb_lb_mark_permanent_failure_total",
		"codexlb_request_logs_dropped_total",
		"codexlb_usage_refresh_failures_total",
		"codexlb_active_requests",
		"codexlb_request_duration_seconds",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("missing metric %q in gathered families", name)
		}
	}
}

// SetupTracing is not unit-tested because it requires a gRPC connection
// to an OTLP collector, which is integration-test territory.
