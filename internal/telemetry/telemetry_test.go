package telemetry

import (
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/biosleuth/biosleuth/config"
)

func TestCalculateCost(t *testing.T) {
	got := CalculateCost(2000, 1000, 0.01, 0.03)
	want := 0.05
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("CalculateCost = %f, want %f", got, want)
	}
}

func TestCostReport(t *testing.T) {
	tel := New(config.TelemetryConfig{Enabled: true, CostTracking: true})
	tel.RecordModelCall("gpt-4o", 1000, 500, 0.02)
	tel.RecordModelCall("gpt-4o-mini", 1000, 500, 0.002)
	tel.RecordModelCall("gpt-4o", 1000, 500, 0.02)

	report := tel.CostReport()
	if math.Abs(report.TotalCost-0.042) > 1e-9 {
		t.Fatalf("total cost = %f", report.TotalCost)
	}
	if report.TotalTokens != 4500 {
		t.Fatalf("total tokens = %d", report.TotalTokens)
	}
	if math.Abs(report.ModelCosts["gpt-4o"]-0.04) > 1e-9 {
		t.Fatalf("per-model cost = %f", report.ModelCosts["gpt-4o"])
	}
}

func TestDisabledTelemetryIsNoop(t *testing.T) {
	tel := New(config.TelemetryConfig{Enabled: false, CostTracking: true})
	tel.RecordModelCall("gpt-4o", 1000, 500, 0.02)
	tel.RecordRun("done", time.Second)
	if report := tel.CostReport(); report.TotalCost != 0 {
		t.Fatalf("disabled telemetry must not track costs: %+v", report)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	tel := New(config.TelemetryConfig{Enabled: true})
	tel.RecordRun("done", 3*time.Second)
	tel.RecordSection("researched", 5)
	tel.RecordEvidence(2)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"biosleuth_runs_total",
		"biosleuth_sections_total",
		"biosleuth_worker_steps_total",
		"biosleuth_evidence_records_total",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
