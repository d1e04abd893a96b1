package telemetry

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/biosleuth/biosleuth/config"
	"github.com/biosleuth/biosleuth/internal/gateway"
)

type stubClient struct {
	resp gateway.Response
	err  error
}

func (s *stubClient) Generate(ctx context.Context, req gateway.GenerateRequest) (gateway.Response, error) {
	return s.resp, s.err
}

func (s *stubClient) ToolStep(ctx context.Context, req gateway.ToolStepRequest) (gateway.Response, error) {
	return s.resp, s.err
}

func (s *stubClient) GenerateCited(ctx context.Context, req gateway.CitedRequest) (gateway.Response, error) {
	return s.resp, s.err
}

func TestInstrumentedClientFeedsLedger(t *testing.T) {
	tel := New(config.TelemetryConfig{Enabled: true, CostTracking: true})
	inner := &stubClient{resp: gateway.Response{
		Text:  "answer",
		Model: "gpt-4o",
		Usage: gateway.TokenUsage{InputTokens: 1000, OutputTokens: 500},
	}}
	client := InstrumentClient(inner, tel, map[string]ModelRate{
		"gpt-4o": {InputPer1K: 0.01, OutputPer1K: 0.03},
	})

	ctx := context.Background()
	if _, err := client.Generate(ctx, gateway.GenerateRequest{Prompt: "q"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := client.ToolStep(ctx, gateway.ToolStepRequest{}); err != nil {
		t.Fatalf("ToolStep: %v", err)
	}
	if _, err := client.GenerateCited(ctx, gateway.CitedRequest{}); err != nil {
		t.Fatalf("GenerateCited: %v", err)
	}

	report := tel.CostReport()
	// 3 calls at 1000 in / 500 out: 3 * (0.01 + 0.015).
	if math.Abs(report.TotalCost-0.075) > 1e-9 {
		t.Fatalf("total cost = %f, want 0.075", report.TotalCost)
	}
	if report.TotalTokens != 4500 {
		t.Fatalf("total tokens = %d, want 4500", report.TotalTokens)
	}
	if math.Abs(report.ModelCosts["gpt-4o"]-0.075) > 1e-9 {
		t.Fatalf("per-model cost = %f", report.ModelCosts["gpt-4o"])
	}
}

func TestInstrumentedClientSkipsFailures(t *testing.T) {
	tel := New(config.TelemetryConfig{Enabled: true, CostTracking: true})
	inner := &stubClient{err: errors.New("provider down")}
	client := InstrumentClient(inner, tel, nil)

	if _, err := client.Generate(context.Background(), gateway.GenerateRequest{}); err == nil {
		t.Fatalf("expected the inner error to propagate")
	}
	if report := tel.CostReport(); report.TotalTokens != 0 {
		t.Fatalf("failed calls must not be recorded: %+v", report)
	}
}

func TestInstrumentedClientUnknownModelZeroCost(t *testing.T) {
	tel := New(config.TelemetryConfig{Enabled: true, CostTracking: true})
	inner := &stubClient{resp: gateway.Response{
		Text:  "answer",
		Model: "experimental",
		Usage: gateway.TokenUsage{InputTokens: 200, OutputTokens: 100},
	}}
	client := InstrumentClient(inner, tel, map[string]ModelRate{})

	if _, err := client.Generate(context.Background(), gateway.GenerateRequest{}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	report := tel.CostReport()
	if report.TotalCost != 0 {
		t.Fatalf("unpriced model must cost nothing: %f", report.TotalCost)
	}
	if report.TotalTokens != 300 {
		t.Fatalf("tokens still counted: %d", report.TotalTokens)
	}
}
