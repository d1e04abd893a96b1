package telemetry

import (
	"context"

	"github.com/biosleuth/biosleuth/internal/gateway"
)

// ModelRate is the per-1K-token pricing for one model, keyed by the API
// model name the gateway reports back.
type ModelRate struct {
	InputPer1K  float64
	OutputPer1K float64
}

// InstrumentClient wraps a gateway client so every successful call lands
// in the metrics registry and, when cost tracking is on, the cost ledger.
// Models without a configured rate are still counted, at zero cost.
func InstrumentClient(inner gateway.Client, tele *Telemetry, rates map[string]ModelRate) gateway.Client {
	return &instrumentedClient{inner: inner, tele: tele, rates: rates}
}

type instrumentedClient struct {
	inner gateway.Client
	tele  *Telemetry
	rates map[string]ModelRate
}

func (c *instrumentedClient) Generate(ctx context.Context, req gateway.GenerateRequest) (gateway.Response, error) {
	resp, err := c.inner.Generate(ctx, req)
	c.record(resp, err)
	return resp, err
}

func (c *instrumentedClient) ToolStep(ctx context.Context, req gateway.ToolStepRequest) (gateway.Response, error) {
	resp, err := c.inner.ToolStep(ctx, req)
	c.record(resp, err)
	return resp, err
}

func (c *instrumentedClient) GenerateCited(ctx context.Context, req gateway.CitedRequest) (gateway.Response, error) {
	resp, err := c.inner.GenerateCited(ctx, req)
	c.record(resp, err)
	return resp, err
}

func (c *instrumentedClient) record(resp gateway.Response, err error) {
	if err != nil {
		return
	}
	rate := c.rates[resp.Model]
	cost := CalculateCost(resp.Usage.InputTokens, resp.Usage.OutputTokens, rate.InputPer1K, rate.OutputPer1K)
	c.tele.RecordModelCall(resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens, cost)
}
