// Package telemetry provides run monitoring and cost tracking: prometheus
// metrics for runs, worker steps and model calls, plus an in-process cost
// ledger per model.
package telemetry

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/biosleuth/biosleuth/config"
)

// Telemetry aggregates metrics and costs across runs.
type Telemetry struct {
	config config.TelemetryConfig
	logger *log.Logger

	registry *prometheus.Registry

	runsTotal      *prometheus.CounterVec
	runDuration    prometheus.Histogram
	sectionsTotal  *prometheus.CounterVec
	workerSteps    prometheus.Counter
	modelCalls     *prometheus.CounterVec
	tokensTotal    *prometheus.CounterVec
	evidenceWrites prometheus.Counter

	costs *costTracker
	mu    sync.RWMutex
}

type costTracker struct {
	mu          sync.Mutex
	modelCosts  map[string]float64
	totalCost   float64
	totalTokens int64
}

// CostSummary is a snapshot of the cost ledger.
type CostSummary struct {
	TotalCost   float64            `json:"total_cost"`
	TotalTokens int64              `json:"total_tokens"`
	ModelCosts  map[string]float64 `json:"model_costs"`
}

// New creates a telemetry instance with its own prometheus registry.
func New(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config:   cfg,
		logger:   log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		registry: prometheus.NewRegistry(),
		costs:    &costTracker{modelCosts: make(map[string]float64)},
	}

	t.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "biosleuth_runs_total",
		Help: "Research runs by terminal state.",
	}, []string{"state"})
	t.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "biosleuth_run_duration_seconds",
		Help:    "Wall-clock duration of completed runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	t.sectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "biosleuth_sections_total",
		Help: "Researched sections by outcome.",
	}, []string{"status"})
	t.workerSteps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "biosleuth_worker_steps_total",
		Help: "Tool-use steps taken by worker agents.",
	})
	t.modelCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "biosleuth_model_calls_total",
		Help: "Model gateway calls by model name.",
	}, []string{"model"})
	t.tokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "biosleuth_tokens_total",
		Help: "Tokens consumed, by model and direction.",
	}, []string{"model", "direction"})
	t.evidenceWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "biosleuth_evidence_records_total",
		Help: "Evidence records written to the store.",
	})

	t.registry.MustRegister(
		t.runsTotal, t.runDuration, t.sectionsTotal,
		t.workerSteps, t.modelCalls, t.tokensTotal, t.evidenceWrites,
	)
	return t
}

// Handler serves the /metrics endpoint for this instance's registry.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// RecordRun records a finished run and its duration.
func (t *Telemetry) RecordRun(state string, duration time.Duration) {
	if !t.config.Enabled {
		return
	}
	t.runsTotal.WithLabelValues(state).Inc()
	t.runDuration.Observe(duration.Seconds())
	t.logger.Printf("run finished: state=%s duration=%v", state, duration)
}

// RecordSection records a section outcome.
func (t *Telemetry) RecordSection(status string, steps int) {
	if !t.config.Enabled {
		return
	}
	t.sectionsTotal.WithLabelValues(status).Inc()
	t.workerSteps.Add(float64(steps))
}

// RecordEvidence counts evidence writes.
func (t *Telemetry) RecordEvidence(n int) {
	if !t.config.Enabled {
		return
	}
	t.evidenceWrites.Add(float64(n))
}

// RecordModelCall records one gateway call with its token usage and adds
// the computed cost to the ledger.
func (t *Telemetry) RecordModelCall(model string, inputTokens, outputTokens int64, cost float64) {
	if !t.config.Enabled {
		return
	}
	t.modelCalls.WithLabelValues(model).Inc()
	t.tokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	t.tokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))

	if t.config.CostTracking {
		t.costs.mu.Lock()
		t.costs.modelCosts[model] += cost
		t.costs.totalCost += cost
		t.costs.totalTokens += inputTokens + outputTokens
		t.costs.mu.Unlock()
	}
}

// CalculateCost converts token counts to dollars for a model's per-1K
// pricing.
func CalculateCost(inputTokens, outputTokens int64, costPer1KInput, costPer1KOutput float64) float64 {
	return float64(inputTokens)/1000.0*costPer1KInput + float64(outputTokens)/1000.0*costPer1KOutput
}

// CostReport returns a copy of the cost ledger.
func (t *Telemetry) CostReport() CostSummary {
	t.costs.mu.Lock()
	defer t.costs.mu.Unlock()
	summary := CostSummary{
		TotalCost:   t.costs.totalCost,
		TotalTokens: t.costs.totalTokens,
		ModelCosts:  make(map[string]float64, len(t.costs.modelCosts)),
	}
	for k, v := range t.costs.modelCosts {
		summary.ModelCosts[k] = v
	}
	return summary
}

// Shutdown logs the final ledger.
func (t *Telemetry) Shutdown() {
	costs := t.CostReport()
	t.logger.Printf("final cost report: total=$%.4f tokens=%d", costs.TotalCost, costs.TotalTokens)
	for model, cost := range costs.ModelCosts {
		t.logger.Printf("  model %s: $%.4f", model, cost)
	}
}
