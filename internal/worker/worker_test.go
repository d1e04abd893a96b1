package worker

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/biosleuth/biosleuth/internal/budget"
	"github.com/biosleuth/biosleuth/internal/evidence"
	"github.com/biosleuth/biosleuth/internal/gateway"
	"github.com/biosleuth/biosleuth/internal/outline"
	"github.com/biosleuth/biosleuth/internal/registry"
)

// scriptedClient replays canned ToolStep responses and captures the tool
// results the worker feeds back.
type scriptedClient struct {
	steps    []gateway.Response
	call     int
	requests []gateway.ToolStepRequest
}

func (s *scriptedClient) Generate(ctx context.Context, req gateway.GenerateRequest) (gateway.Response, error) {
	return gateway.Response{}, io.EOF
}

func (s *scriptedClient) GenerateCited(ctx context.Context, req gateway.CitedRequest) (gateway.Response, error) {
	return gateway.Response{}, io.EOF
}

func (s *scriptedClient) ToolStep(ctx context.Context, req gateway.ToolStepRequest) (gateway.Response, error) {
	s.requests = append(s.requests, req)
	if s.call >= len(s.steps) {
		return gateway.Response{}, io.EOF
	}
	resp := s.steps[s.call]
	s.call++
	return resp, nil
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(quietLogger())
	err := reg.Register(registry.Tool{
		Name:        "literature_search",
		Description: "search the literature",
		InputSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"query"},
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
			},
		},
		Executor: func(ctx context.Context, in registry.Input) (registry.Output, error) {
			return registry.Output{"hits": []interface{}{"PMID:1001"}}, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func assignment() Assignment {
	return Assignment{
		RunID: "run-1",
		Section: outline.Section{
			Index:       2,
			Title:       "Mechanism",
			SubQuestion: "What is metformin's mechanism of action?",
			ContextHint: "AMPK, complex I",
		},
	}
}

func stepBudget(n int) *budget.Monitor {
	return budget.NewMonitor(budget.Config{MaxSteps: &n})
}

func toolCall(id, name string, args map[string]interface{}) gateway.Response {
	return gateway.Response{ToolCalls: []gateway.ToolCall{{ID: id, Name: name, Arguments: args}}}
}

func TestResearchRecordsEvidenceAndFinishes(t *testing.T) {
	client := &scriptedClient{steps: []gateway.Response{
		toolCall("c1", "literature_search", map[string]interface{}{"query": "metformin AMPK"}),
		toolCall("c2", RecordEvidenceTool, map[string]interface{}{
			"source":  "PMID:1001",
			"context": []interface{}{"metformin activates AMPK"},
			"answer":  "metformin acts through AMPK activation",
		}),
		{Text: "Metformin acts primarily through AMPK."},
	}}
	store := evidence.NewMemoryStore()
	agent := New(client, gateway.Params{}, testRegistry(t), store, quietLogger())

	res, err := agent.Research(context.Background(), assignment(), stepBudget(8))
	if err != nil {
		t.Fatalf("Research: %v", err)
	}
	if res.Partial {
		t.Fatalf("unexpected partial: %s", res.PartialReason)
	}
	if res.SectionIndex != 2 || res.Steps != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.EvidenceIDs) != 1 {
		t.Fatalf("expected 1 evidence id, got %v", res.EvidenceIDs)
	}
	if len(res.Evidence) != 1 || res.Evidence[0].ID != res.EvidenceIDs[0] || res.Evidence[0].Source != "PMID:1001" {
		t.Fatalf("evidence refs wrong: %+v", res.Evidence)
	}
	rec, err := store.Get(context.Background(), res.EvidenceIDs[0])
	if err != nil {
		t.Fatalf("stored record missing: %v", err)
	}
	if rec.Source != "PMID:1001" || rec.RetrievalTool != RecordEvidenceTool {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if res.Summary != "Metformin acts primarily through AMPK." {
		t.Fatalf("summary not captured: %q", res.Summary)
	}

	// Tool result from the search must have been fed back to the model.
	second := client.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != gateway.RoleTool || last.ToolCallID != "c1" {
		t.Fatalf("tool result not appended: %+v", last)
	}
	if !strings.Contains(last.Content, "PMID:1001") {
		t.Fatalf("tool output not serialised: %q", last.Content)
	}
}

func TestResearchZeroStepBudgetIsImmediatePartial(t *testing.T) {
	client := &scriptedClient{}
	agent := New(client, gateway.Params{}, testRegistry(t), evidence.NewMemoryStore(), quietLogger())

	res, err := agent.Research(context.Background(), assignment(), stepBudget(0))
	if err != nil {
		t.Fatalf("Research: %v", err)
	}
	if !res.Partial || res.Steps != 0 {
		t.Fatalf("zero budget must degrade before any model call: %+v", res)
	}
	if len(client.requests) != 0 {
		t.Fatalf("no gateway call expected, got %d", len(client.requests))
	}
}

func TestResearchBudgetExhaustionMidLoop(t *testing.T) {
	client := &scriptedClient{steps: []gateway.Response{
		toolCall("c1", RecordEvidenceTool, map[string]interface{}{
			"source":  "PMID:1001",
			"context": []interface{}{"excerpt"},
			"answer":  "first finding",
		}),
		toolCall("c2", "literature_search", map[string]interface{}{"query": "more"}),
	}}
	agent := New(client, gateway.Params{}, testRegistry(t), evidence.NewMemoryStore(), quietLogger())

	res, err := agent.Research(context.Background(), assignment(), stepBudget(2))
	if err != nil {
		t.Fatalf("Research: %v", err)
	}
	if !res.Partial {
		t.Fatalf("expected partial after budget exhaustion")
	}
	if len(res.EvidenceIDs) != 1 {
		t.Fatalf("evidence gathered before exhaustion must be kept: %v", res.EvidenceIDs)
	}
}

func TestResearchUnknownToolReportedToModel(t *testing.T) {
	client := &scriptedClient{steps: []gateway.Response{
		toolCall("c1", "protein_blast", map[string]interface{}{"seq": "MKV"}),
		{Text: "done"},
	}}
	agent := New(client, gateway.Params{}, testRegistry(t), evidence.NewMemoryStore(), quietLogger())

	res, err := agent.Research(context.Background(), assignment(), stepBudget(4))
	if err != nil {
		t.Fatalf("unknown tool must not fail the section: %v", err)
	}
	if res.Partial {
		t.Fatalf("unexpected partial")
	}
	second := client.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if !strings.Contains(last.Content, "unknown tool protein_blast") {
		t.Fatalf("model not told about unknown tool: %q", last.Content)
	}
	if !strings.Contains(last.Content, "literature_search") {
		t.Fatalf("available tools not listed: %q", last.Content)
	}
}

func TestResearchSchemaRejectionReportedToModel(t *testing.T) {
	client := &scriptedClient{steps: []gateway.Response{
		toolCall("c1", "literature_search", map[string]interface{}{"q": "missing required field"}),
		{Text: "done"},
	}}
	agent := New(client, gateway.Params{}, testRegistry(t), evidence.NewMemoryStore(), quietLogger())

	_, err := agent.Research(context.Background(), assignment(), stepBudget(4))
	if err != nil {
		t.Fatalf("schema rejection must not fail the section: %v", err)
	}
	second := client.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if !strings.Contains(last.Content, "error:") {
		t.Fatalf("validation error not fed back: %q", last.Content)
	}
}

func TestResearchAllowedToolsEnforced(t *testing.T) {
	reg := testRegistry(t)
	err := reg.Register(registry.Tool{
		Name:     "structured_query",
		Executor: func(ctx context.Context, in registry.Input) (registry.Output, error) { return registry.Output{}, nil },
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	client := &scriptedClient{steps: []gateway.Response{
		toolCall("c1", "structured_query", map[string]interface{}{}),
		{Text: "done"},
	}}
	agent := New(client, gateway.Params{}, reg, evidence.NewMemoryStore(), quietLogger())

	asg := assignment()
	asg.AllowedTools = []string{"literature_search"}
	_, err = agent.Research(context.Background(), asg, stepBudget(4))
	if err != nil {
		t.Fatalf("Research: %v", err)
	}

	// Disallowed tools are excluded from the declared set and rejected if
	// called anyway.
	first := client.requests[0]
	for _, def := range first.Tools {
		if def.Name == "structured_query" {
			t.Fatalf("disallowed tool declared to model")
		}
	}
	second := client.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if !strings.Contains(last.Content, "not permitted") {
		t.Fatalf("disallowed call not rejected: %q", last.Content)
	}
}

func TestResearchCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := &scriptedClient{}
	agent := New(client, gateway.Params{}, testRegistry(t), evidence.NewMemoryStore(), quietLogger())

	_, err := agent.Research(ctx, assignment(), stepBudget(4))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestResearchInvalidEvidenceDraftReportedToModel(t *testing.T) {
	client := &scriptedClient{steps: []gateway.Response{
		toolCall("c1", RecordEvidenceTool, map[string]interface{}{
			"source":  "PMID:1001",
			"context": []interface{}{},
			"answer":  "",
		}),
		{Text: "done"},
	}}
	store := evidence.NewMemoryStore()
	agent := New(client, gateway.Params{}, testRegistry(t), store, quietLogger())

	res, err := agent.Research(context.Background(), assignment(), stepBudget(4))
	if err != nil {
		t.Fatalf("Research: %v", err)
	}
	if len(res.EvidenceIDs) != 0 || store.Len() != 0 {
		t.Fatalf("invalid draft must not be stored")
	}
	second := client.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if !strings.Contains(last.Content, "error:") {
		t.Fatalf("draft rejection not fed back: %q", last.Content)
	}
}
