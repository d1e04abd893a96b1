package openai

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/biosleuth/biosleuth/internal/gateway"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	old := gateway.RetryBaseDelay
	gateway.RetryBaseDelay = time.Millisecond
	t.Cleanup(func() { gateway.RetryBaseDelay = old })

	c := New("test-key", "gpt-4o", 2, 5*time.Second)
	c.SetBaseURL(srv.URL)
	return c
}

func completion(content string) map[string]interface{} {
	return map[string]interface{}{
		"model": "gpt-4o",
		"choices": []map[string]interface{}{
			{"message": map[string]interface{}{"role": "assistant", "content": content}},
		},
		"usage": map[string]interface{}{"prompt_tokens": 10, "completion_tokens": 5},
	}
}

func TestGenerate(t *testing.T) {
	var gotAuth string
	var gotReq map[string]interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(completion("the answer"))
	})

	resp, err := c.Generate(t.Context(), gateway.GenerateRequest{
		System: "be brief",
		Prompt: "what is insulin?",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "the answer" {
		t.Fatalf("unexpected text: %q", resp.Text)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
	if gotReq["model"] != "gpt-4o" {
		t.Fatalf("default model not applied: %v", gotReq["model"])
	}
}

func TestToolStepDecodesToolCalls(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "gpt-4o",
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{
					"role": "assistant",
					"tool_calls": []map[string]interface{}{
						{
							"id":   "call_1",
							"type": "function",
							"function": map[string]interface{}{
								"name":      "literature_search",
								"arguments": `{"query":"insulin receptor"}`,
							},
						},
					},
				}},
			},
		})
	})

	resp, err := c.ToolStep(t.Context(), gateway.ToolStepRequest{
		Messages: []gateway.Message{{Role: gateway.RoleUser, Content: "find papers"}},
		Tools:    []gateway.ToolDef{{Name: "literature_search"}},
	})
	if err != nil {
		t.Fatalf("ToolStep: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "literature_search" {
		t.Fatalf("unexpected tool call: %+v", tc)
	}
	if tc.Arguments["query"] != "insulin receptor" {
		t.Fatalf("unexpected arguments: %v", tc.Arguments)
	}
}

func TestToolStepMalformedArguments(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "gpt-4o",
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{
					"role": "assistant",
					"tool_calls": []map[string]interface{}{
						{
							"id":   "call_1",
							"type": "function",
							"function": map[string]interface{}{
								"name":      "literature_search",
								"arguments": `{"query": truncated`,
							},
						},
					},
				}},
			},
		})
	})

	_, err := c.ToolStep(t.Context(), gateway.ToolStepRequest{
		Messages: []gateway.Message{{Role: gateway.RoleUser, Content: "find papers"}},
	})
	if !errors.Is(err, gateway.ErrInvalidToolCall) {
		t.Fatalf("expected ErrInvalidToolCall, got %v", err)
	}
}

func TestRateLimitThenRecovery(t *testing.T) {
	attempts := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(completion("recovered"))
	})

	resp, err := c.Generate(t.Context(), gateway.GenerateRequest{Prompt: "q"})
	if err != nil {
		t.Fatalf("Generate after rate limit: %v", err)
	}
	if resp.Text != "recovered" || attempts != 2 {
		t.Fatalf("expected recovery on second attempt, got %q after %d", resp.Text, attempts)
	}
}

func TestServerErrorsExhaustRetries(t *testing.T) {
	attempts := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.Generate(t.Context(), gateway.GenerateRequest{Prompt: "q"})
	if !errors.Is(err, gateway.ErrProviderTransient) {
		t.Fatalf("expected ErrProviderTransient, got %v", err)
	}
	if attempts != 3 { // initial try + maxRetries(2)
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestGenerateCited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completion("Insulin lowers glucose [id:doc1]."))
	})

	resp, err := c.GenerateCited(t.Context(), gateway.CitedRequest{
		Prompt:    "summarize",
		Documents: []gateway.DocumentBlock{{ID: "doc1", Title: "Banting 1922"}},
	})
	if err != nil {
		t.Fatalf("GenerateCited: %v", err)
	}
	if len(resp.Citations) != 1 || resp.Citations[0].DocumentID != "doc1" {
		t.Fatalf("unexpected citations: %+v", resp.Citations)
	}
}

func TestGenerateCitedRejectsUnknownMarker(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completion("A claim [id:bogus]."))
	})

	_, err := c.GenerateCited(t.Context(), gateway.CitedRequest{
		Prompt:    "summarize",
		Documents: []gateway.DocumentBlock{{ID: "doc1", Title: "Banting 1922"}},
	})
	if !errors.Is(err, gateway.ErrCitationUnmatched) {
		t.Fatalf("expected ErrCitationUnmatched, got %v", err)
	}
}
