// Package openai implements gateway.Client against the OpenAI chat
// completions API using plain HTTP, including function calling for the
// tool-use step and a post-hoc verification pass for citation-bound
// generation (the API has no native citation annotations).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/biosleuth/biosleuth/internal/gateway"
)

const chatCompletionsURL = "https://api.openai.com/v1/chat/completions"

// Client talks to the OpenAI chat completions endpoint.
type Client struct {
	apiKey       string
	baseURL      string
	defaultModel string
	maxRetries   int
	httpClient   *http.Client
}

// New creates an OpenAI-backed gateway client.
func New(apiKey, defaultModel string, maxRetries int, timeout time.Duration) *Client {
	return &Client{
		apiKey:       apiKey,
		baseURL:      chatCompletionsURL,
		defaultModel: defaultModel,
		maxRetries:   maxRetries,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

// SetBaseURL overrides the API endpoint. Tests point this at a local
// server.
func (c *Client) SetBaseURL(url string) { c.baseURL = url }

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description,omitempty"`
		Parameters  map[string]interface{} `json:"parameters,omitempty"`
	} `json:"function"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate implements gateway.Client.
func (c *Client) Generate(ctx context.Context, req gateway.GenerateRequest) (gateway.Response, error) {
	msgs := []wireMessage{}
	if req.System != "" {
		msgs = append(msgs, wireMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, wireMessage{Role: "user", Content: req.Prompt})
	return gateway.WithRetry(ctx, c.maxRetries, func() (gateway.Response, error) {
		return c.complete(ctx, wireRequest{
			Model:       c.model(req.Params),
			Messages:    msgs,
			Temperature: req.Params.Temperature,
			MaxTokens:   req.Params.MaxTokens,
		})
	})
}

// ToolStep implements gateway.Client. The caller drives the loop; this is
// a single request.
func (c *Client) ToolStep(ctx context.Context, req gateway.ToolStepRequest) (gateway.Response, error) {
	msgs := make([]wireMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, wireMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, encodeMessage(m))
	}
	tools := make([]wireTool, 0, len(req.Tools))
	for _, t := range req.Tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.InputSchema
		tools = append(tools, wt)
	}
	return gateway.WithRetry(ctx, c.maxRetries, func() (gateway.Response, error) {
		return c.complete(ctx, wireRequest{
			Model:       c.model(req.Params),
			Messages:    msgs,
			Temperature: req.Params.Temperature,
			MaxTokens:   req.Params.MaxTokens,
			Tools:       tools,
		})
	})
}

// GenerateCited implements gateway.Client by rendering the document blocks
// into the prompt, instructing the model to emit [id:TOKEN] markers, and
// rejecting responses containing markers that match no supplied block.
func (c *Client) GenerateCited(ctx context.Context, req gateway.CitedRequest) (gateway.Response, error) {
	system := req.System
	if system != "" {
		system += "\n\n"
	}
	system += "Cite evidence inline using markers of the exact form [id:TOKEN], " +
		"where TOKEN is the id of one of the supplied documents. Place each marker " +
		"at the end of the sentence it supports, before the terminal punctuation. " +
		"Never invent ids and never cite documents that were not supplied."

	prompt := gateway.RenderDocumentBlocks(req.Documents) + "\n" + req.Prompt

	resp, err := gateway.WithRetry(ctx, c.maxRetries, func() (gateway.Response, error) {
		return c.complete(ctx, wireRequest{
			Model:       c.model(req.Params),
			Messages:    append(systemMessage(system), wireMessage{Role: "user", Content: prompt}),
			Temperature: req.Params.Temperature,
			MaxTokens:   req.Params.MaxTokens,
		})
	})
	if err != nil {
		return gateway.Response{}, err
	}
	citations, err := gateway.VerifyMarkers(resp.Text, req.Documents)
	if err != nil {
		return gateway.Response{}, err
	}
	resp.Citations = citations
	return resp, nil
}

func systemMessage(system string) []wireMessage {
	if system == "" {
		return nil
	}
	return []wireMessage{{Role: "system", Content: system}}
}

func (c *Client) model(p gateway.Params) string {
	if p.Model != "" {
		return p.Model
	}
	return c.defaultModel
}

func encodeMessage(m gateway.Message) wireMessage {
	wm := wireMessage{Content: m.Content}
	switch m.Role {
	case gateway.RoleTool:
		wm.Role = "tool"
		wm.ToolCallID = m.ToolCallID
	case gateway.RoleAssistant:
		wm.Role = "assistant"
		for _, tc := range m.ToolCalls {
			var wtc wireToolCall
			wtc.ID = tc.ID
			wtc.Type = "function"
			wtc.Function.Name = tc.Name
			if args, err := json.Marshal(tc.Arguments); err == nil {
				wtc.Function.Arguments = string(args)
			}
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
	default:
		wm.Role = "user"
	}
	return wm
}

func (c *Client) complete(ctx context.Context, body wireRequest) (gateway.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return gateway.Response{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return gateway.Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return gateway.Response{}, ctx.Err()
		}
		return gateway.Response{}, fmt.Errorf("%w: %v", gateway.ErrProviderTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 2 * time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return gateway.Response{}, gateway.BackoffError{RetryAfter: retryAfter}
	case resp.StatusCode >= 500:
		return gateway.Response{}, fmt.Errorf("%w: status %d", gateway.ErrProviderTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return gateway.Response{}, fmt.Errorf("API returned status: %d", resp.StatusCode)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return gateway.Response{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return gateway.Response{}, fmt.Errorf("%w: empty choices", gateway.ErrProviderTransient)
	}

	msg := wire.Choices[0].Message
	out := gateway.Response{
		Text:  msg.Content,
		Model: wire.Model,
		Usage: gateway.TokenUsage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
		},
	}
	for _, tc := range msg.ToolCalls {
		var args map[string]interface{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return gateway.Response{}, fmt.Errorf("%w: tool %s arguments: %v", gateway.ErrInvalidToolCall, tc.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, gateway.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}
