// Package gateway defines the uniform request/response interface to an LLM
// provider. It supports plain generation, single-step tool-use, and
// citation-bound generation; the tool-use loop itself is driven by the
// caller, never by the gateway.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message roles in a tool-use conversation.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Params are the decoding parameters for a single request.
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// ToolDef declares one tool to the model, with its JSON input schema.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// Message is one turn of a conversation. Assistant turns may carry tool
// calls; tool turns carry the result for a prior call id.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// DocumentBlock is one evidence document supplied to citation-bound
// generation. The model must cite blocks by ID.
type DocumentBlock struct {
	ID       string
	Title    string
	Excerpts []string
}

// Citation points back to a supplied document block.
type Citation struct {
	DocumentID string
}

// TokenUsage records prompt and completion token counts when the provider
// reports them.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is the uniform envelope for all three request shapes. Exactly
// one of Text (possibly with Citations) or ToolCalls is meaningful.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Citations []Citation
	Usage     TokenUsage
	Model     string
}

// GenerateRequest is plain text generation.
type GenerateRequest struct {
	System string
	Prompt string
	Params Params
}

// ToolStepRequest is one step of a caller-driven tool-use loop.
type ToolStepRequest struct {
	System   string
	Messages []Message
	Tools    []ToolDef
	Params   Params
}

// CitedRequest is citation-bound generation over document blocks.
type CitedRequest struct {
	System    string
	Prompt    string
	Documents []DocumentBlock
	Params    Params
}

// Client is the provider-agnostic gateway contract. Implementations must be
// safe for concurrent use; backoff state is per-instance.
type Client interface {
	// Generate produces plain text.
	Generate(ctx context.Context, req GenerateRequest) (Response, error)

	// ToolStep performs a single step: either final assistant text or one
	// or more tool-call requests.
	ToolStep(ctx context.Context, req ToolStepRequest) (Response, error)

	// GenerateCited produces text whose citation annotations each resolve
	// to a supplied document block. Implementations without native
	// citation support verify emitted markers post hoc and reject
	// responses containing unmatched markers.
	GenerateCited(ctx context.Context, req CitedRequest) (Response, error)
}

// ErrInvalidToolCall indicates the provider returned malformed tool
// arguments. Not retried.
var ErrInvalidToolCall = errors.New("gateway: invalid tool call")

// ErrProviderTransient indicates a retriable provider failure.
var ErrProviderTransient = errors.New("gateway: transient provider error")

// ErrCitationUnmatched indicates a generated citation marker did not match
// any supplied document block.
var ErrCitationUnmatched = errors.New("gateway: citation marker unmatched")

// BackoffError surfaces a provider rate limit with its advisory delay.
type BackoffError struct {
	RetryAfter time.Duration
}

func (e BackoffError) Error() string {
	return fmt.Sprintf("gateway: rate limited, retry after %s", e.RetryAfter)
}
