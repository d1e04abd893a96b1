// Package worker implements the research agent that executes one outline
// section: a bounded tool-use loop that gathers evidence through the tool
// registry and records findings in the evidence store.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/biosleuth/biosleuth/internal/budget"
	"github.com/biosleuth/biosleuth/internal/evidence"
	"github.com/biosleuth/biosleuth/internal/gateway"
	"github.com/biosleuth/biosleuth/internal/outline"
	"github.com/biosleuth/biosleuth/internal/registry"
)

// RecordEvidenceTool is the built-in tool every worker exposes to the
// model for persisting findings. It is handled by the worker itself, not
// the registry.
const RecordEvidenceTool = "record_evidence"

var recordEvidenceDef = gateway.ToolDef{
	Name: RecordEvidenceTool,
	Description: "Persist a research finding. Supply the verbatim source excerpts " +
		"that support the answer, the distilled answer itself, and the source " +
		"identifier (URL, PMID, accession). Returns the evidence id.",
	InputSchema: map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"source", "context", "answer"},
		"properties": map[string]interface{}{
			"source":  map[string]interface{}{"type": "string", "minLength": 1},
			"context": map[string]interface{}{"type": "array", "minItems": 1, "items": map[string]interface{}{"type": "string"}},
			"answer":  map[string]interface{}{"type": "string", "minLength": 1},
		},
	},
}

// Assignment is the unit of work handed to a worker: one section of the
// outline plus the tools it may use. An empty AllowedTools means every
// registered tool.
type Assignment struct {
	RunID        string
	Section      outline.Section
	AllowedTools []string
}

// EvidenceRef identifies one persisted evidence record and the source it
// came from.
type EvidenceRef struct {
	ID     string
	Source string
}

// Result is what a worker hands back to the supervisor. Partial results
// carry whatever evidence was gathered before the budget ran out.
type Result struct {
	SectionIndex  int
	Summary       string
	EvidenceIDs   []string
	Evidence      []EvidenceRef
	Partial       bool
	PartialReason string
	Steps         int
	Usage         gateway.TokenUsage
}

// Agent runs assignments. It holds no per-assignment state, so a single
// agent serves concurrent sections.
type Agent struct {
	client gateway.Client
	params gateway.Params
	reg    *registry.Registry
	store  evidence.Store
	log    *log.Logger
}

// New wires a worker agent to its collaborators. The params select the
// research model route.
func New(client gateway.Client, params gateway.Params, reg *registry.Registry, store evidence.Store, logger *log.Logger) *Agent {
	if logger == nil {
		logger = log.New(log.Writer(), "[WORKER] ", log.LstdFlags)
	}
	return &Agent{client: client, params: params, reg: reg, store: store, log: logger}
}

const workerSystemPrompt = `You are a biomedical research agent working on one sub-question.
Use the available tools to gather evidence. Every finding you intend to
rely on MUST be persisted with record_evidence before you finish; only
persisted evidence reaches the final report. When the sub-question is
answered, reply with a short plain-text summary of what you found and
stop calling tools.`

// Research executes the assignment's tool-use loop. The monitor bounds
// the loop: exhaustion degrades the section to a partial result rather
// than an error. Only context cancellation and gateway failures are
// returned as errors.
func (a *Agent) Research(ctx context.Context, asg Assignment, monitor *budget.Monitor) (Result, error) {
	ctx, span := otel.Tracer("biosleuth/worker").Start(ctx, "worker.research")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", asg.RunID),
		attribute.Int("section.index", asg.Section.Index),
	)

	res := Result{SectionIndex: asg.Section.Index}
	tools := a.toolDefs(asg.AllowedTools)
	allowed := allowedSet(asg.AllowedTools)

	messages := []gateway.Message{{
		Role:    gateway.RoleUser,
		Content: renderAssignment(asg.Section),
	}}

	for {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "cancelled")
			return res, err
		}
		if err := monitor.CheckTime(); err != nil {
			return a.partial(res, err), nil
		}
		if err := monitor.Step(); err != nil {
			return a.partial(res, err), nil
		}
		res.Steps++

		resp, err := a.client.ToolStep(ctx, gateway.ToolStepRequest{
			System:   workerSystemPrompt,
			Messages: messages,
			Tools:    tools,
			Params:   a.params,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "tool step failed")
			return res, err
		}
		res.Usage.InputTokens += resp.Usage.InputTokens
		res.Usage.OutputTokens += resp.Usage.OutputTokens
		if err := monitor.Add(0, resp.Usage.InputTokens+resp.Usage.OutputTokens); err != nil {
			return a.partial(res, err), nil
		}

		if len(resp.ToolCalls) == 0 {
			res.Summary = strings.TrimSpace(resp.Text)
			span.SetAttributes(attribute.Int("evidence.count", len(res.EvidenceIDs)))
			return res, nil
		}

		messages = append(messages, gateway.Message{
			Role:      gateway.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			content, err := a.dispatch(ctx, asg, allowed, call, &res)
			if err != nil {
				return res, err
			}
			messages = append(messages, gateway.Message{
				Role:       gateway.RoleTool,
				Content:    content,
				ToolCallID: call.ID,
			})
		}
	}
}

// dispatch routes one tool call. Tool-level failures become tool-result
// content for the model to react to; only cancellation propagates as an
// error.
func (a *Agent) dispatch(ctx context.Context, asg Assignment, allowed map[string]bool, call gateway.ToolCall, res *Result) (string, error) {
	if call.Name == RecordEvidenceTool {
		return a.recordEvidence(ctx, asg, call, res)
	}
	if allowed != nil && !allowed[call.Name] {
		return fmt.Sprintf("error: tool %s is not permitted for this section", call.Name), nil
	}

	out, err := a.reg.Invoke(ctx, call.Name, registry.Input(call.Arguments))
	switch {
	case err == nil:
		payload, merr := json.Marshal(out)
		if merr != nil {
			return fmt.Sprintf("error: tool %s produced unserialisable output", call.Name), nil
		}
		return string(payload), nil
	case ctx.Err() != nil:
		return "", ctx.Err()
	case errors.Is(err, registry.ErrUnknownTool):
		a.log.Printf("run %s section %d: model called unknown tool %s", asg.RunID, asg.Section.Index, call.Name)
		return fmt.Sprintf("error: unknown tool %s; available tools: %s", call.Name, a.toolNames(allowed)), nil
	default:
		// Schema rejections and executor failures alike go back to the
		// model as tool results.
		return "error: " + err.Error(), nil
	}
}

func (a *Agent) recordEvidence(ctx context.Context, asg Assignment, call gateway.ToolCall, res *Result) (string, error) {
	draft := evidence.Draft{
		Source:        stringArg(call.Arguments, "source"),
		Answer:        stringArg(call.Arguments, "answer"),
		RetrievalTool: RecordEvidenceTool,
	}
	if raw, ok := call.Arguments["context"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				draft.Context = append(draft.Context, s)
			}
		}
	}
	if err := draft.Validate(); err != nil {
		return "error: " + err.Error(), nil
	}

	id, err := a.store.Put(ctx, draft)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("evidence store rejected write: %w", err)
	}
	res.EvidenceIDs = append(res.EvidenceIDs, id)
	res.Evidence = append(res.Evidence, EvidenceRef{ID: id, Source: draft.Source})
	a.log.Printf("run %s section %d: recorded evidence %s", asg.RunID, asg.Section.Index, id)
	return fmt.Sprintf(`{"evidence_id":%q}`, id), nil
}

func (a *Agent) partial(res Result, cause error) Result {
	res.Partial = true
	res.PartialReason = cause.Error()
	a.log.Printf("section %d degraded to partial: %v", res.SectionIndex, cause)
	return res
}

// toolDefs builds the tool list declared to the model: the allowed
// registry tools plus the built-in evidence recorder.
func (a *Agent) toolDefs(allowedNames []string) []gateway.ToolDef {
	allowed := allowedSet(allowedNames)
	defs := []gateway.ToolDef{recordEvidenceDef}
	for _, info := range a.reg.List() {
		if allowed != nil && !allowed[info.Name] {
			continue
		}
		defs = append(defs, gateway.ToolDef{
			Name:        info.Name,
			Description: info.Description,
			InputSchema: info.InputSchema,
		})
	}
	return defs
}

func (a *Agent) toolNames(allowed map[string]bool) string {
	names := []string{RecordEvidenceTool}
	for _, info := range a.reg.List() {
		if allowed != nil && !allowed[info.Name] {
			continue
		}
		names = append(names, info.Name)
	}
	return strings.Join(names, ", ")
}

func allowedSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func renderAssignment(s outline.Section) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SECTION %d: %s\nSUB-QUESTION: %s\n", s.Index, s.Title, s.SubQuestion)
	if s.ContextHint != "" {
		fmt.Fprintf(&b, "CONTEXT: %s\n", s.ContextHint)
	}
	return b.String()
}

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
