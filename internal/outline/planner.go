package outline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/biosleuth/biosleuth/internal/gateway"
)

const plannerSystemPrompt = `You are a biomedical research planner. Given a research question,
decide whether it can be answered directly or needs decomposition.
Output STRICT JSON only, no prose, no code fences:
{"mode":"direct"|"decomposable","reasoning":string,"estimated_cost":number,
 "sections":[{"title":string,"sub_question":string,"context_hint":string,"independent":bool}]}
Rules:
- "direct" outlines have exactly one section restating the question.
- "decomposable" outlines have 3-7 sections, each a self-contained sub-question.
- Mark a section "independent": true only if it can be researched without
  the findings of any other section.
- context_hint is a one-line pointer for the researcher (key terms, likely
  databases), not an answer.
- estimated_cost is your dollar estimate for researching the whole outline.`

// Planner proposes research outlines by calling the model gateway and
// validating the structured reply.
type Planner struct {
	client gateway.Client
	params gateway.Params
	log    *log.Logger
}

// NewPlanner wires a planner to a gateway client. The params select the
// planning model route.
func NewPlanner(client gateway.Client, params gateway.Params, logger *log.Logger) *Planner {
	if logger == nil {
		logger = log.New(log.Writer(), "[PLANNER] ", log.LstdFlags)
	}
	return &Planner{client: client, params: params, log: logger}
}

// Propose asks the model for an outline of the question. A reply that
// fails schema or structural validation gets one repair attempt with the
// validation error fed back; a second failure is returned to the caller.
func (p *Planner) Propose(ctx context.Context, question string) (Outline, error) {
	prompt := "RESEARCH QUESTION:\n" + question
	out, err := p.propose(ctx, prompt, question)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return Outline{}, ctx.Err()
	}
	p.log.Printf("outline rejected, retrying once: %v", err)
	repair := prompt + "\n\nYour previous outline was rejected: " + err.Error() +
		"\nReturn a corrected JSON outline."
	return p.propose(ctx, repair, question)
}

func (p *Planner) propose(ctx context.Context, prompt, question string) (Outline, error) {
	resp, err := p.client.Generate(ctx, gateway.GenerateRequest{
		System: plannerSystemPrompt,
		Prompt: prompt,
		Params: p.params,
	})
	if err != nil {
		return Outline{}, fmt.Errorf("planning request failed: %w", err)
	}

	raw := stripFences(resp.Text)
	if err := ValidateDocument([]byte(raw)); err != nil {
		return Outline{}, err
	}

	var doc struct {
		Mode          Mode    `json:"mode"`
		Reasoning     string  `json:"reasoning"`
		EstimatedCost float64 `json:"estimated_cost"`
		Sections      []struct {
			Title       string `json:"title"`
			SubQuestion string `json:"sub_question"`
			ContextHint string `json:"context_hint"`
			Independent bool   `json:"independent"`
		} `json:"sections"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Outline{}, fmt.Errorf("bad JSON from model: %w", err)
	}

	out := Outline{
		Question:      question,
		Mode:          doc.Mode,
		Reasoning:     doc.Reasoning,
		EstimatedCost: doc.EstimatedCost,
	}
	for i, s := range doc.Sections {
		out.Sections = append(out.Sections, Section{
			Index:       i,
			Title:       s.Title,
			SubQuestion: s.SubQuestion,
			ContextHint: s.ContextHint,
			Independent: s.Independent,
			Status:      StatusPlanned,
		})
	}
	if err := out.Validate(); err != nil {
		return Outline{}, err
	}
	return out, nil
}

// stripFences removes a leading/trailing markdown code fence if the
// model wrapped its JSON despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
