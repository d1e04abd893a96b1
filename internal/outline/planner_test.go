package outline

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/biosleuth/biosleuth/internal/gateway"
)

// scriptedClient returns canned generate replies in order.
type scriptedClient struct {
	replies []string
	calls   int
	prompts []string
}

func (s *scriptedClient) Generate(ctx context.Context, req gateway.GenerateRequest) (gateway.Response, error) {
	s.prompts = append(s.prompts, req.Prompt)
	if s.calls >= len(s.replies) {
		return gateway.Response{}, io.EOF
	}
	text := s.replies[s.calls]
	s.calls++
	return gateway.Response{Text: text}, nil
}

func (s *scriptedClient) ToolStep(ctx context.Context, req gateway.ToolStepRequest) (gateway.Response, error) {
	return gateway.Response{}, io.EOF
}

func (s *scriptedClient) GenerateCited(ctx context.Context, req gateway.CitedRequest) (gateway.Response, error) {
	return gateway.Response{}, io.EOF
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

const validOutlineJSON = `{
  "mode": "decomposable",
  "reasoning": "multi-faceted question",
  "estimated_cost": 0.4,
  "sections": [
    {"title": "Mechanism", "sub_question": "What is the mechanism?", "independent": true},
    {"title": "Animal evidence", "sub_question": "What do animal models show?", "independent": true},
    {"title": "Human evidence", "sub_question": "What do human trials show?"}
  ]
}`

func TestProposeParsesOutline(t *testing.T) {
	client := &scriptedClient{replies: []string{validOutlineJSON}}
	p := NewPlanner(client, gateway.Params{Model: "plan-model"}, quietLogger())

	out, err := p.Propose(context.Background(), "How does metformin affect longevity?")
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if out.Mode != ModeDecomposable || len(out.Sections) != 3 {
		t.Fatalf("unexpected outline: %+v", out)
	}
	if out.Sections[0].Index != 0 || out.Sections[2].Index != 2 {
		t.Fatalf("indices not assigned in order: %+v", out.Sections)
	}
	if out.Sections[0].Status != StatusPlanned {
		t.Fatalf("sections must start planned, got %s", out.Sections[0].Status)
	}
	if out.Question != "How does metformin affect longevity?" {
		t.Fatalf("question not carried: %q", out.Question)
	}
}

func TestProposeStripsCodeFences(t *testing.T) {
	client := &scriptedClient{replies: []string{"```json\n" + validOutlineJSON + "\n```"}}
	p := NewPlanner(client, gateway.Params{}, quietLogger())
	if _, err := p.Propose(context.Background(), "q"); err != nil {
		t.Fatalf("Propose with fenced reply: %v", err)
	}
}

func TestProposeRepairsOnce(t *testing.T) {
	client := &scriptedClient{replies: []string{`{"mode":"decomposable","sections":[]}`, validOutlineJSON}}
	p := NewPlanner(client, gateway.Params{}, quietLogger())

	out, err := p.Propose(context.Background(), "q")
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if client.calls != 2 {
		t.Fatalf("expected a single repair attempt, got %d calls", client.calls)
	}
	if len(client.prompts) != 2 || client.prompts[1] == client.prompts[0] {
		t.Fatalf("repair prompt must include the rejection")
	}
	if len(out.Sections) != 3 {
		t.Fatalf("unexpected repaired outline: %+v", out)
	}
}

func TestProposeFailsAfterSecondRejection(t *testing.T) {
	bad := `{"mode":"decomposable","sections":[]}`
	client := &scriptedClient{replies: []string{bad, bad}}
	p := NewPlanner(client, gateway.Params{}, quietLogger())
	if _, err := p.Propose(context.Background(), "q"); err == nil {
		t.Fatalf("expected failure after two invalid outlines")
	}
}
