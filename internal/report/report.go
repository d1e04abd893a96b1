// Package report assembles the final cited report from researched
// outline sections and the evidence store.
package report

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/biosleuth/biosleuth/internal/evidence"
	"github.com/biosleuth/biosleuth/internal/gateway"
	"github.com/biosleuth/biosleuth/internal/outline"
)

// StaleReferenceError indicates a section referenced an evidence id that
// the store no longer resolves. Synthesis aborts rather than degrading.
type StaleReferenceError struct {
	SectionIndex int
	Cause        error
}

func (e StaleReferenceError) Error() string {
	return fmt.Sprintf("section %d references stale evidence: %v", e.SectionIndex, e.Cause)
}

func (e StaleReferenceError) Unwrap() error { return e.Cause }

// CitationError indicates a section body still contained unresolvable
// citation markers after the regeneration budget was spent.
type CitationError struct {
	SectionIndex int
	Attempts     int
	Cause        error
}

func (e CitationError) Error() string {
	return fmt.Sprintf("section %d citations unresolved after %d attempts: %v", e.SectionIndex, e.Attempts, e.Cause)
}

func (e CitationError) Unwrap() error { return e.Cause }

// SectionText is one rendered section of the report.
type SectionText struct {
	Index   int
	Title   string
	Body    string
	Partial bool
}

// BibliographyEntry maps an evidence id to its source, in order of first
// appearance across the report.
type BibliographyEntry struct {
	ID     string
	Source string
}

// Report is the assembled output of a run.
type Report struct {
	RunID        string
	Question     string
	Introduction string
	Sections     []SectionText
	Conclusion   string
	Bibliography []BibliographyEntry
}

// Markdown renders the report for delivery.
func (r Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", r.Question)
	if r.Introduction != "" {
		b.WriteString(r.Introduction + "\n\n")
	}
	for _, s := range r.Sections {
		fmt.Fprintf(&b, "## %s\n\n", s.Title)
		if s.Partial {
			b.WriteString("_This section is based on incomplete research._\n\n")
		}
		b.WriteString(s.Body + "\n\n")
	}
	if r.Conclusion != "" {
		b.WriteString("## Conclusion\n\n" + r.Conclusion + "\n\n")
	}
	if len(r.Bibliography) > 0 {
		b.WriteString("## References\n\n")
		for i, e := range r.Bibliography {
			fmt.Fprintf(&b, "%d. [id:%s] %s\n", i+1, e.ID, e.Source)
		}
	}
	return b.String()
}

// Synthesizer turns researched sections into a cited report.
type Synthesizer struct {
	client gateway.Client
	params gateway.Params
	store  evidence.Store
	log    *log.Logger

	// maxRegenerations bounds the retry loop for sections whose body
	// came back with unmatched citation markers.
	maxRegenerations int
}

// NewSynthesizer wires the synthesizer. The params select the synthesis
// model route.
func NewSynthesizer(client gateway.Client, params gateway.Params, store evidence.Store, logger *log.Logger) *Synthesizer {
	if logger == nil {
		logger = log.New(log.Writer(), "[REPORT] ", log.LstdFlags)
	}
	return &Synthesizer{
		client:           client,
		params:           params,
		store:            store,
		log:              logger,
		maxRegenerations: 2,
	}
}

const sectionSystemPrompt = `You are writing one section of a biomedical research report.
Base every claim on the supplied evidence documents. Write flowing prose,
not bullet lists. Do not restate the sub-question.`

const overviewSystemPrompt = `You are finishing a biomedical research report. Write plain
prose without citation markers.`

// Synthesize builds the report for a completed outline. Summaries maps
// section index to the worker's closing summary (used for sections that
// recorded no evidence). Every referenced evidence id must still resolve;
// a missing id aborts with StaleReferenceError.
func (s *Synthesizer) Synthesize(ctx context.Context, runID string, o outline.Outline, summaries map[int]string) (Report, error) {
	rep := Report{RunID: runID, Question: o.Question}
	seen := make(map[string]bool)

	for _, sec := range o.Sections {
		text, records, err := s.section(ctx, sec, summaries[sec.Index])
		if err != nil {
			return Report{}, err
		}
		rep.Sections = append(rep.Sections, text)

		// Bibliography in first-appearance order, one entry per id.
		sources := make(map[string]string, len(records))
		for _, rec := range records {
			sources[rec.ID] = rec.Source
		}
		for _, id := range gateway.ParseMarkers(text.Body) {
			if !seen[id] {
				seen[id] = true
				rep.Bibliography = append(rep.Bibliography, BibliographyEntry{ID: id, Source: sources[id]})
			}
		}
	}

	// Direct questions get a minimal single-section report; only
	// decomposed outlines carry the introduction/conclusion framing.
	if o.Mode == outline.ModeDecomposable {
		intro, conclusion, err := s.overview(ctx, o.Question, rep.Sections)
		if err != nil {
			return Report{}, err
		}
		rep.Introduction = intro
		rep.Conclusion = conclusion
	}
	return rep, nil
}

// section produces the body for one outline section. Sections without
// evidence fall back to the worker summary with an explicit note instead
// of fabricating citations.
func (s *Synthesizer) section(ctx context.Context, sec outline.Section, summary string) (SectionText, []evidence.Record, error) {
	text := SectionText{
		Index:   sec.Index,
		Title:   sec.Title,
		Partial: sec.Status == outline.StatusPartial,
	}

	if len(sec.EvidenceIDs) == 0 {
		body := "No supporting evidence was recorded for this section."
		if summary != "" {
			body = summary + "\n\n" + body
		}
		text.Body = body
		return text, nil, nil
	}

	records, err := evidence.Resolve(ctx, s.store, sec.EvidenceIDs)
	if err != nil {
		if errors.Is(err, evidence.ErrNotFound) {
			return SectionText{}, nil, StaleReferenceError{SectionIndex: sec.Index, Cause: err}
		}
		return SectionText{}, nil, err
	}

	docs := make([]gateway.DocumentBlock, 0, len(records))
	for _, rec := range records {
		docs = append(docs, gateway.DocumentBlock{
			ID:       rec.ID,
			Title:    rec.Source,
			Excerpts: append(append([]string(nil), rec.Context...), rec.Answer),
		})
	}

	prompt := fmt.Sprintf("Write the report section %q answering: %s", sec.Title, sec.SubQuestion)
	req := gateway.CitedRequest{
		System:    sectionSystemPrompt,
		Prompt:    prompt,
		Documents: docs,
		Params:    s.params,
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRegenerations; attempt++ {
		if attempt > 0 {
			s.log.Printf("section %d: regenerating after citation mismatch (attempt %d)", sec.Index, attempt)
			req.Prompt = prompt + "\nYour previous draft cited a document that was not supplied. " +
				"Cite only the ids listed in the documents above."
		}
		resp, err := s.client.GenerateCited(ctx, req)
		if err == nil {
			text.Body = strings.TrimSpace(resp.Text)
			return text, records, nil
		}
		if !errors.Is(err, gateway.ErrCitationUnmatched) {
			return SectionText{}, nil, err
		}
		lastErr = err
	}
	return SectionText{}, nil, CitationError{
		SectionIndex: sec.Index,
		Attempts:     s.maxRegenerations + 1,
		Cause:        lastErr,
	}
}

// overview generates the introduction and conclusion from the finished
// section bodies, after all sections exist.
func (s *Synthesizer) overview(ctx context.Context, question string, sections []SectionText) (string, string, error) {
	var digest strings.Builder
	for _, sec := range sections {
		fmt.Fprintf(&digest, "%s: %s\n", sec.Title, gateway.StripMarkers(sec.Body))
	}

	intro, err := s.client.Generate(ctx, gateway.GenerateRequest{
		System: overviewSystemPrompt,
		Prompt: fmt.Sprintf("QUESTION: %s\n\nSECTION DIGESTS:\n%s\nWrite a short introduction for this report.", question, digest.String()),
		Params: s.params,
	})
	if err != nil {
		return "", "", fmt.Errorf("introduction generation failed: %w", err)
	}
	conclusion, err := s.client.Generate(ctx, gateway.GenerateRequest{
		System: overviewSystemPrompt,
		Prompt: fmt.Sprintf("QUESTION: %s\n\nSECTION DIGESTS:\n%s\nWrite a short conclusion synthesising the findings.", question, digest.String()),
		Params: s.params,
	})
	if err != nil {
		return "", "", fmt.Errorf("conclusion generation failed: %w", err)
	}
	return strings.TrimSpace(intro.Text), strings.TrimSpace(conclusion.Text), nil
}
