// Package outline defines the research outline a run executes against
// and the planner that proposes it.
package outline

import "fmt"

// Mode distinguishes questions answerable in a single pass from those
// that need decomposition into sections.
type Mode string

const (
	ModeDirect       Mode = "direct"
	ModeDecomposable Mode = "decomposable"
)

// Status tracks a section through its research lifecycle.
type Status string

const (
	StatusPlanned    Status = "planned"
	StatusInProgress Status = "in-progress"
	StatusResearched Status = "researched"
	StatusPartial    Status = "partial"
)

// Section is one unit of research work within an outline.
type Section struct {
	Index       int      `json:"index"`
	Title       string   `json:"title"`
	SubQuestion string   `json:"sub_question"`
	ContextHint string   `json:"context_hint,omitempty"`
	Independent bool     `json:"independent"`
	Status      Status   `json:"status"`
	Attempts    int      `json:"attempts"`
	EvidenceIDs []string `json:"evidence_ids,omitempty"`
	Gap         bool     `json:"gap,omitempty"`
}

// Outline is the plan of record for a research run. Once research
// begins the section list is append-only: review may add gap sections
// at the end but never reorders or removes existing ones.
type Outline struct {
	Question      string    `json:"question"`
	Mode          Mode      `json:"mode"`
	Reasoning     string    `json:"reasoning,omitempty"`
	Sections      []Section `json:"sections"`
	EstimatedCost float64   `json:"estimated_cost,omitempty"`
}

const (
	minDecomposedSections = 3
	maxDecomposedSections = 7
)

// Validate checks the structural invariants: contiguous indices from
// zero, non-empty sub-questions, and section counts matching the mode.
func (o Outline) Validate() error {
	if o.Question == "" {
		return fmt.Errorf("outline has no question")
	}
	switch o.Mode {
	case ModeDirect:
		if len(o.Sections) != 1 {
			return fmt.Errorf("direct outline must have exactly 1 section, got %d", len(o.Sections))
		}
	case ModeDecomposable:
		if n := len(o.Sections); n < minDecomposedSections || n > maxDecomposedSections {
			return fmt.Errorf("decomposed outline must have %d-%d sections, got %d",
				minDecomposedSections, maxDecomposedSections, n)
		}
	default:
		return fmt.Errorf("unknown outline mode %q", o.Mode)
	}
	for i, s := range o.Sections {
		if s.Index != i {
			return fmt.Errorf("section %d has index %d, indices must be contiguous from 0", i, s.Index)
		}
		if s.Title == "" {
			return fmt.Errorf("section %d has no title", i)
		}
		if s.SubQuestion == "" {
			return fmt.Errorf("section %d has no sub-question", i)
		}
	}
	return nil
}

// AppendGapSections adds review-identified gap sections after the
// existing ones, assigning the next indices. The original sections are
// untouched.
func (o *Outline) AppendGapSections(sections []Section) {
	next := len(o.Sections)
	for _, s := range sections {
		s.Index = next
		s.Status = StatusPlanned
		s.Gap = true
		o.Sections = append(o.Sections, s)
		next++
	}
}

// Pending returns the indices of sections still awaiting research.
func (o Outline) Pending() []int {
	var idx []int
	for _, s := range o.Sections {
		if s.Status == StatusPlanned {
			idx = append(idx, s.Index)
		}
	}
	return idx
}

// Clone deep-copies the outline so concurrent readers never observe a
// section slice being mutated.
func (o Outline) Clone() Outline {
	clone := o
	clone.Sections = make([]Section, len(o.Sections))
	copy(clone.Sections, o.Sections)
	for i := range clone.Sections {
		if ids := o.Sections[i].EvidenceIDs; ids != nil {
			clone.Sections[i].EvidenceIDs = append([]string(nil), ids...)
		}
	}
	return clone
}
