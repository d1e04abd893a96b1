package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/biosleuth/biosleuth/internal/outline"
	"github.com/biosleuth/biosleuth/internal/report"
	"github.com/biosleuth/biosleuth/internal/worker"
)

const eventBufferSize = 128

// Run is the supervisor's record of one research run. All mutation goes
// through the methods below; readers get copies.
type Run struct {
	ID       string
	Question string

	mu        sync.RWMutex
	state     State
	outline   outline.Outline
	planned   bool
	summaries map[int]string
	report    *report.Report
	err       error
	exhausted bool
	startedAt time.Time
	updatedAt time.Time

	events      chan Event
	approved    chan struct{}
	approveOnce sync.Once
	dropped     int
}

// Snapshot is the read-only view of a run returned by Status.
type Snapshot struct {
	ID        string           `json:"run_id"`
	Question  string           `json:"question"`
	State     State            `json:"state"`
	Outline   *outline.Outline `json:"outline,omitempty"`
	Report    *report.Report   `json:"report,omitempty"`
	Error     string           `json:"error,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func newRun(id, question string) *Run {
	now := time.Now()
	return &Run{
		ID:        id,
		Question:  question,
		state:     StateInit,
		summaries: make(map[int]string),
		startedAt: now,
		updatedAt: now,
		events:    make(chan Event, eventBufferSize),
		approved:  make(chan struct{}),
	}
}

// Events exposes the run's event stream. The channel is closed when the
// run reaches DONE or FAILED.
func (r *Run) Events() <-chan Event { return r.events }

func (r *Run) snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		ID:        r.ID,
		Question:  r.Question,
		State:     r.state,
		Report:    r.report,
		StartedAt: r.startedAt,
		UpdatedAt: r.updatedAt,
	}
	if r.planned {
		o := r.outline.Clone()
		snap.Outline = &o
	}
	if r.err != nil {
		snap.Error = r.err.Error()
	}
	return snap
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.updatedAt = time.Now()
	r.mu.Unlock()
}

func (r *Run) currentState() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Run) setOutline(o outline.Outline) {
	r.mu.Lock()
	r.outline = o.Clone()
	r.planned = true
	r.updatedAt = time.Now()
	r.mu.Unlock()
}

func (r *Run) currentOutline() outline.Outline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.outline.Clone()
}

func (r *Run) section(idx int) outline.Section {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.outline.Sections[idx]
}

func (r *Run) setSectionStatus(idx int, status outline.Status) {
	r.mu.Lock()
	r.outline.Sections[idx].Status = status
	r.outline.Sections[idx].Attempts++
	r.updatedAt = time.Now()
	r.mu.Unlock()
}

// recordResult applies a worker result to the outline.
func (r *Run) recordResult(idx int, res worker.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sec := &r.outline.Sections[idx]
	sec.EvidenceIDs = append(sec.EvidenceIDs, res.EvidenceIDs...)
	if res.Partial {
		sec.Status = outline.StatusPartial
	} else {
		sec.Status = outline.StatusResearched
	}
	if res.Summary != "" {
		r.summaries[idx] = res.Summary
	}
	r.updatedAt = time.Now()
}

func (r *Run) markPartial(idx int, reason string) {
	r.mu.Lock()
	r.outline.Sections[idx].Status = outline.StatusPartial
	if reason != "" {
		r.summaries[idx] = "Research was interrupted: " + reason
	}
	r.updatedAt = time.Now()
	r.mu.Unlock()
}

func (r *Run) appendGaps(sections []outline.Section) {
	r.mu.Lock()
	r.outline.AppendGapSections(sections)
	r.updatedAt = time.Now()
	r.mu.Unlock()
}

func (r *Run) summariesCopy() map[int]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int]string, len(r.summaries))
	for k, v := range r.summaries {
		out[k] = v
	}
	return out
}

func (r *Run) markExhausted() {
	r.mu.Lock()
	r.exhausted = true
	r.mu.Unlock()
}

func (r *Run) isExhausted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exhausted
}

func (r *Run) complete(rep report.Report) {
	r.mu.Lock()
	r.report = &rep
	r.state = StateDone
	r.updatedAt = time.Now()
	r.mu.Unlock()
}

func (r *Run) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.state = StateFailed
	r.updatedAt = time.Now()
	r.mu.Unlock()
}

// approve unblocks a run waiting at the approval gate. Safe to call more
// than once.
func (r *Run) approve() {
	r.approveOnce.Do(func() { close(r.approved) })
}

// emit delivers an event without ever blocking the pipeline; when the
// subscriber lags behind the buffer the event is dropped and counted.
func (r *Run) emit(t EventType, sectionIndex int, payload map[string]interface{}) {
	ev := Event{
		RunID:        r.ID,
		Type:         t,
		State:        r.currentState(),
		SectionIndex: sectionIndex,
		Payload:      payload,
		Timestamp:    time.Now(),
	}
	select {
	case r.events <- ev:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
	}
}

func (r *Run) closeEvents() { close(r.events) }

// ErrRunNotFound is returned for queries about unknown run ids.
var ErrRunNotFound = fmt.Errorf("run not found")
