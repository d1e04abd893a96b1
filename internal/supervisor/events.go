package supervisor

import "time"

// State is the supervisor's explicit run state.
type State string

const (
	StateInit             State = "INIT"
	StatePlanning         State = "PLANNING"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateResearching      State = "RESEARCHING"
	StateReview           State = "REVIEW"
	StateSynthesizing     State = "SYNTHESIZING"
	StateDone             State = "DONE"
	StateFailed           State = "FAILED"
)

// EventType enumerates the run lifecycle events emitted to subscribers.
type EventType string

const (
	EventOutlineProposed  EventType = "outline_proposed"
	EventOutlineApproved  EventType = "outline_approved"
	EventSectionStarted   EventType = "section_started"
	EventEvidenceWritten  EventType = "evidence_written"
	EventSectionCompleted EventType = "section_completed"
	EventReportReady      EventType = "report_ready"
	EventRunFailed        EventType = "failed"
)

// Event is one entry of a run's event stream. SectionIndex is -1 for
// events not tied to a section.
type Event struct {
	RunID        string                 `json:"run_id"`
	Type         EventType              `json:"type"`
	State        State                  `json:"state"`
	SectionIndex int                    `json:"section_index"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}
