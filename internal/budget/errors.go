package budget

import "fmt"

// ErrExhausted is returned when usage surpasses a configured limit. The
// caller decides whether exhaustion terminates the run or degrades it to
// a partial result.
type ErrExhausted struct {
	Kind  string // "steps", "tokens", "cost" or "time"
	Usage string
	Limit string
}

func (e ErrExhausted) Error() string {
	return fmt.Sprintf("budget %s exhausted: usage=%s limit=%s", e.Kind, e.Usage, e.Limit)
}

// ErrApprovalRequired indicates that a run needs manual approval before
// research may begin.
type ErrApprovalRequired struct {
	EstimatedCost float64
	Threshold     float64
}

func (e ErrApprovalRequired) Error() string {
	return fmt.Sprintf("estimated cost $%.2f exceeds approval threshold $%.2f", e.EstimatedCost, e.Threshold)
}
