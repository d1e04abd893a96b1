package budget

import (
	"fmt"
	"sync"
	"time"
)

// Monitor tracks actual usage against configured limits during execution.
// It is safe for concurrent use by workers running in parallel.
type Monitor struct {
	config     Config
	stepsUsed  int
	tokensUsed int64
	costUsed   float64
	startTime  time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewMonitor clones the provided config and starts tracking usage.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		config:    cfg.Clone(),
		startTime: time.Now(),
		now:       time.Now,
	}
}

// SetClock overrides the time source. Tests use this to exercise the
// wall-clock limit without sleeping.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	m.startTime = now()
}

// Step consumes one tool-use step, returning ErrExhausted once the step
// limit is spent. A zero step limit exhausts before the first step.
func (m *Monitor) Step() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.MaxSteps != nil && m.stepsUsed >= *m.config.MaxSteps {
		return ErrExhausted{
			Kind:  "steps",
			Usage: fmt.Sprintf("%d steps", m.stepsUsed),
			Limit: fmt.Sprintf("%d steps", *m.config.MaxSteps),
		}
	}
	m.stepsUsed++
	return nil
}

// AddSteps consumes n steps at once, for callers that account a batch of
// work after the fact. Returns ErrExhausted once the accumulated steps
// exceed the limit.
func (m *Monitor) AddSteps(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepsUsed += n
	if m.config.MaxSteps != nil && m.stepsUsed > *m.config.MaxSteps {
		return ErrExhausted{
			Kind:  "steps",
			Usage: fmt.Sprintf("%d steps", m.stepsUsed),
			Limit: fmt.Sprintf("%d steps", *m.config.MaxSteps),
		}
	}
	return nil
}

// Add records incremental cost and tokens, returning an error if either
// limit is breached.
func (m *Monitor) Add(cost float64, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.costUsed += cost
	m.tokensUsed += tokens
	if m.config.MaxCost != nil && m.costUsed > *m.config.MaxCost {
		return ErrExhausted{
			Kind:  "cost",
			Usage: fmt.Sprintf("$%.4f", m.costUsed),
			Limit: fmt.Sprintf("$%.4f", *m.config.MaxCost),
		}
	}
	if m.config.MaxTokens != nil && m.tokensUsed > *m.config.MaxTokens {
		return ErrExhausted{
			Kind:  "tokens",
			Usage: fmt.Sprintf("%d tokens", m.tokensUsed),
			Limit: fmt.Sprintf("%d tokens", *m.config.MaxTokens),
		}
	}
	return nil
}

// CheckTime verifies elapsed wall-clock time against the configured
// limit.
func (m *Monitor) CheckTime() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.MaxTimeSeconds == nil || *m.config.MaxTimeSeconds <= 0 {
		return nil
	}
	elapsed := m.now().Sub(m.startTime)
	limit := time.Duration(*m.config.MaxTimeSeconds) * time.Second
	if elapsed > limit {
		return ErrExhausted{
			Kind:  "time",
			Usage: elapsed.String(),
			Limit: limit.String(),
		}
	}
	return nil
}

// RemainingSteps returns how many steps are left, or -1 when unbounded.
func (m *Monitor) RemainingSteps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.MaxSteps == nil {
		return -1
	}
	remaining := *m.config.MaxSteps - m.stepsUsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Usage returns the accumulated metrics.
func (m *Monitor) Usage() (steps int, tokens int64, cost float64, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stepsUsed, m.tokensUsed, m.costUsed, m.now().Sub(m.startTime)
}

// Config returns a clone of the underlying budget config.
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.Clone()
}
