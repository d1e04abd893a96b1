// Package supervisor coordinates a research run end to end: planning,
// the approval gate, parallel section research, gap review, and report
// synthesis, driven as an explicit state machine.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/biosleuth/biosleuth/config"
	"github.com/biosleuth/biosleuth/internal/budget"
	"github.com/biosleuth/biosleuth/internal/outline"
	"github.com/biosleuth/biosleuth/internal/registry"
	"github.com/biosleuth/biosleuth/internal/report"
	"github.com/biosleuth/biosleuth/internal/worker"
)

var supervisorTracer trace.Tracer = otel.Tracer("biosleuth/internal/supervisor")

// Planner proposes research outlines.
type Planner interface {
	Propose(ctx context.Context, question string) (outline.Outline, error)
}

// Researcher executes one section assignment.
type Researcher interface {
	Research(ctx context.Context, asg worker.Assignment, monitor *budget.Monitor) (worker.Result, error)
}

// ReportSynthesizer assembles the final cited report.
type ReportSynthesizer interface {
	Synthesize(ctx context.Context, runID string, o outline.Outline, summaries map[int]string) (report.Report, error)
}

// Options are per-run overrides on top of the configured defaults.
type Options struct {
	AutoApprove bool
	RunBudget   budget.Config
}

// Supervisor owns the run lifecycle. One supervisor serves many
// concurrent runs; worker concurrency is bounded globally.
type Supervisor struct {
	cfg         config.AgentsConfig
	planner     Planner
	researcher  Researcher
	synthesizer ReportSynthesizer
	registry    *registry.Registry
	logger      *log.Logger

	runs map[string]*Run
	mu   sync.RWMutex

	semaphore chan struct{}

	// maxReviewRounds bounds how many times review may send gap sections
	// back to research.
	maxReviewRounds int
}

// New creates a supervisor. Zero config values fall back to safe
// defaults.
func New(cfg config.AgentsConfig, planner Planner, researcher Researcher, synthesizer ReportSynthesizer, reg *registry.Registry, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.New(log.Writer(), "[SUPERVISOR] ", log.LstdFlags)
	}
	if cfg.MaxConcurrentWorkers <= 0 {
		cfg.MaxConcurrentWorkers = 3
	}
	if cfg.WorkerStepBudget <= 0 {
		cfg.WorkerStepBudget = 8
	}
	if cfg.SectionRetryLimit < 0 {
		cfg.SectionRetryLimit = 0
	}
	return &Supervisor{
		cfg:             cfg,
		planner:         planner,
		researcher:      researcher,
		synthesizer:     synthesizer,
		registry:        reg,
		logger:          logger,
		runs:            make(map[string]*Run),
		semaphore:       make(chan struct{}, cfg.MaxConcurrentWorkers),
		maxReviewRounds: 1,
	}
}

// Start launches a run in the background and returns its id.
func (s *Supervisor) Start(ctx context.Context, question string, opts Options) (string, error) {
	run, err := s.register(question)
	if err != nil {
		return "", err
	}
	go func() {
		if _, err := s.execute(ctx, run, opts); err != nil {
			s.logger.Printf("run %s failed: %v", run.ID, err)
		}
	}()
	return run.ID, nil
}

// Execute runs synchronously and returns the finished report. The CLI
// uses this; the server uses Start.
func (s *Supervisor) Execute(ctx context.Context, question string, opts Options) (report.Report, error) {
	run, err := s.register(question)
	if err != nil {
		return report.Report{}, err
	}
	return s.execute(ctx, run, opts)
}

// Status returns a snapshot of the run.
func (s *Supervisor) Status(runID string) (Snapshot, error) {
	run, err := s.run(runID)
	if err != nil {
		return Snapshot{}, err
	}
	return run.snapshot(), nil
}

// Subscribe returns the run's event stream.
func (s *Supervisor) Subscribe(runID string) (<-chan Event, error) {
	run, err := s.run(runID)
	if err != nil {
		return nil, err
	}
	return run.Events(), nil
}

// Approve releases a run waiting at the approval gate.
func (s *Supervisor) Approve(runID string) error {
	run, err := s.run(runID)
	if err != nil {
		return err
	}
	if state := run.currentState(); state != StateAwaitingApproval && state != StatePlanning && state != StateInit {
		return fmt.Errorf("run %s is not awaiting approval (state %s)", runID, state)
	}
	run.approve()
	return nil
}

func (s *Supervisor) register(question string) (*Run, error) {
	if question == "" {
		return nil, fmt.Errorf("question is required")
	}
	run := newRun(uuid.New().String(), question)
	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()
	return run, nil
}

func (s *Supervisor) run(runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, nil
}

func (s *Supervisor) execute(ctx context.Context, run *Run, opts Options) (report.Report, error) {
	ctx, span := supervisorTracer.Start(ctx, "supervisor.run",
		trace.WithAttributes(attribute.String("run.id", run.ID)))
	defer span.End()
	defer run.closeEvents()

	fail := func(err error) (report.Report, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(run.currentState()))
		run.fail(err)
		run.emit(EventRunFailed, -1, map[string]interface{}{"error": err.Error()})
		return report.Report{}, err
	}

	// Phase 1: planning.
	run.setState(StatePlanning)
	o, err := s.planner.Propose(ctx, run.Question)
	if err != nil {
		return fail(fmt.Errorf("planning failed: %w", err))
	}
	run.setOutline(o)
	run.emit(EventOutlineProposed, -1, map[string]interface{}{
		"mode":           string(o.Mode),
		"sections":       len(o.Sections),
		"estimated_cost": o.EstimatedCost,
	})

	// Phase 2: the approval gate. Decomposed outlines never proceed to
	// research without an approval, explicit or configured.
	if s.needsApproval(o, opts) {
		run.setState(StateAwaitingApproval)
		s.logger.Printf("run %s awaiting outline approval", run.ID)
		select {
		case <-run.approved:
		case <-ctx.Done():
			return fail(fmt.Errorf("cancelled while awaiting approval: %w", ctx.Err()))
		}
	}
	run.emit(EventOutlineApproved, -1, nil)

	// The tool surface is immutable from here on.
	if s.registry != nil {
		s.registry.Freeze()
	}

	// workCtx outlives a caller cancellation by the drain window so
	// in-flight sections can finish and keep their evidence.
	workCtx, stopWork := s.drainContext(ctx)
	defer stopWork()

	monitor := budget.NewMonitor(opts.RunBudget)

	// Phase 3: research and review rounds.
	for round := 0; ; round++ {
		run.setState(StateResearching)
		truncated := s.researchPending(ctx, workCtx, run, monitor)
		if ctx.Err() != nil {
			return fail(fmt.Errorf("run cancelled: %w", ctx.Err()))
		}

		run.setState(StateReview)
		if truncated || round >= s.maxReviewRounds {
			break
		}
		gaps := s.detectGaps(run)
		if len(gaps) == 0 {
			break
		}
		s.logger.Printf("run %s: review found %d gap section(s)", run.ID, len(gaps))
		run.appendGaps(gaps)
	}

	// Phase 4: synthesis.
	run.setState(StateSynthesizing)
	rep, err := s.synthesizer.Synthesize(ctx, run.ID, run.currentOutline(), run.summariesCopy())
	if err != nil {
		return fail(fmt.Errorf("synthesis failed: %w", err))
	}

	run.complete(rep)
	run.emit(EventReportReady, -1, map[string]interface{}{
		"sections":     len(rep.Sections),
		"bibliography": len(rep.Bibliography),
	})
	s.logger.Printf("run %s complete: %d sections, %d references", run.ID, len(rep.Sections), len(rep.Bibliography))
	return rep, nil
}

func (s *Supervisor) needsApproval(o outline.Outline, opts Options) bool {
	if opts.AutoApprove || s.cfg.AutoApproveOutline {
		return false
	}
	if o.Mode == outline.ModeDecomposable {
		return true
	}
	return budget.RequiresApproval(opts.RunBudget, o.EstimatedCost)
}

// researchPending researches every planned section: independent sections
// in parallel under the global worker limit, dependent ones sequentially
// afterwards with the joined results available. Returns true when the
// run budget truncated the round.
func (s *Supervisor) researchPending(ctx, workCtx context.Context, run *Run, monitor *budget.Monitor) bool {
	o := run.currentOutline()
	var independent, dependent []int
	for _, idx := range o.Pending() {
		if o.Sections[idx].Independent {
			independent = append(independent, idx)
		} else {
			dependent = append(dependent, idx)
		}
	}

	var wg sync.WaitGroup
	launched := make(map[int]bool)
	for _, idx := range independent {
		if s.exhausted(run, monitor) || ctx.Err() != nil {
			break
		}
		launched[idx] = true
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			select {
			case s.semaphore <- struct{}{}:
				defer func() { <-s.semaphore }()
			case <-workCtx.Done():
				return
			}
			s.researchSection(workCtx, run, monitor, idx)
		}(idx)
	}
	wg.Wait()

	for _, idx := range dependent {
		if s.exhausted(run, monitor) || ctx.Err() != nil {
			break
		}
		launched[idx] = true
		s.researchSection(workCtx, run, monitor, idx)
	}

	// Sections the budget cut off degrade to partials so synthesis can
	// still deliver a truncated report.
	truncated := false
	for _, idx := range append(independent, dependent...) {
		if !launched[idx] {
			run.markPartial(idx, "run budget exhausted before this section started")
			run.emit(EventSectionCompleted, idx, map[string]interface{}{"status": string(outline.StatusPartial)})
			truncated = true
		}
	}
	return truncated || run.isExhausted()
}

func (s *Supervisor) exhausted(run *Run, monitor *budget.Monitor) bool {
	if run.isExhausted() {
		return true
	}
	if err := monitor.CheckTime(); err != nil {
		s.logger.Printf("run %s: %v", run.ID, err)
		run.markExhausted()
		return true
	}
	if monitor.RemainingSteps() == 0 {
		s.logger.Printf("run %s: step budget exhausted", run.ID)
		run.markExhausted()
		return true
	}
	return false
}

// researchSection drives one section through the worker, with bounded
// retries for gateway failures.
func (s *Supervisor) researchSection(ctx context.Context, run *Run, monitor *budget.Monitor, idx int) {
	sec := run.section(idx)
	run.setSectionStatus(idx, outline.StatusInProgress)
	run.emit(EventSectionStarted, idx, map[string]interface{}{"title": sec.Title})

	// The worker never gets more steps than the run has left.
	steps := s.cfg.WorkerStepBudget
	if rem := monitor.RemainingSteps(); rem >= 0 && rem < steps {
		steps = rem
	}
	workerBudget := budget.Config{MaxSteps: &steps}
	if s.cfg.WorkerTimeout > 0 {
		secs := int64(s.cfg.WorkerTimeout / time.Second)
		workerBudget.MaxTimeSeconds = &secs
	}

	asg := worker.Assignment{RunID: run.ID, Section: sec}
	var res worker.Result
	var err error
	for attempt := 0; attempt <= s.cfg.SectionRetryLimit; attempt++ {
		res, err = s.researcher.Research(ctx, asg, budget.NewMonitor(workerBudget))
		if err == nil || ctx.Err() != nil {
			break
		}
		s.logger.Printf("run %s section %d attempt %d failed: %v", run.ID, idx, attempt+1, err)
	}
	if err != nil {
		run.markPartial(idx, err.Error())
		run.emit(EventSectionCompleted, idx, map[string]interface{}{
			"status": string(outline.StatusPartial),
			"error":  err.Error(),
		})
		return
	}

	run.recordResult(idx, res)
	for _, ref := range res.Evidence {
		run.emit(EventEvidenceWritten, idx, map[string]interface{}{
			"evidence_id": ref.ID,
			"source":      ref.Source,
		})
	}
	status := outline.StatusResearched
	if res.Partial {
		status = outline.StatusPartial
	}
	run.emit(EventSectionCompleted, idx, map[string]interface{}{
		"status":   string(status),
		"evidence": len(res.EvidenceIDs),
		"steps":    res.Steps,
	})

	if err := monitor.AddSteps(res.Steps); err != nil {
		s.logger.Printf("run %s: %v", run.ID, err)
		run.markExhausted()
	}
	tokens := res.Usage.InputTokens + res.Usage.OutputTokens
	if err := monitor.Add(0, tokens); err != nil {
		s.logger.Printf("run %s: %v", run.ID, err)
		run.markExhausted()
	}
}

// detectGaps returns follow-up sections for completed sections that
// recorded no evidence or finished partial. Gap sections are never
// followed up again.
func (s *Supervisor) detectGaps(run *Run) []outline.Section {
	o := run.currentOutline()
	var gaps []outline.Section
	for _, sec := range o.Sections {
		if sec.Gap || sec.Status == outline.StatusPlanned || sec.Status == outline.StatusInProgress {
			continue
		}
		if len(sec.EvidenceIDs) == 0 || sec.Status == outline.StatusPartial {
			hint := "A previous research pass recorded no evidence. Try alternative search terms or sources."
			if len(sec.EvidenceIDs) > 0 {
				hint = "A previous research pass ran out of budget before finishing. Pick up where it left off."
			}
			gaps = append(gaps, outline.Section{
				Title:       "Follow-up: " + sec.Title,
				SubQuestion: sec.SubQuestion,
				ContextHint: hint,
				Independent: true,
			})
		}
	}
	return gaps
}

// drainContext returns a context that survives the parent's cancellation
// by the configured drain window, so in-flight workers can finish and
// their evidence is preserved.
func (s *Supervisor) drainContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.DrainWindow <= 0 {
		return parent, func() {}
	}
	workCtx, cancel := context.WithCancel(context.WithoutCancel(parent))
	go func() {
		select {
		case <-parent.Done():
			timer := time.NewTimer(s.cfg.DrainWindow)
			defer timer.Stop()
			select {
			case <-timer.C:
				cancel()
			case <-workCtx.Done():
			}
		case <-workCtx.Done():
		}
	}()
	return workCtx, cancel
}
