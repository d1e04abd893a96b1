package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/biosleuth/biosleuth/config"
	"github.com/biosleuth/biosleuth/internal/budget"
	"github.com/biosleuth/biosleuth/internal/index"
	"github.com/biosleuth/biosleuth/internal/store"
	"github.com/biosleuth/biosleuth/internal/supervisor"
	"github.com/biosleuth/biosleuth/internal/telemetry"
)

var runsTracer trace.Tracer = otel.Tracer("biosleuth/internal/server")

// RunsHandler exposes research runs over HTTP: creation, status, the
// approval gate, the live event stream and the finished report.
type RunsHandler struct {
	Store *store.Store // nil disables persistence
	Sup   *supervisor.Supervisor
	Cfg   *config.Config
	Tele  *telemetry.Telemetry
	Index *index.EvidenceIndex // nil disables evidence search

	logger *log.Logger

	mu    sync.Mutex
	feeds map[string]*runFeed
}

type RunCreateRequest struct {
	Question    string   `json:"question"`
	QuestionID  string   `json:"question_id,omitempty"`
	AutoApprove bool     `json:"auto_approve"`
	MaxSteps    *int     `json:"max_steps,omitempty"`
	MaxTokens   *int64   `json:"max_tokens,omitempty"`
	MaxCost     *float64 `json:"max_cost,omitempty"`
	MaxSeconds  *int64   `json:"max_seconds,omitempty"`
}

func (h *RunsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:run_id", h.get)
	g.POST("/:run_id/approve", h.approve)
	g.GET("/:run_id/events", h.stream)
	g.GET("/:run_id/report", h.report)
	g.GET("/:run_id/evidence", h.searchEvidence)
}

func (h *RunsHandler) create(c echo.Context) error {
	ctx, span := runsTracer.Start(c.Request().Context(), "RunsHandler.create")
	defer span.End()

	var req RunCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Question) == "" {
		span.SetStatus(codes.Error, "question required")
		return echo.NewHTTPError(http.StatusBadRequest, "question is required")
	}

	opts := supervisor.Options{
		AutoApprove: req.AutoApprove,
		RunBudget: budget.Config{
			MaxSteps:       req.MaxSteps,
			MaxTokens:      req.MaxTokens,
			MaxCost:        req.MaxCost,
			MaxTimeSeconds: req.MaxSeconds,
		},
	}
	if err := opts.RunBudget.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	runID, err := h.Launch(ctx, req.QuestionID, req.Question, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	span.SetAttributes(attribute.String("run.id", runID))
	return c.JSON(http.StatusAccepted, map[string]string{"run_id": runID})
}

// Launch starts a run, wires its event feed and, when a store is
// configured, persists state transitions and the final report. The
// scheduler uses this entry point too.
func (h *RunsHandler) Launch(ctx context.Context, questionID, question string, opts supervisor.Options) (string, error) {
	runID, err := h.Sup.Start(ctx, question, opts)
	if err != nil {
		return "", err
	}
	events, err := h.Sup.Subscribe(runID)
	if err != nil {
		return "", err
	}
	if h.Store != nil {
		if err := h.Store.CreateRun(ctx, runID, questionID, question, string(supervisor.StateInit)); err != nil {
			h.log().Printf("run %s: persisting failed: %v", runID, err)
		}
	}

	feed := newRunFeed()
	h.mu.Lock()
	if h.feeds == nil {
		h.feeds = make(map[string]*runFeed)
	}
	h.feeds[runID] = feed
	h.mu.Unlock()

	go h.pump(runID, feed, events)
	return runID, nil
}

// pump relays supervisor events to HTTP subscribers and mirrors run
// progress into the store.
func (h *RunsHandler) pump(runID string, feed *runFeed, events <-chan supervisor.Event) {
	ctx := context.Background()
	lastState := supervisor.StateInit
	for ev := range events {
		feed.publish(ev)
		h.observe(ev)
		if h.Store == nil {
			continue
		}
		switch ev.Type {
		case supervisor.EventOutlineProposed:
			if snap, err := h.Sup.Status(runID); err == nil {
				h.persistState(ctx, runID, ev.State, "", snap.Outline)
			}
		case supervisor.EventReportReady:
			snap, err := h.Sup.Status(runID)
			if err == nil && snap.Report != nil {
				if err := h.Store.SaveReport(ctx, runID, snap.Report.Markdown(), snap.Report); err != nil {
					h.log().Printf("run %s: saving report failed: %v", runID, err)
				}
			}
			h.persistState(ctx, runID, supervisor.StateDone, "", nil)
		case supervisor.EventRunFailed:
			msg := ""
			if ev.Payload != nil {
				msg, _ = ev.Payload["error"].(string)
			}
			h.persistState(ctx, runID, supervisor.StateFailed, msg, nil)
		default:
			if ev.State != lastState {
				h.persistState(ctx, runID, ev.State, "", nil)
			}
		}
		lastState = ev.State
	}
	feed.close()
}

// observe mirrors run lifecycle events into the metrics registry.
func (h *RunsHandler) observe(ev supervisor.Event) {
	if h.Tele == nil {
		return
	}
	switch ev.Type {
	case supervisor.EventSectionCompleted:
		status, _ := ev.Payload["status"].(string)
		steps, _ := ev.Payload["steps"].(int)
		h.Tele.RecordSection(status, steps)
	case supervisor.EventEvidenceWritten:
		h.Tele.RecordEvidence(1)
	case supervisor.EventReportReady, supervisor.EventRunFailed:
		state := supervisor.StateDone
		if ev.Type == supervisor.EventRunFailed {
			state = supervisor.StateFailed
		}
		if snap, err := h.Sup.Status(ev.RunID); err == nil {
			h.Tele.RecordRun(string(state), snap.UpdatedAt.Sub(snap.StartedAt))
		}
	}
}

func (h *RunsHandler) persistState(ctx context.Context, runID string, state supervisor.State, errMsg string, outline interface{}) {
	if err := h.Store.UpdateRunState(ctx, runID, string(state), errMsg, outline); err != nil {
		h.log().Printf("run %s: persisting state %s failed: %v", runID, state, err)
	}
}

func (h *RunsHandler) get(c echo.Context) error {
	runID := c.Param("run_id")
	snap, err := h.Sup.Status(runID)
	if err == nil {
		return c.JSON(http.StatusOK, snap)
	}
	if !errors.Is(err, supervisor.ErrRunNotFound) {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.Store != nil {
		rec, serr := h.Store.GetRun(c.Request().Context(), runID)
		if serr == nil {
			return c.JSON(http.StatusOK, rec)
		}
		if !errors.Is(serr, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusInternalServerError, serr.Error())
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, "run not found")
}

func (h *RunsHandler) list(c echo.Context) error {
	if h.Store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "run persistence not configured")
	}
	runs, err := h.Store.ListRuns(c.Request().Context(), 0)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, runs)
}

func (h *RunsHandler) approve(c echo.Context) error {
	runID := c.Param("run_id")
	if err := h.Sup.Approve(runID); err != nil {
		if errors.Is(err, supervisor.ErrRunNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"run_id": runID, "status": "approved"})
}

func (h *RunsHandler) report(c echo.Context) error {
	runID := c.Param("run_id")
	snap, err := h.Sup.Status(runID)
	if err == nil && snap.Report != nil {
		if c.QueryParam("format") == "markdown" {
			return c.String(http.StatusOK, snap.Report.Markdown())
		}
		return c.JSON(http.StatusOK, snap.Report)
	}
	if h.Store != nil {
		md, payload, serr := h.Store.GetReport(c.Request().Context(), runID)
		if serr == nil {
			if c.QueryParam("format") == "markdown" {
				return c.String(http.StatusOK, md)
			}
			return c.JSONBlob(http.StatusOK, payload)
		}
		if !errors.Is(serr, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusInternalServerError, serr.Error())
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, "report not available")
}

func (h *RunsHandler) searchEvidence(c echo.Context) error {
	if h.Index == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "evidence index not configured")
	}
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	limit := 5
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 20 {
			limit = n
		}
	}
	hits, err := h.Index.Search(c.Request().Context(), q, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if hits == nil {
		hits = []index.Hit{}
	}
	return c.JSON(http.StatusOK, hits)
}

func (h *RunsHandler) stream(c echo.Context) error {
	if h.Cfg != nil && !h.Cfg.Server.RunStreamEnabled {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "run stream disabled")
	}
	runID := c.Param("run_id")
	ctx, span := runsTracer.Start(c.Request().Context(), "RunsHandler.stream",
		trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	h.mu.Lock()
	feed := h.feeds[runID]
	h.mu.Unlock()
	if feed == nil {
		span.SetStatus(codes.Error, "run not found")
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		span.SetStatus(codes.Error, "streaming unsupported")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	sub := feed.subscribe()
	defer feed.unsubscribe(sub)

	// Open with the current snapshot so late subscribers see where the
	// run already is.
	if snap, err := h.Sup.Status(runID); err == nil {
		if err := writeSSE(resp, "snapshot", snap); err != nil {
			return nil
		}
		flusher.Flush()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, open := <-sub:
			if !open {
				return nil
			}
			if err := writeSSE(resp, string(ev.Type), ev); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

func writeSSE(resp *echo.Response, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func (h *RunsHandler) log() *log.Logger {
	if h.logger == nil {
		h.logger = log.New(log.Writer(), "[RUNS] ", log.LstdFlags)
	}
	return h.logger
}

// runFeed fans one run's event stream out to any number of HTTP
// subscribers. Slow subscribers drop events rather than stalling the
// pipeline.
type runFeed struct {
	mu   sync.Mutex
	subs map[chan supervisor.Event]struct{}
	done bool
}

func newRunFeed() *runFeed {
	return &runFeed{subs: make(map[chan supervisor.Event]struct{})}
}

func (f *runFeed) subscribe() chan supervisor.Event {
	ch := make(chan supervisor.Event, 32)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		close(ch)
		return ch
	}
	f.subs[ch] = struct{}{}
	return ch
}

func (f *runFeed) unsubscribe(ch chan supervisor.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[ch]; ok {
		delete(f.subs, ch)
		close(ch)
	}
}

func (f *runFeed) publish(ev supervisor.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (f *runFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done = true
	for ch := range f.subs {
		delete(f.subs, ch)
		close(ch)
	}
}
