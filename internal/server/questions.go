package server

import (
	"net/http"
	"strings"

	"github.com/gorhill/cronexpr"
	"github.com/labstack/echo/v4"

	"github.com/biosleuth/biosleuth/internal/store"
)

// QuestionsHandler manages saved research questions. A question with a
// cron schedule is re-run by the scheduler.
type QuestionsHandler struct {
	Store *store.Store
}

type QuestionCreateRequest struct {
	Question     string `json:"question"`
	ScheduleCron string `json:"schedule_cron,omitempty"`
}

func (h *QuestionsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("", h.create)
	g.GET("", h.list)
}

func (h *QuestionsHandler) create(c echo.Context) error {
	var req QuestionCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Question) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question is required")
	}
	if req.ScheduleCron != "" {
		if _, err := cronexpr.Parse(req.ScheduleCron); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid cron expression: "+err.Error())
		}
	}
	userID, _ := c.Get("user_id").(string)
	id, err := h.Store.CreateQuestion(c.Request().Context(), userID, req.Question, req.ScheduleCron)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"question_id": id})
}

func (h *QuestionsHandler) list(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	questions, err := h.Store.ListQuestions(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if questions == nil {
		questions = []store.Question{}
	}
	return c.JSON(http.StatusOK, questions)
}
