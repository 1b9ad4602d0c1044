package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/hive/internal/store"
	"go.uber.org/zap"
)

// TasksHandler files and lists tasks. A task without an agent goes to the queen.
type TasksHandler struct {
	Store  Store
	Hints  Hints
	Logger *zap.Logger
}

func (h *TasksHandler) Register(g *echo.Group) {
	g.GET("", h.list)
	g.POST("", h.create)
}

type createTaskRequest struct {
	AgentID     string                 `json:"agent_id"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Type        string                 `json:"type"`
	Priority    *int                   `json:"priority"`
	Input       map[string]interface{} `json:"input"`
}

func (h *TasksHandler) create(c echo.Context) error {
	var req createTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Title) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title required")
	}
	if req.Priority != nil && (*req.Priority < 0 || *req.Priority > 10) {
		return echo.NewHTTPError(http.StatusBadRequest, "priority must be between 0 and 10")
	}
	ctx := c.Request().Context()
	var owner store.Agent
	var err error
	if req.AgentID == "" {
		owner, err = h.Store.GetQueen(ctx)
	} else {
		owner, err = h.Store.GetAgent(ctx, req.AgentID)
	}
	if err != nil {
		return httpError(err)
	}
	if owner.Deleted() {
		return echo.NewHTTPError(http.StatusBadRequest, "agent was deleted")
	}
	t, _, err := h.Store.CreateTask(ctx, store.NewTask{
		AgentID:     owner.ID,
		Title:       req.Title,
		Description: req.Description,
		Type:        req.Type,
		Priority:    req.Priority,
		Input:       req.Input,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if h.Hints != nil && owner.Kind == store.KindSubordinate {
		if err := h.Hints.Push(ctx, owner.ID, t.ID); err != nil && h.Logger != nil {
			h.Logger.Debug("push task hint", zap.String("task_id", t.ID), zap.Error(err))
		}
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *TasksHandler) list(c echo.Context) error {
	f := store.TaskFilter{AgentID: c.QueryParam("agent_id"), Status: c.QueryParam("status")}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		f.Limit = n
	}
	items, err := h.Store.ListTasks(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []store.Task{}
	}
	return c.JSON(http.StatusOK, items)
}
