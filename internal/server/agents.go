package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/hive/internal/store"
	"go.uber.org/zap"
)

// AgentsHandler serves the registry and task delegation.
type AgentsHandler struct {
	Store  Store
	Queen  Queen
	Hints  Hints
	Logger *zap.Logger
}

func (h *AgentsHandler) Register(g *echo.Group) {
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("/:id/delegate", h.delegate)
}

func (h *AgentsHandler) list(c echo.Context) error {
	items, err := h.Store.ListAgents(c.Request().Context(), store.AgentFilter{
		Kind:     c.QueryParam("kind"),
		Status:   c.QueryParam("status"),
		ParentID: c.QueryParam("parent_id"),
	})
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []store.Agent{}
	}
	return c.JSON(http.StatusOK, items)
}

// AgentView is an agent with its hint backlog and latest tasks.
type AgentView struct {
	store.Agent
	QueueLength int64        `json:"queue_length"`
	RecentTasks []store.Task `json:"recent_tasks"`
}

func (h *AgentsHandler) get(c echo.Context) error {
	ctx := c.Request().Context()
	a, err := h.Store.GetAgent(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	view := AgentView{Agent: a, RecentTasks: []store.Task{}}
	if h.Hints != nil {
		n, err := h.Hints.Len(ctx, a.ID)
		if err != nil && h.Logger != nil {
			h.Logger.Debug("hint queue length", zap.String("agent_id", a.ID), zap.Error(err))
		}
		view.QueueLength = n
	}
	tasks, err := h.Store.ListTasks(ctx, store.TaskFilter{AgentID: a.ID, Limit: 10})
	if err != nil {
		return httpError(err)
	}
	if tasks != nil {
		view.RecentTasks = tasks
	}
	return c.JSON(http.StatusOK, view)
}

func (h *AgentsHandler) delegate(c echo.Context) error {
	var req struct {
		Content  string `json:"content"`
		Priority *int   `json:"priority"`
	}
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content required")
	}
	if req.Priority != nil && (*req.Priority < 0 || *req.Priority > 10) {
		return echo.NewHTTPError(http.StatusBadRequest, "priority must be between 0 and 10")
	}
	t, err := h.Queen.Delegate(c.Request().Context(), c.Param("id"), req.Content, req.Priority)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, t)
}
