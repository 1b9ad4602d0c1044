package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/hive/internal/store"
)

// ChatHandler forwards operator messages to the queen.
type ChatHandler struct {
	Store Store
	Queen Queen
}

func (h *ChatHandler) Register(g *echo.Group) {
	g.POST("/chat", h.chat)
}

func (h *ChatHandler) chat(c echo.Context) error {
	var req struct {
		Message string `json:"message"`
	}
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message required")
	}
	ctx := c.Request().Context()
	q, err := h.Store.GetQueen(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no queen registered")
	}
	if err != nil {
		return httpError(err)
	}
	resp, err := h.Queen.ProcessMessage(ctx, q.ID, req.Message)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}
