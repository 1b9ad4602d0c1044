package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/hive/internal/store"
)

// DecisionsHandler lists decisions and drives their approval.
type DecisionsHandler struct {
	Store Store
	Queen Queen
}

func (h *DecisionsHandler) Register(g *echo.Group) {
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("/:id/approve", h.approve)
	g.POST("/:id/reject", h.reject)
	g.POST("/:id/execute", h.execute)
}

func (h *DecisionsHandler) list(c echo.Context) error {
	f := store.DecisionFilter{Status: c.QueryParam("status")}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		f.Limit = n
	}
	items, err := h.Store.ListDecisions(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []store.Decision{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *DecisionsHandler) get(c echo.Context) error {
	d, err := h.Store.GetDecision(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *DecisionsHandler) approve(c echo.Context) error {
	d, err := h.Queen.Approve(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *DecisionsHandler) reject(c echo.Context) error {
	var req struct {
		Reason string `json:"reason"`
	}
	// an empty body is a rejection without a reason
	_ = c.Bind(&req)
	d, err := h.Queen.Reject(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *DecisionsHandler) execute(c echo.Context) error {
	d, err := h.Queen.Retry(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}
