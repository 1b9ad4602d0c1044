package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/hive/internal/knowledge"
	"github.com/mohammad-safakhou/hive/internal/store"
)

// KnowledgeHandler feeds and queries the knowledge base.
type KnowledgeHandler struct {
	Knowledge Knowledge
}

func (h *KnowledgeHandler) Register(g *echo.Group) {
	g.POST("/ingest", h.ingest)
	g.POST("/query", h.query)
}

type ingestRequest struct {
	Format      string `json:"format"` // "markdown" splits on ## headings
	Title       string `json:"title"`
	Content     string `json:"content"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
	Source      string `json:"source"`
}

func (h *KnowledgeHandler) ingest(c echo.Context) error {
	if h.Knowledge == nil {
		return unavailable("knowledge")
	}
	var req ingestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Content) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content required")
	}
	ctx := c.Request().Context()
	if req.Format == "markdown" {
		n, err := h.Knowledge.IngestMarkdown(ctx, req.Content, req.Category, req.Source)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusCreated, map[string]int{"documents": n})
	}
	if strings.TrimSpace(req.Title) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title required")
	}
	doc, err := h.Knowledge.Ingest(ctx, store.KnowledgeDocument{
		Title:       req.Title,
		Content:     req.Content,
		Category:    req.Category,
		Subcategory: req.Subcategory,
		Source:      req.Source,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, doc)
}

func (h *KnowledgeHandler) query(c echo.Context) error {
	if h.Knowledge == nil {
		return unavailable("knowledge")
	}
	var req struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
	}
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query required")
	}
	snips, err := h.Knowledge.Query(c.Request().Context(), req.Query, req.TopK)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if snips == nil {
		snips = []knowledge.Snippet{}
	}
	return c.JSON(http.StatusOK, snips)
}
