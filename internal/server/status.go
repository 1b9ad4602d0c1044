package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/hive/internal/llm"
	"github.com/mohammad-safakhou/hive/internal/store"
	"golang.org/x/sync/errgroup"
)

const statusProbeTimeout = 5 * time.Second

// StatusHandler reports providers, backlog and backing services in one call.
type StatusHandler struct {
	Store     Store
	Providers ProviderStatus
	Hints     Hints
	DB        Pinger
}

func (h *StatusHandler) Register(g *echo.Group) {
	g.GET("/status", h.status)
}

// StatusReport is the body of GET /api/status.
type StatusReport struct {
	Providers []llm.Status      `json:"providers"`
	Tasks     map[string]int    `json:"tasks"`
	Agents    map[string]int    `json:"agents"`
	Services  map[string]string `json:"services"`
}

func (h *StatusHandler) status(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), statusProbeTimeout)
	defer cancel()

	report := StatusReport{
		Providers: []llm.Status{},
		Tasks:     map[string]int{},
		Agents:    map[string]int{},
		Services:  map[string]string{},
	}
	var dbState, redisState string

	// every probe owns the field it writes; failures are reported, not returned
	g, gctx := errgroup.WithContext(ctx)
	if h.Providers != nil {
		g.Go(func() error {
			report.Providers = h.Providers.Status(gctx)
			return nil
		})
	}
	g.Go(func() error {
		counts, err := h.Store.CountTasksByStatus(gctx)
		if err != nil {
			return err
		}
		report.Tasks = counts
		return nil
	})
	g.Go(func() error {
		agents, err := h.Store.ListAgents(gctx, store.AgentFilter{})
		if err != nil {
			return err
		}
		for _, a := range agents {
			if a.Deleted() {
				report.Agents["deleted"]++
				continue
			}
			report.Agents[a.Status]++
		}
		return nil
	})
	if h.DB != nil {
		g.Go(func() error {
			dbState = probe(gctx, h.DB)
			return nil
		})
	}
	if h.Hints != nil {
		g.Go(func() error {
			redisState = probe(gctx, h.Hints)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return httpError(err)
	}
	if dbState != "" {
		report.Services["postgres"] = dbState
	}
	if redisState != "" {
		report.Services["redis"] = redisState
	}
	return c.JSON(http.StatusOK, report)
}

func probe(ctx context.Context, p Pinger) string {
	if err := p.Ping(ctx); err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}
