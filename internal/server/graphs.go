package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/agentwatch-hq/agentwatch/internal/graph"
)

// GraphHandler exposes the step graph query surface.
type GraphHandler struct {
	Store *graph.FailoverStore
}

func (h *GraphHandler) Register(g *echo.Group) {
	g.GET("/agents", h.listAgents)
	g.GET("/agents/:id/graph", h.agentGraph)
	g.GET("/agents/:id/halts", h.haltedSteps)
	g.GET("/graph", h.crossAgentGraph)
	g.GET("/stats", h.stats)
	g.GET("/status", h.status)
}

func (h *GraphHandler) agentGraph(c echo.Context) error {
	g, err := h.Store.AgentGraph(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, g)
}

func (h *GraphHandler) crossAgentGraph(c echo.Context) error {
	g, err := h.Store.CrossAgentGraph(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, g)
}

func (h *GraphHandler) haltedSteps(c echo.Context) error {
	steps, err := h.Store.HaltedSteps(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"halted_steps": steps})
}

func (h *GraphHandler) stats(c echo.Context) error {
	stats, err := h.Store.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *GraphHandler) listAgents(c echo.Context) error {
	agents, err := h.Store.ListAgents(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"agents": agents, "count": len(agents)})
}

// status reports which graph backend is serving. Diagnostic only.
func (h *GraphHandler) status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"graph_backend": h.Store.Backend()})
}
