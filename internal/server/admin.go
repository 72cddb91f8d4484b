package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/agentwatch-hq/agentwatch/internal/governance"
	"github.com/agentwatch-hq/agentwatch/internal/graph"
	"github.com/agentwatch-hq/agentwatch/internal/notify"
	"github.com/agentwatch-hq/agentwatch/models"
)

// AdminHandler covers webhook registration, policy administration and resets.
type AdminHandler struct {
	Store    *graph.FailoverStore
	Policy   *governance.PolicyEngine
	Registry *notify.WebhookRegistry
}

func (h *AdminHandler) Register(g *echo.Group) {
	g.GET("/webhooks", h.listWebhooks)
	g.POST("/webhooks", h.registerWebhook)
	g.DELETE("/webhooks/:agent_id", h.deleteWebhook)

	g.GET("/policy", h.getPolicy)
	g.PUT("/policy", h.putPolicy)
	g.POST("/policy/restricted/:ticker", h.addRestricted)
	g.DELETE("/policy/restricted/:ticker", h.removeRestricted)
	g.POST("/policy/reset", h.resetPolicy)

	g.POST("/reset", h.resetAll)
	g.DELETE("/agents/:id", h.clearAgent)
}

func (h *AdminHandler) listWebhooks(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"webhooks": h.Registry.List()})
}

func (h *AdminHandler) registerWebhook(c echo.Context) error {
	var req models.WebhookRegistration
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.AgentID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id required")
	}
	if _, err := url.ParseRequestURI(req.CallbackURL); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "callback_url must be a valid URL")
	}
	h.Registry.Register(req.AgentID, req.CallbackURL)
	return c.JSON(http.StatusCreated, req)
}

func (h *AdminHandler) deleteWebhook(c echo.Context) error {
	if !h.Registry.Delete(c.Param("agent_id")) {
		return echo.NewHTTPError(http.StatusNotFound, "no webhook registered for agent")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *AdminHandler) getPolicy(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Policy.Record())
}

func (h *AdminHandler) putPolicy(c echo.Context) error {
	var req models.PolicyRecord
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.BudgetLimit < 0 || req.MaxPositionSize < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "limits must be non-negative")
	}
	h.Policy.SetRecord(req)
	return c.JSON(http.StatusOK, h.Policy.Record())
}

func (h *AdminHandler) addRestricted(c echo.Context) error {
	h.Policy.AddRestrictedTicker(c.Param("ticker"))
	return c.JSON(http.StatusOK, h.Policy.Record())
}

func (h *AdminHandler) removeRestricted(c echo.Context) error {
	h.Policy.RemoveRestrictedTicker(c.Param("ticker"))
	return c.JSON(http.StatusOK, h.Policy.Record())
}

func (h *AdminHandler) resetPolicy(c echo.Context) error {
	h.Policy.Reset()
	return c.JSON(http.StatusOK, h.Policy.Record())
}

// resetAll wipes steps across both store backends and the webhook registry.
func (h *AdminHandler) resetAll(c echo.Context) error {
	if err := h.Store.Clear(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.Registry.Clear()
	return c.JSON(http.StatusOK, map[string]string{"status": "reset"})
}

func (h *AdminHandler) clearAgent(c echo.Context) error {
	if err := h.Store.ClearAgent(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
