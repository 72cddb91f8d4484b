package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/agentwatch-hq/agentwatch/internal/governance"
	"github.com/agentwatch-hq/agentwatch/models"
)

// TelemetryHandler is the governance ingress: one reasoning step in, one
// binding decision out.
type TelemetryHandler struct {
	Orchestrator *governance.Orchestrator
}

func (h *TelemetryHandler) Register(g *echo.Group) {
	g.POST("/telemetry", h.ingest)
}

// ingest validates the telemetry record and runs the pipeline. Structural
// problems are request errors; everything past validation is answered with a
// governance decision, HALT included.
func (h *TelemetryHandler) ingest(c echo.Context) error {
	var ev models.TelemetryEvent
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := ev.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	decision := h.Orchestrator.Process(c.Request().Context(), ev)
	return c.JSON(http.StatusOK, decision)
}
