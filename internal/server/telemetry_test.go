package server

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/agentwatch-hq/agentwatch/config"
	"github.com/agentwatch-hq/agentwatch/internal/governance"
	"github.com/agentwatch-hq/agentwatch/internal/graph"
	"github.com/agentwatch-hq/agentwatch/models"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testOrchestrator(store graph.Store) *governance.Orchestrator {
	extractor := governance.NewExtractorService(config.ExtractionConfig{Timeout: time.Second}, testLogger())
	policy := governance.NewPolicyEngine(config.PolicyConfig{
		Timeout:            time.Second,
		SoftThresholdRatio: 0.8,
		Defaults: models.PolicyRecord{
			BudgetLimit:       100000,
			RestrictedTickers: []string{"GME", "AMC", "BBBY"},
			MaxPositionSize:   1000,
			AllowedActions:    []string{"BUY", "SELL", "HOLD", "RESEARCH"},
		},
	}, testLogger())
	return governance.NewOrchestrator(store, extractor, policy, nil, 5, 3, testLogger())
}

func postTelemetry(t *testing.T, h *TelemetryHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/telemetry", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	if err := h.ingest(ctx); err != nil {
		e.HTTPErrorHandler(err, ctx)
	}
	return rec
}

func TestIngestReturnsDecision(t *testing.T) {
	h := &TelemetryHandler{Orchestrator: testOrchestrator(graph.NewMemoryStore())}

	rec := postTelemetry(t, h, `{
		"agent_id": "trader-1",
		"step_id": "step-1",
		"thought": "buying a small position",
		"tool_used": "place_order",
		"input_parameters": {"symbol": "AAPL"},
		"raw_log": "Agent decided to BUY 10 shares of AAPL, total cost $2,500"
	}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var d models.GovernanceDecision
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if d.Decision != models.DecisionProceed || d.StepID != "step-1" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestIngestHaltIsStillHTTPOK(t *testing.T) {
	h := &TelemetryHandler{Orchestrator: testOrchestrator(graph.NewMemoryStore())}

	rec := postTelemetry(t, h, `{
		"agent_id": "trader-1",
		"step_id": "step-1",
		"tool_used": "place_order",
		"raw_log": "Agent decided to BUY 500 shares of AAPL at $242.50, total cost $121,250"
	}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("halt is a governance outcome, not a request error: got %d", rec.Code)
	}
	var d models.GovernanceDecision
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if d.Decision != models.DecisionHalt || d.Reason != models.ReasonPolicyViolation {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestIngestValidation(t *testing.T) {
	h := &TelemetryHandler{Orchestrator: testOrchestrator(graph.NewMemoryStore())}

	cases := map[string]string{
		"missing required fields": `{"agent_id": "trader-1"}`,
		"orphan parent step":      `{"agent_id": "a", "step_id": "s", "tool_used": "t", "parent_step_id": "p"}`,
		"malformed body":          `{"agent_id": `,
	}
	for name, body := range cases {
		rec := postTelemetry(t, h, body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400 got %d", name, rec.Code)
		}
	}
}
