package governance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/agentwatch-hq/agentwatch/internal/graph"
	"github.com/agentwatch-hq/agentwatch/models"
)

func newTestOrchestrator(store graph.Store) *Orchestrator {
	return NewOrchestrator(store, localExtractor(), localEngine(), nil, 5, 3, testLogger())
}

func event(agent string, n int, tool, rawLog string, params map[string]interface{}) models.TelemetryEvent {
	return models.TelemetryEvent{
		AgentID:         agent,
		StepID:          fmt.Sprintf("%s-step-%d", agent, n),
		Timestamp:       time.Now().UTC(),
		Thought:         "routine step",
		ToolUsed:        tool,
		InputParameters: params,
		RawLog:          rawLog,
	}
}

func TestProcessApprovesBenignStep(t *testing.T) {
	store := graph.NewMemoryStore()
	o := newTestOrchestrator(store)

	ev := event("trader-1", 1, "place_order", "Agent decided to BUY 10 shares of AAPL, total cost $2,500", map[string]interface{}{"symbol": "AAPL"})
	d := o.Process(context.Background(), ev)

	if d.Decision != models.DecisionProceed {
		t.Fatalf("expected PROCEED, got %s (%s)", d.Decision, d.Details)
	}
	if d.Reason != models.ReasonApproved || d.Severity != models.SeverityInfo {
		t.Fatalf("unexpected decision: %+v", d)
	}

	// The decision must be attached to the persisted step.
	g, err := store.AgentGraph(context.Background(), "trader-1")
	if err != nil {
		t.Fatalf("agent graph: %v", err)
	}
	if len(g.Nodes) != 1 || g.Nodes[0].Decision != models.DecisionProceed {
		t.Fatalf("decision not attached to step graph: %+v", g.Nodes)
	}
}

func TestProcessLoopDetection(t *testing.T) {
	o := newTestOrchestrator(graph.NewMemoryStore())
	params := map[string]interface{}{"symbol": "AAPL", "depth": 1}

	for i := 1; i <= 2; i++ {
		d := o.Process(context.Background(), event("looper", i, "fetch_quote", "checking the quote", params))
		if d.Decision != models.DecisionProceed {
			t.Fatalf("submission %d: expected PROCEED, got %s (%s)", i, d.Decision, d.Details)
		}
	}
	// Third identical submission crosses the threshold: the window count
	// includes the step being decided.
	d := o.Process(context.Background(), event("looper", 3, "fetch_quote", "checking the quote", params))
	if d.Decision != models.DecisionHalt || d.Reason != models.ReasonLoopDetected {
		t.Fatalf("expected HALT/LOOP_DETECTED on third repeat, got %+v", d)
	}
	if d.TriggeredBy != StageLoopCheck {
		t.Fatalf("triggered_by = %q, want %q", d.TriggeredBy, StageLoopCheck)
	}
}

func TestProcessKeyOrderDoesNotEvadeLoopCheck(t *testing.T) {
	o := newTestOrchestrator(graph.NewMemoryStore())

	variants := []map[string]interface{}{
		{"symbol": "AAPL", "depth": 1},
		{"depth": 1, "symbol": "AAPL"},
		{"symbol": "AAPL", "depth": 1},
	}
	var last models.GovernanceDecision
	for i, params := range variants {
		last = o.Process(context.Background(), event("looper", i+1, "fetch_quote", "checking", params))
	}
	if last.Decision != models.DecisionHalt || last.Reason != models.ReasonLoopDetected {
		t.Fatalf("reordered keys must still count as repeats, got %+v", last)
	}
}

func TestProcessPolicyHalt(t *testing.T) {
	store := graph.NewMemoryStore()
	o := newTestOrchestrator(store)

	ev := event("trader-1", 1, "place_order",
		"Agent decided to BUY 500 shares of AAPL at $242.50, total cost $121,250",
		map[string]interface{}{"symbol": "AAPL"})
	d := o.Process(context.Background(), ev)

	if d.Decision != models.DecisionHalt || d.Reason != models.ReasonPolicyViolation {
		t.Fatalf("expected HALT/POLICY_VIOLATION, got %+v", d)
	}
	if d.Severity != models.SeverityCritical || d.TriggeredBy != StagePolicy {
		t.Fatalf("unexpected halt shape: %+v", d)
	}

	halted, err := store.HaltedSteps(context.Background(), "trader-1")
	if err != nil {
		t.Fatalf("halted steps: %v", err)
	}
	if len(halted) != 1 || halted[0].Reason != models.ReasonPolicyViolation {
		t.Fatalf("expected the halted step recorded, got %+v", halted)
	}
}

func TestProcessSoftWarningsCarrySeverityWarning(t *testing.T) {
	o := newTestOrchestrator(graph.NewMemoryStore())

	ev := event("trader-1", 1, "place_order",
		"Agent decided to BUY 350 shares of AAPL, total cost $85,000",
		map[string]interface{}{"symbol": "AAPL"})
	d := o.Process(context.Background(), ev)

	if d.Decision != models.DecisionProceed {
		t.Fatalf("expected PROCEED, got %+v", d)
	}
	if d.Severity != models.SeverityWarning || len(d.Warnings) == 0 {
		t.Fatalf("expected warning severity with warnings, got %+v", d)
	}
}

func TestProcessSafetyHalt(t *testing.T) {
	o := newTestOrchestrator(graph.NewMemoryStore())

	ev := event("trader-1", 1, "post_message", "nothing to extract here", nil)
	ev.Thought = "This is guaranteed, we must act now"
	d := o.Process(context.Background(), ev)

	if d.Decision != models.DecisionHalt || d.Reason != models.ReasonSafetyViolation {
		t.Fatalf("expected HALT/SAFETY_VIOLATION, got %+v", d)
	}
	if d.TriggeredBy != StageSafety || !strings.Contains(d.Details, "coercive_language") {
		t.Fatalf("unexpected halt shape: %+v", d)
	}
}

// failingExtractor simulates an extraction stage outage.
type failingExtractor struct{}

func (failingExtractor) Extract(context.Context, string) (models.Entities, error) {
	return models.Entities{}, errors.New("extraction backend down")
}

func TestProcessExtractionFailureFailsClosed(t *testing.T) {
	o := NewOrchestrator(graph.NewMemoryStore(), failingExtractor{}, localEngine(), nil, 5, 3, testLogger())

	d := o.Process(context.Background(), event("trader-1", 1, "place_order", "BUY AAPL", nil))
	if d.Decision != models.DecisionHalt || d.Reason != models.ReasonFactCheckFailed {
		t.Fatalf("expected HALT/FACT_CHECK_FAILED, got %+v", d)
	}
	if d.TriggeredBy != StageExtraction {
		t.Fatalf("triggered_by = %q, want %q", d.TriggeredBy, StageExtraction)
	}
}

// downStore fails every operation, standing in for a completely dead graph
// backend with no fallback.
type downStore struct{}

func (downStore) Append(context.Context, models.TelemetryEvent) error { return graph.ErrUnavailable }
func (downStore) Attach(context.Context, models.GovernanceDecision) error {
	return graph.ErrUnavailable
}
func (downStore) WindowRepeatCount(context.Context, string, string, map[string]interface{}, int) (int, error) {
	return 0, graph.ErrUnavailable
}
func (downStore) AgentGraph(context.Context, string) (models.AgentGraph, error) {
	return models.AgentGraph{}, graph.ErrUnavailable
}
func (downStore) CrossAgentGraph(context.Context) (models.AgentGraph, error) {
	return models.AgentGraph{}, graph.ErrUnavailable
}
func (downStore) HaltedSteps(context.Context, string) ([]models.HaltedStep, error) {
	return nil, graph.ErrUnavailable
}
func (downStore) Stats(context.Context) (models.Stats, error) { return models.Stats{}, graph.ErrUnavailable }
func (downStore) ListAgents(context.Context) ([]models.AgentSummary, error) {
	return nil, graph.ErrUnavailable
}
func (downStore) ClearAgent(context.Context, string) error { return graph.ErrUnavailable }
func (downStore) Clear(context.Context) error              { return graph.ErrUnavailable }

func TestProcessStoreFailureFailsClosed(t *testing.T) {
	o := NewOrchestrator(downStore{}, localExtractor(), localEngine(), nil, 5, 3, testLogger())

	d := o.Process(context.Background(), event("trader-1", 1, "place_order", "BUY AAPL", nil))
	if d.Decision != models.DecisionHalt {
		t.Fatalf("dead store must fail closed, got %+v", d)
	}
	if d.TriggeredBy != StageLoopCheck {
		t.Fatalf("triggered_by = %q, want %q", d.TriggeredBy, StageLoopCheck)
	}
}

// captureNotifier records published decisions.
type captureNotifier struct {
	decisions []models.GovernanceDecision
}

func (c *captureNotifier) Publish(d models.GovernanceDecision) {
	c.decisions = append(c.decisions, d)
}

func TestProcessPublishesEveryTerminalDecision(t *testing.T) {
	n := &captureNotifier{}
	o := NewOrchestrator(graph.NewMemoryStore(), localExtractor(), localEngine(), n, 5, 3, testLogger())

	o.Process(context.Background(), event("trader-1", 1, "place_order", "BUY 10 shares of AAPL, total cost $2,500", nil))
	o.Process(context.Background(), event("trader-1", 2, "place_order", "BUY 1 shares of GME, total cost $50", nil))

	if len(n.decisions) != 2 {
		t.Fatalf("expected 2 published decisions, got %d", len(n.decisions))
	}
	if n.decisions[0].Decision != models.DecisionProceed || n.decisions[1].Decision != models.DecisionHalt {
		t.Fatalf("unexpected published decisions: %+v", n.decisions)
	}
}

func TestProcessOverMemoryFailover(t *testing.T) {
	// Orchestration through the failover wrapper with no primary behaves
	// identically to the plain memory store.
	store := graph.NewFailoverStore(nil, graph.NewMemoryStore(), testLogger())
	o := newTestOrchestrator(store)

	d := o.Process(context.Background(), event("trader-1", 1, "place_order", "BUY 10 shares of AAPL, total cost $2,500", nil))
	if d.Decision != models.DecisionProceed {
		t.Fatalf("expected PROCEED through failover store, got %+v", d)
	}
	if store.Backend() != graph.BackendMemory {
		t.Fatalf("backend = %q, want %q", store.Backend(), graph.BackendMemory)
	}
}
