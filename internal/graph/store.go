// Package graph is the durable, ordered record of every agent step and its
// terminal governance decision. It runs on a persistent Neo4j backend with an
// in-process fallback behind a one-way failover decorator.
package graph

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/agentwatch-hq/agentwatch/models"
)

// ErrUnavailable marks a backend failure. The failover decorator absorbs it;
// callers above the decorator never see it.
var ErrUnavailable = errors.New("graph backend unavailable")

// Store is the step graph surface consumed by the governance pipeline and the
// query handlers. Implementations guarantee per-agent ordering within
// themselves; cross-backend consistency after a failover is explicitly not
// promised.
type Store interface {
	// Append upserts a step keyed by step_id in state PENDING. The first
	// insertion for an agent links a NEXT edge from that agent's most
	// recently inserted step, and an INFLUENCES edge when the step declares
	// a parent owned by a different agent. Re-appending an existing step_id
	// is a no-op.
	Append(ctx context.Context, ev models.TelemetryEvent) error

	// Attach sets the terminal decision on a PENDING step, exactly once.
	Attach(ctx context.Context, d models.GovernanceDecision) error

	// WindowRepeatCount counts, among the agent's most recent steps (by
	// timestamp descending, window bounded), those whose tool and
	// canonically-serialized parameters match.
	WindowRepeatCount(ctx context.Context, agentID, toolUsed string, params map[string]interface{}, window int) (int, error)

	// AgentGraph returns the agent's terminally-decided steps in timestamp
	// order plus their NEXT edges. PENDING placeholders are excluded.
	AgentGraph(ctx context.Context, agentID string) (models.AgentGraph, error)

	// CrossAgentGraph returns every agent's terminal steps plus all
	// INFLUENCES edges.
	CrossAgentGraph(ctx context.Context) (models.AgentGraph, error)

	// HaltedSteps returns the agent's HALT decisions for debugging.
	HaltedSteps(ctx context.Context, agentID string) ([]models.HaltedStep, error)

	Stats(ctx context.Context) (models.Stats, error)
	ListAgents(ctx context.Context) ([]models.AgentSummary, error)

	// ClearAgent removes one agent and its steps.
	ClearAgent(ctx context.Context, agentID string) error

	// Clear wipes the backend. Idempotent.
	Clear(ctx context.Context) error
}

// CanonicalParams serializes input parameters with sorted keys and normalized
// values so equality is independent of field insertion order. encoding/json
// sorts string map keys at every nesting level.
func CanonicalParams(params map[string]interface{}) string {
	if len(params) == 0 {
		return "{}"
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return string(b)
}
