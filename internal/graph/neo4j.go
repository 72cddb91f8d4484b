package graph

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/agentwatch-hq/agentwatch/models"
)

// Neo4jStore is the persistent primary backend. Steps are AgentStep nodes
// hung off Agent nodes via HAS_STEP, chained per agent by NEXT edges, with
// INFLUENCES edges for cross-agent causal links.
type Neo4jStore struct {
	driver neo4j.DriverWithContext
	logger *log.Logger
}

// NewNeo4jStore connects and verifies connectivity within connectTimeout.
func NewNeo4jStore(ctx context.Context, uri, user, password string, connectTimeout time.Duration, logger *log.Logger) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(context.Background())
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	logger.Printf("connected to %s", uri)
	return &Neo4jStore{driver: driver, logger: logger}, nil
}

func (n *Neo4jStore) Close(ctx context.Context) error {
	return n.driver.Close(ctx)
}

func (n *Neo4jStore) run(ctx context.Context, query string, params map[string]any) (*neo4j.EagerResult, error) {
	res, err := neo4j.ExecuteQuery(ctx, n.driver, query, params, neo4j.EagerResultTransformer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return res, nil
}

func (n *Neo4jStore) Append(ctx context.Context, ev models.TelemetryEvent) error {
	// Placeholder parents created by INFLUENCES linking carry only step_id, so
	// the idempotency check must match fully-ingested steps only: a placeholder
	// gets its payload written when its owner finally reports the step.
	res, err := n.run(ctx, `
		MATCH (s:AgentStep {step_id: $step_id})
		WHERE s.decision IS NOT NULL
		RETURN s.step_id AS step_id`,
		map[string]any{"step_id": ev.StepID})
	if err != nil {
		return err
	}
	if len(res.Records) > 0 {
		// Idempotent re-ingestion: the step was already stored.
		return nil
	}

	ts := ev.Timestamp.UTC()
	_, err = n.run(ctx, `
		MERGE (a:Agent {agent_id: $agent_id})
		MERGE (s:AgentStep {step_id: $step_id})
		SET s.agent_id = $agent_id,
		    s.ts = $ts,
		    s.timestamp = $timestamp,
		    s.thought = $thought,
		    s.tool_used = $tool_used,
		    s.input_parameters = $input_parameters,
		    s.observation = $observation,
		    s.raw_log = $raw_log,
		    s.decision = coalesce(s.decision, 'PENDING'),
		    s.reason = coalesce(s.reason, ''),
		    s.details = coalesce(s.details, ''),
		    s.triggered_by = coalesce(s.triggered_by, '')
		MERGE (a)-[:HAS_STEP]->(s)
		WITH a, s
		OPTIONAL MATCH (a)-[:HAS_STEP]->(prev:AgentStep)
		WHERE prev.step_id <> s.step_id AND NOT (prev)-[:NEXT]->()
		WITH a, s, prev ORDER BY prev.ts DESC LIMIT 1
		FOREACH (_ IN CASE WHEN prev IS NOT NULL THEN [1] ELSE [] END |
			MERGE (prev)-[:NEXT]->(s)
		)
		RETURN s.step_id AS step_id`,
		map[string]any{
			"agent_id":         ev.AgentID,
			"step_id":          ev.StepID,
			"ts":               ts.UnixNano(),
			"timestamp":        ts.Format(time.RFC3339Nano),
			"thought":          ev.Thought,
			"tool_used":        ev.ToolUsed,
			"input_parameters": CanonicalParams(ev.InputParameters),
			"observation":      ev.Observation,
			"raw_log":          ev.RawLog,
		})
	if err != nil {
		return err
	}

	if ev.ParentStepID != "" && ev.ParentAgentID != "" && ev.ParentAgentID != ev.AgentID {
		// MERGE leaves a placeholder parent node that fills in once the
		// parent step is ingested. Placeholders stay PENDING-less and are
		// invisible to graph queries.
		_, err = n.run(ctx, `
			MATCH (s:AgentStep {step_id: $step_id})
			MERGE (p:AgentStep {step_id: $parent_step_id})
			MERGE (p)-[:INFLUENCES]->(s)`,
			map[string]any{"step_id": ev.StepID, "parent_step_id": ev.ParentStepID})
		if err != nil {
			return err
		}
	}
	return nil
}

func (n *Neo4jStore) Attach(ctx context.Context, d models.GovernanceDecision) error {
	_, err := n.run(ctx, `
		MATCH (s:AgentStep {step_id: $step_id})
		WHERE s.decision = 'PENDING'
		SET s.decision = $decision,
		    s.severity = $severity,
		    s.reason = $reason,
		    s.details = $details,
		    s.triggered_by = $triggered_by,
		    s.decided_at = $decided_at`,
		map[string]any{
			"step_id":      d.StepID,
			"decision":     string(d.Decision),
			"severity":     string(d.Severity),
			"reason":       d.Reason,
			"details":      d.Details,
			"triggered_by": d.TriggeredBy,
			"decided_at":   d.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	return err
}

func (n *Neo4jStore) WindowRepeatCount(ctx context.Context, agentID, toolUsed string, params map[string]interface{}, window int) (int, error) {
	res, err := n.run(ctx, `
		MATCH (a:Agent {agent_id: $agent_id})-[:HAS_STEP]->(s:AgentStep)
		WITH s ORDER BY s.ts DESC LIMIT $window
		WITH s WHERE s.tool_used = $tool_used AND s.input_parameters = $input_parameters
		RETURN count(s) AS repeat_count`,
		map[string]any{
			"agent_id":         agentID,
			"tool_used":        toolUsed,
			"input_parameters": CanonicalParams(params),
			"window":           window,
		})
	if err != nil {
		return 0, err
	}
	if len(res.Records) == 0 {
		return 0, nil
	}
	return int(recInt(res.Records[0], "repeat_count")), nil
}

const terminalFilter = `s.decision IN ['PROCEED', 'HALT']`

const nodeReturn = `
	RETURN s.step_id AS step_id, s.agent_id AS agent_id, s.thought AS thought,
	       s.tool_used AS tool_used, s.input_parameters AS input_parameters,
	       s.observation AS observation, s.decision AS decision,
	       s.reason AS reason, s.details AS details, s.timestamp AS timestamp
	ORDER BY s.ts`

func (n *Neo4jStore) AgentGraph(ctx context.Context, agentID string) (models.AgentGraph, error) {
	g := models.AgentGraph{AgentID: agentID, Nodes: []models.GraphNode{}, Edges: []models.GraphEdge{}}
	res, err := n.run(ctx, `
		MATCH (a:Agent {agent_id: $agent_id})-[:HAS_STEP]->(s:AgentStep)
		WHERE `+terminalFilter+nodeReturn,
		map[string]any{"agent_id": agentID})
	if err != nil {
		return g, err
	}
	for _, rec := range res.Records {
		g.Nodes = append(g.Nodes, recNode(rec))
	}

	edges, err := n.run(ctx, `
		MATCH (a:Agent {agent_id: $agent_id})-[:HAS_STEP]->(s:AgentStep)-[:NEXT]->(t:AgentStep)
		WHERE s.decision IN ['PROCEED', 'HALT'] AND t.decision IN ['PROCEED', 'HALT']
		RETURN s.step_id AS source, t.step_id AS target`,
		map[string]any{"agent_id": agentID})
	if err != nil {
		return g, err
	}
	for _, rec := range edges.Records {
		g.Edges = append(g.Edges, models.GraphEdge{
			Source: recString(rec, "source"),
			Target: recString(rec, "target"),
			Type:   models.EdgeNext,
		})
	}
	return g, nil
}

func (n *Neo4jStore) CrossAgentGraph(ctx context.Context) (models.AgentGraph, error) {
	g := models.AgentGraph{Nodes: []models.GraphNode{}, Edges: []models.GraphEdge{}}
	res, err := n.run(ctx, `
		MATCH (s:AgentStep) WHERE `+terminalFilter+nodeReturn, nil)
	if err != nil {
		return g, err
	}
	for _, rec := range res.Records {
		g.Nodes = append(g.Nodes, recNode(rec))
	}

	edges, err := n.run(ctx, `
		MATCH (p:AgentStep)-[:INFLUENCES]->(c:AgentStep)
		RETURN p.step_id AS source, c.step_id AS target`, nil)
	if err != nil {
		return g, err
	}
	for _, rec := range edges.Records {
		g.Edges = append(g.Edges, models.GraphEdge{
			Source: recString(rec, "source"),
			Target: recString(rec, "target"),
			Type:   models.EdgeInfluences,
		})
	}
	return g, nil
}

func (n *Neo4jStore) HaltedSteps(ctx context.Context, agentID string) ([]models.HaltedStep, error) {
	res, err := n.run(ctx, `
		MATCH (a:Agent {agent_id: $agent_id})-[:HAS_STEP]->(s:AgentStep)
		WHERE s.decision = 'HALT'
		RETURN s.step_id AS step_id, s.thought AS thought, s.reason AS reason,
		       s.details AS details, s.timestamp AS timestamp
		ORDER BY s.ts`,
		map[string]any{"agent_id": agentID})
	if err != nil {
		return nil, err
	}
	out := []models.HaltedStep{}
	for _, rec := range res.Records {
		out = append(out, models.HaltedStep{
			StepID:    recString(rec, "step_id"),
			Thought:   recString(rec, "thought"),
			Reason:    recString(rec, "reason"),
			Details:   recString(rec, "details"),
			Timestamp: recTime(rec, "timestamp"),
		})
	}
	return out, nil
}

func (n *Neo4jStore) Stats(ctx context.Context) (models.Stats, error) {
	stats := models.Stats{ViolationsByType: map[string]int{}}
	res, err := n.run(ctx, `
		MATCH (s:AgentStep)
		WHERE `+terminalFilter+`
		WITH s.decision AS decision, s.reason AS reason, count(*) AS cnt
		RETURN decision, reason, cnt
		ORDER BY cnt DESC`, nil)
	if err != nil {
		return stats, err
	}
	for _, rec := range res.Records {
		cnt := int(recInt(rec, "cnt"))
		stats.TotalSteps += cnt
		switch recString(rec, "decision") {
		case string(models.DecisionProceed):
			stats.ProceedCount += cnt
		case string(models.DecisionHalt):
			stats.HaltCount += cnt
			reason := recString(rec, "reason")
			if reason == "" {
				reason = "UNKNOWN"
			}
			stats.ViolationsByType[reason] += cnt
		}
	}
	return stats, nil
}

func (n *Neo4jStore) ListAgents(ctx context.Context) ([]models.AgentSummary, error) {
	res, err := n.run(ctx, `
		MATCH (a:Agent)-[:HAS_STEP]->(s:AgentStep)
		WHERE `+terminalFilter+`
		WITH a.agent_id AS agent_id,
		     count(*) AS total_steps,
		     sum(CASE WHEN s.decision = 'HALT' THEN 1 ELSE 0 END) AS halt_count,
		     max(s.timestamp) AS last_activity
		RETURN agent_id, total_steps, halt_count, last_activity
		ORDER BY last_activity DESC`, nil)
	if err != nil {
		return nil, err
	}
	out := []models.AgentSummary{}
	for _, rec := range res.Records {
		out = append(out, models.AgentSummary{
			AgentID:      recString(rec, "agent_id"),
			TotalSteps:   int(recInt(rec, "total_steps")),
			HaltCount:    int(recInt(rec, "halt_count")),
			LastActivity: recTime(rec, "last_activity"),
		})
	}
	return out, nil
}

func (n *Neo4jStore) ClearAgent(ctx context.Context, agentID string) error {
	_, err := n.run(ctx, `
		MATCH (a:Agent {agent_id: $agent_id})
		OPTIONAL MATCH (a)-[:HAS_STEP]->(s:AgentStep)
		DETACH DELETE s, a`,
		map[string]any{"agent_id": agentID})
	return err
}

func (n *Neo4jStore) Clear(ctx context.Context) error {
	_, err := n.run(ctx, `MATCH (n) DETACH DELETE n`, nil)
	return err
}

func recString(rec *neo4j.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func recInt(rec *neo4j.Record, key string) int64 {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return 0
	}
	i, _ := v.(int64)
	return i
}

func recTime(rec *neo4j.Record, key string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, recString(rec, key))
	if err != nil {
		return time.Time{}
	}
	return t
}

func recNode(rec *neo4j.Record) models.GraphNode {
	return models.GraphNode{
		ID:              recString(rec, "step_id"),
		AgentID:         recString(rec, "agent_id"),
		Thought:         recString(rec, "thought"),
		ToolUsed:        recString(rec, "tool_used"),
		InputParameters: recString(rec, "input_parameters"),
		Observation:     recString(rec, "observation"),
		Decision:        models.Decision(recString(rec, "decision")),
		Reason:          recString(rec, "reason"),
		Details:         recString(rec, "details"),
		Timestamp:       recTime(rec, "timestamp"),
	}
}
