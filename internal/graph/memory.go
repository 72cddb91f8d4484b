package graph

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentwatch-hq/agentwatch/models"
)

type stepRecord struct {
	models.TelemetryEvent
	canonicalParams string
	decision        models.Decision
	reason          string
	details         string
	triggeredBy     string
	decidedAt       time.Time
}

type agentLog struct {
	mu    sync.Mutex
	steps []*stepRecord
	byID  map[string]*stepRecord
}

// MemoryStore is the in-process fallback backend.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*agentLog

	infMu      sync.Mutex
	influences []models.GraphEdge
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*agentLog)}
}

func (m *MemoryStore) agent(agentID string, create bool) *agentLog {
	m.mu.RLock()
	a := m.agents[agentID]
	m.mu.RUnlock()
	if a != nil || !create {
		return a
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if a = m.agents[agentID]; a == nil {
		a = &agentLog{byID: make(map[string]*stepRecord)}
		m.agents[agentID] = a
	}
	return a
}

func (m *MemoryStore) Append(_ context.Context, ev models.TelemetryEvent) error {
	a := m.agent(ev.AgentID, true)
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.byID[ev.StepID]; ok {
		return nil
	}
	rec := &stepRecord{
		TelemetryEvent:  ev,
		canonicalParams: CanonicalParams(ev.InputParameters),
		decision:        models.DecisionPending,
	}
	a.steps = append(a.steps, rec)
	a.byID[ev.StepID] = rec

	if ev.ParentStepID != "" && ev.ParentAgentID != "" && ev.ParentAgentID != ev.AgentID {
		m.infMu.Lock()
		m.influences = append(m.influences, models.GraphEdge{
			Source: ev.ParentStepID,
			Target: ev.StepID,
			Type:   models.EdgeInfluences,
		})
		m.infMu.Unlock()
	}
	return nil
}

func (m *MemoryStore) Attach(_ context.Context, d models.GovernanceDecision) error {
	a := m.agent(d.AgentID, false)
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.byID[d.StepID]
	if !ok || rec.decision != models.DecisionPending {
		return nil
	}
	rec.decision = d.Decision
	rec.reason = d.Reason
	rec.details = d.Details
	rec.triggeredBy = d.TriggeredBy
	rec.decidedAt = d.Timestamp
	return nil
}

func (m *MemoryStore) WindowRepeatCount(_ context.Context, agentID, toolUsed string, params map[string]interface{}, window int) (int, error) {
	a := m.agent(agentID, false)
	if a == nil {
		return 0, nil
	}
	canonical := CanonicalParams(params)
	a.mu.Lock()
	defer a.mu.Unlock()

	recent := make([]*stepRecord, len(a.steps))
	copy(recent, a.steps)
	sort.SliceStable(recent, func(i, j int) bool { return recent[i].Timestamp.After(recent[j].Timestamp) })
	if window > 0 && len(recent) > window {
		recent = recent[:window]
	}
	count := 0
	for _, s := range recent {
		if s.ToolUsed == toolUsed && s.canonicalParams == canonical {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) terminalSteps(a *agentLog) []*stepRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*stepRecord, 0, len(a.steps))
	for _, s := range a.steps {
		if s.decision != models.DecisionPending {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func nodeOf(s *stepRecord) models.GraphNode {
	return models.GraphNode{
		ID:              s.StepID,
		AgentID:         s.AgentID,
		Thought:         s.Thought,
		ToolUsed:        s.ToolUsed,
		InputParameters: s.canonicalParams,
		Observation:     s.Observation,
		Decision:        s.decision,
		Reason:          s.reason,
		Details:         s.details,
		Timestamp:       s.Timestamp,
	}
}

func (m *MemoryStore) AgentGraph(_ context.Context, agentID string) (models.AgentGraph, error) {
	g := models.AgentGraph{AgentID: agentID, Nodes: []models.GraphNode{}, Edges: []models.GraphEdge{}}
	a := m.agent(agentID, false)
	if a == nil {
		return g, nil
	}
	steps := m.terminalSteps(a)
	for _, s := range steps {
		g.Nodes = append(g.Nodes, nodeOf(s))
	}
	for i := 0; i+1 < len(steps); i++ {
		g.Edges = append(g.Edges, models.GraphEdge{
			Source: steps[i].StepID,
			Target: steps[i+1].StepID,
			Type:   models.EdgeNext,
		})
	}
	return g, nil
}

func (m *MemoryStore) CrossAgentGraph(_ context.Context) (models.AgentGraph, error) {
	g := models.AgentGraph{Nodes: []models.GraphNode{}, Edges: []models.GraphEdge{}}
	m.mu.RLock()
	agents := make([]*agentLog, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.RUnlock()

	for _, a := range agents {
		for _, s := range m.terminalSteps(a) {
			g.Nodes = append(g.Nodes, nodeOf(s))
		}
	}
	sort.SliceStable(g.Nodes, func(i, j int) bool { return g.Nodes[i].Timestamp.Before(g.Nodes[j].Timestamp) })

	m.infMu.Lock()
	g.Edges = append(g.Edges, m.influences...)
	m.infMu.Unlock()
	return g, nil
}

func (m *MemoryStore) HaltedSteps(_ context.Context, agentID string) ([]models.HaltedStep, error) {
	out := []models.HaltedStep{}
	a := m.agent(agentID, false)
	if a == nil {
		return out, nil
	}
	for _, s := range m.terminalSteps(a) {
		if s.decision == models.DecisionHalt {
			out = append(out, models.HaltedStep{
				StepID:    s.StepID,
				Thought:   s.Thought,
				Reason:    s.reason,
				Details:   s.details,
				Timestamp: s.Timestamp,
			})
		}
	}
	return out, nil
}

func (m *MemoryStore) Stats(_ context.Context) (models.Stats, error) {
	stats := models.Stats{ViolationsByType: map[string]int{}}
	m.mu.RLock()
	agents := make([]*agentLog, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.RUnlock()

	for _, a := range agents {
		for _, s := range m.terminalSteps(a) {
			stats.TotalSteps++
			switch s.decision {
			case models.DecisionProceed:
				stats.ProceedCount++
			case models.DecisionHalt:
				stats.HaltCount++
				reason := s.reason
				if reason == "" {
					reason = "UNKNOWN"
				}
				stats.ViolationsByType[reason]++
			}
		}
	}
	return stats, nil
}

func (m *MemoryStore) ListAgents(_ context.Context) ([]models.AgentSummary, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	out := []models.AgentSummary{}
	for _, id := range ids {
		a := m.agent(id, false)
		if a == nil {
			continue
		}
		summary := models.AgentSummary{AgentID: id}
		for _, s := range m.terminalSteps(a) {
			summary.TotalSteps++
			if s.decision == models.DecisionHalt {
				summary.HaltCount++
			}
			if s.Timestamp.After(summary.LastActivity) {
				summary.LastActivity = s.Timestamp
			}
		}
		if summary.TotalSteps > 0 {
			out = append(out, summary)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

func (m *MemoryStore) ClearAgent(_ context.Context, agentID string) error {
	m.mu.Lock()
	removed := map[string]bool{}
	if a := m.agents[agentID]; a != nil {
		a.mu.Lock()
		for id := range a.byID {
			removed[id] = true
		}
		a.mu.Unlock()
	}
	delete(m.agents, agentID)
	m.mu.Unlock()

	// Influence edges referencing the removed agent's steps go with it.
	m.infMu.Lock()
	kept := m.influences[:0]
	for _, e := range m.influences {
		if !removed[e.Source] && !removed[e.Target] {
			kept = append(kept, e)
		}
	}
	m.influences = kept
	m.infMu.Unlock()
	return nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	m.agents = make(map[string]*agentLog)
	m.mu.Unlock()
	m.infMu.Lock()
	m.influences = nil
	m.infMu.Unlock()
	return nil
}
