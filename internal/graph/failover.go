package graph

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/agentwatch-hq/agentwatch/internal/telemetry"
	"github.com/agentwatch-hq/agentwatch/models"
)

// Backend names exposed for diagnostics.
const (
	BackendNeo4j  = "neo4j"
	BackendMemory = "memory"
)

// FailoverStore routes every operation to the primary backend until the first
// failure, then switches permanently to the fallback for the remainder of the
// process lifetime. It never retries the primary and never merges data across
// the failover boundary. It also serializes operations per agent so windowed
// counts and NEXT-chain linkage observe a consistent snapshot.
type FailoverStore struct {
	primary  Store
	fallback Store
	logger   *log.Logger

	failed     atomic.Bool
	logFlipped sync.Once
	agentLocks sync.Map // agent_id -> *sync.Mutex
}

// NewFailoverStore wraps primary and fallback. A nil primary starts directly
// on the fallback without counting as a failover.
func NewFailoverStore(primary, fallback Store, logger *log.Logger) *FailoverStore {
	f := &FailoverStore{primary: primary, fallback: fallback, logger: logger}
	if primary == nil {
		f.failed.Store(true)
		telemetry.GraphActiveBackend.WithLabelValues(BackendMemory).Set(1)
	} else {
		telemetry.GraphActiveBackend.WithLabelValues(BackendNeo4j).Set(1)
		telemetry.GraphActiveBackend.WithLabelValues(BackendMemory).Set(0)
	}
	return f
}

// Backend reports which backend is currently serving operations.
func (f *FailoverStore) Backend() string {
	if f.failed.Load() {
		return BackendMemory
	}
	return BackendNeo4j
}

func (f *FailoverStore) lockAgent(agentID string) func() {
	v, _ := f.agentLocks.LoadOrStore(agentID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (f *FailoverStore) flip(err error) {
	if f.failed.CompareAndSwap(false, true) {
		f.logFlipped.Do(func() {
			f.logger.Printf("primary backend failed, switching to in-process fallback permanently: %v", err)
		})
		telemetry.GraphFailoversTotal.Inc()
		telemetry.GraphActiveBackend.WithLabelValues(BackendNeo4j).Set(0)
		telemetry.GraphActiveBackend.WithLabelValues(BackendMemory).Set(1)
	}
}

// do runs op against the primary, flipping to the fallback on any failure and
// completing the operation there.
func (f *FailoverStore) do(op func(Store) error) error {
	if !f.failed.Load() {
		if err := op(f.primary); err == nil {
			return nil
		} else {
			f.flip(err)
		}
	}
	return op(f.fallback)
}

func (f *FailoverStore) Append(ctx context.Context, ev models.TelemetryEvent) error {
	defer f.lockAgent(ev.AgentID)()
	return f.do(func(s Store) error { return s.Append(ctx, ev) })
}

func (f *FailoverStore) Attach(ctx context.Context, d models.GovernanceDecision) error {
	defer f.lockAgent(d.AgentID)()
	return f.do(func(s Store) error { return s.Attach(ctx, d) })
}

func (f *FailoverStore) WindowRepeatCount(ctx context.Context, agentID, toolUsed string, params map[string]interface{}, window int) (int, error) {
	defer f.lockAgent(agentID)()
	var count int
	err := f.do(func(s Store) error {
		var opErr error
		count, opErr = s.WindowRepeatCount(ctx, agentID, toolUsed, params, window)
		return opErr
	})
	return count, err
}

func (f *FailoverStore) AgentGraph(ctx context.Context, agentID string) (models.AgentGraph, error) {
	var g models.AgentGraph
	err := f.do(func(s Store) error {
		var opErr error
		g, opErr = s.AgentGraph(ctx, agentID)
		return opErr
	})
	return g, err
}

func (f *FailoverStore) CrossAgentGraph(ctx context.Context) (models.AgentGraph, error) {
	var g models.AgentGraph
	err := f.do(func(s Store) error {
		var opErr error
		g, opErr = s.CrossAgentGraph(ctx)
		return opErr
	})
	return g, err
}

func (f *FailoverStore) HaltedSteps(ctx context.Context, agentID string) ([]models.HaltedStep, error) {
	var out []models.HaltedStep
	err := f.do(func(s Store) error {
		var opErr error
		out, opErr = s.HaltedSteps(ctx, agentID)
		return opErr
	})
	return out, err
}

func (f *FailoverStore) Stats(ctx context.Context) (models.Stats, error) {
	var st models.Stats
	err := f.do(func(s Store) error {
		var opErr error
		st, opErr = s.Stats(ctx)
		return opErr
	})
	return st, err
}

func (f *FailoverStore) ListAgents(ctx context.Context) ([]models.AgentSummary, error) {
	var out []models.AgentSummary
	err := f.do(func(s Store) error {
		var opErr error
		out, opErr = s.ListAgents(ctx)
		return opErr
	})
	return out, err
}

func (f *FailoverStore) ClearAgent(ctx context.Context, agentID string) error {
	defer f.lockAgent(agentID)()
	// Per-agent reset clears both backends like the global reset does, so a
	// re-used agent id cannot resurrect pre-failover history.
	if f.primary != nil {
		if err := f.primary.ClearAgent(ctx, agentID); err != nil && !f.failed.Load() {
			f.flip(err)
		}
	}
	return f.fallback.ClearAgent(ctx, agentID)
}

// Clear wipes both backends regardless of which one is active.
func (f *FailoverStore) Clear(ctx context.Context) error {
	if f.primary != nil {
		if err := f.primary.Clear(ctx); err != nil && !f.failed.Load() {
			f.flip(err)
		}
	}
	return f.fallback.Clear(ctx)
}
