// Package governance implements the fail-closed decision pipeline: loop check,
// entity extraction, policy evaluation and safety evaluation, in that fixed
// order. Every step gets exactly one terminal PROCEED or HALT decision no
// matter which dependency misbehaves.
package governance

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentwatch-hq/agentwatch/internal/graph"
	"github.com/agentwatch-hq/agentwatch/internal/telemetry"
	"github.com/agentwatch-hq/agentwatch/models"
)

// Stage names recorded in triggered_by.
const (
	StageLoopCheck  = "loop_check"
	StageExtraction = "entity_extraction"
	StagePolicy     = "policy_evaluation"
	StageSafety     = "safety_check"
	StagePipeline   = "governance_pipeline"
)

var governanceTracer trace.Tracer = otel.Tracer("agentwatch/internal/governance")

// Notifier receives every terminal decision after it is persisted. Delivery is
// best-effort and must not block the pipeline.
type Notifier interface {
	Publish(d models.GovernanceDecision)
}

// NopNotifier drops every decision.
type NopNotifier struct{}

func (NopNotifier) Publish(models.GovernanceDecision) {}

// Orchestrator sequences the governance stages over the step graph store and
// the three evaluators.
type Orchestrator struct {
	store     graph.Store
	extractor Extractor
	policy    *PolicyEngine
	safety    SafetyEvaluator
	notifier  Notifier
	logger    *log.Logger

	loopWindow    int
	loopThreshold int
}

func NewOrchestrator(store graph.Store, extractor Extractor, policy *PolicyEngine, notifier Notifier, loopWindow, loopThreshold int, logger *log.Logger) *Orchestrator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Orchestrator{
		store:         store,
		extractor:     extractor,
		policy:        policy,
		notifier:      notifier,
		logger:        logger,
		loopWindow:    loopWindow,
		loopThreshold: loopThreshold,
	}
}

// Process runs the full pipeline for one validated telemetry event and always
// returns a terminal decision. Stage failures are converted to HALT with the
// failing stage in triggered_by; they never propagate to the caller.
func (o *Orchestrator) Process(ctx context.Context, ev models.TelemetryEvent) (decision models.GovernanceDecision) {
	ctx, span := governanceTracer.Start(ctx, "Orchestrator.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent_id", ev.AgentID),
		attribute.String("step_id", ev.StepID),
		attribute.String("tool_used", ev.ToolUsed),
	)

	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("pipeline panic for step %s: %v", ev.StepID, r)
			telemetry.StageFailuresTotal.WithLabelValues(StagePipeline).Inc()
			decision = o.halt(ev, models.ReasonPolicyViolation, models.SeverityCritical,
				"governance pipeline failure, failing closed", StagePipeline, nil)
		}
		o.finalize(ctx, span, ev, decision)
	}()

	decision = o.decide(ctx, span, ev)
	return decision
}

func (o *Orchestrator) decide(ctx context.Context, span trace.Span, ev models.TelemetryEvent) models.GovernanceDecision {
	// Pre-log the step so the loop window can see it.
	if err := o.store.Append(ctx, ev); err != nil {
		span.RecordError(err)
		telemetry.StageFailuresTotal.WithLabelValues(StageLoopCheck).Inc()
		return o.halt(ev, models.ReasonLoopDetected, models.SeverityCritical,
			"step graph unavailable, failing closed", StageLoopCheck, nil)
	}

	// 1. Loop check. Cheapest stage, short-circuits before extraction cost.
	repeats, err := o.store.WindowRepeatCount(ctx, ev.AgentID, ev.ToolUsed, ev.InputParameters, o.loopWindow)
	if err != nil {
		span.RecordError(err)
		telemetry.StageFailuresTotal.WithLabelValues(StageLoopCheck).Inc()
		return o.halt(ev, models.ReasonLoopDetected, models.SeverityCritical,
			"loop check failed, failing closed", StageLoopCheck, nil)
	}
	if repeats >= o.loopThreshold {
		return o.halt(ev, models.ReasonLoopDetected, models.SeverityCritical,
			fmt.Sprintf("agent repeated %s with identical parameters %d times within the last %d steps", ev.ToolUsed, repeats, o.loopWindow),
			StageLoopCheck, nil)
	}

	// 2. Entity extraction over the raw log.
	entities, err := o.extractor.Extract(ctx, ev.RawLog)
	if err != nil {
		span.RecordError(err)
		telemetry.StageFailuresTotal.WithLabelValues(StageExtraction).Inc()
		return o.halt(ev, models.ReasonFactCheckFailed, models.SeverityCritical,
			"entity extraction failed, failing closed", StageExtraction, nil)
	}

	// 3. Policy evaluation over the extracted entities.
	var warnings []string
	policyResult, err := o.policy.Evaluate(ctx, entities)
	if err != nil {
		span.RecordError(err)
		telemetry.StageFailuresTotal.WithLabelValues(StagePolicy).Inc()
		return o.halt(ev, models.ReasonPolicyViolation, models.SeverityCritical,
			"policy evaluation failed, failing closed", StagePolicy, nil)
	}
	if !policyResult.Compliant {
		return o.halt(ev, models.ReasonPolicyViolation, policyResult.Severity,
			policyResult.Violation, StagePolicy, policyResult.Warnings)
	}
	warnings = append(warnings, policyResult.Warnings...)

	// 4. Safety evaluation over the thought.
	safetyResult := o.safety.Evaluate(ev.Thought)
	if !safetyResult.Safe {
		return o.halt(ev, models.ReasonSafetyViolation, models.SeverityCritical,
			"unsafe language detected: "+strings.Join(safetyResult.Flags, "; "), StageSafety, nil)
	}

	severity := models.SeverityInfo
	if len(warnings) > 0 {
		severity = models.SeverityWarning
	}
	return models.GovernanceDecision{
		AgentID:     ev.AgentID,
		StepID:      ev.StepID,
		Decision:    models.DecisionProceed,
		Severity:    severity,
		Reason:      models.ReasonApproved,
		Details:     "all governance checks passed",
		TriggeredBy: StagePipeline,
		Timestamp:   time.Now().UTC(),
		Warnings:    warnings,
	}
}

func (o *Orchestrator) halt(ev models.TelemetryEvent, reason string, severity models.Severity, details, stage string, warnings []string) models.GovernanceDecision {
	return models.GovernanceDecision{
		AgentID:     ev.AgentID,
		StepID:      ev.StepID,
		Decision:    models.DecisionHalt,
		Severity:    severity,
		Reason:      reason,
		Details:     details,
		TriggeredBy: stage,
		Timestamp:   time.Now().UTC(),
		Warnings:    warnings,
	}
}

// finalize attaches the terminal decision to the step and fans it out.
func (o *Orchestrator) finalize(ctx context.Context, span trace.Span, ev models.TelemetryEvent, d models.GovernanceDecision) {
	if d.StepID == "" {
		return
	}
	if err := o.store.Attach(ctx, d); err != nil {
		span.RecordError(err)
		o.logger.Printf("attach decision for step %s: %v", ev.StepID, err)
	}
	telemetry.DecisionsTotal.WithLabelValues(string(d.Decision), d.Reason).Inc()
	if d.Decision == models.DecisionHalt {
		span.SetStatus(codes.Error, d.Reason)
		o.logger.Printf("HALT agent=%s step=%s reason=%s triggered_by=%s", d.AgentID, d.StepID, d.Reason, d.TriggeredBy)
	} else {
		o.logger.Printf("PROCEED agent=%s step=%s warnings=%d", d.AgentID, d.StepID, len(d.Warnings))
	}
	span.SetAttributes(
		attribute.String("decision", string(d.Decision)),
		attribute.String("reason", d.Reason),
	)
	o.notifier.Publish(d)
}
