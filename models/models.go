package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrIngressValidation marks telemetry rejected before it enters the
// governance pipeline. Handlers surface it as a request error, never as a
// governance decision.
var ErrIngressValidation = errors.New("ingress validation failed")

type Decision string

const (
	DecisionPending Decision = "PENDING"
	DecisionProceed Decision = "PROCEED"
	DecisionHalt    Decision = "HALT"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Decision reasons. APPROVED is the only reason a PROCEED can carry.
const (
	ReasonApproved        = "APPROVED"
	ReasonLoopDetected    = "LOOP_DETECTED"
	ReasonPolicyViolation = "POLICY_VIOLATION"
	ReasonSafetyViolation = "SAFETY_VIOLATION"
	ReasonFactCheckFailed = "FACT_CHECK_FAILED"
)

// TelemetryEvent is one reported reasoning step of a governed agent.
type TelemetryEvent struct {
	AgentID         string                 `json:"agent_id"`
	StepID          string                 `json:"step_id"`
	Timestamp       time.Time              `json:"timestamp"`
	Thought         string                 `json:"thought"`
	ToolUsed        string                 `json:"tool_used"`
	InputParameters map[string]interface{} `json:"input_parameters"`
	Observation     string                 `json:"observation"`
	RawLog          string                 `json:"raw_log"`
	ParentStepID    string                 `json:"parent_step_id,omitempty"`
	ParentAgentID   string                 `json:"parent_agent_id,omitempty"`
}

// Validate rejects structurally invalid telemetry before pipeline entry.
func (e *TelemetryEvent) Validate() error {
	var missing []string
	if strings.TrimSpace(e.AgentID) == "" {
		missing = append(missing, "agent_id")
	}
	if strings.TrimSpace(e.StepID) == "" {
		missing = append(missing, "step_id")
	}
	if strings.TrimSpace(e.ToolUsed) == "" {
		missing = append(missing, "tool_used")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required fields: %s", ErrIngressValidation, strings.Join(missing, ", "))
	}
	if e.ParentStepID != "" && strings.TrimSpace(e.ParentAgentID) == "" {
		return fmt.Errorf("%w: parent_step_id requires parent_agent_id", ErrIngressValidation)
	}
	return nil
}

// GovernanceDecision is the terminal verdict attached to exactly one step.
type GovernanceDecision struct {
	AgentID     string    `json:"agent_id"`
	StepID      string    `json:"step_id"`
	Decision    Decision  `json:"decision"`
	Severity    Severity  `json:"severity"`
	Reason      string    `json:"reason"`
	Details     string    `json:"details"`
	TriggeredBy string    `json:"triggered_by"`
	Timestamp   time.Time `json:"timestamp"`
	Warnings    []string  `json:"warnings"`
}

// Entities is the partial map produced by entity extraction. Absent fields
// stay nil so a missing price can never be read as zero.
type Entities struct {
	Price      *float64 `json:"price,omitempty"`
	ActionType string   `json:"action_type,omitempty"`
	Ticker     string   `json:"ticker,omitempty"`
	Quantity   *int     `json:"quantity,omitempty"`
	Vendor     string   `json:"vendor,omitempty"`
}

// IsEmpty reports whether extraction recognized no fields at all.
func (e Entities) IsEmpty() bool {
	return e.Price == nil && e.ActionType == "" && e.Ticker == "" && e.Quantity == nil && e.Vendor == ""
}

// PolicyRecord is the mutable configuration read by the local policy engine.
type PolicyRecord struct {
	BudgetLimit       float64  `json:"budget_limit" mapstructure:"budget_limit"`
	RestrictedTickers []string `json:"restricted_tickers" mapstructure:"restricted_tickers"`
	MaxPositionSize   int      `json:"max_position_size" mapstructure:"max_position_size"`
	AllowedActions    []string `json:"allowed_actions" mapstructure:"allowed_actions"`
}

// GraphNode is one terminally-decided step in an agent's reasoning graph.
type GraphNode struct {
	ID              string    `json:"id"`
	AgentID         string    `json:"agent_id"`
	Thought         string    `json:"thought"`
	ToolUsed        string    `json:"tool_used"`
	InputParameters string    `json:"input_parameters"`
	Observation     string    `json:"observation"`
	Decision        Decision  `json:"decision"`
	Reason          string    `json:"reason"`
	Details         string    `json:"details"`
	Timestamp       time.Time `json:"timestamp"`
}

type GraphEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

const (
	EdgeNext       = "NEXT"
	EdgeInfluences = "INFLUENCES"
)

type AgentGraph struct {
	AgentID string      `json:"agent_id,omitempty"`
	Nodes   []GraphNode `json:"nodes"`
	Edges   []GraphEdge `json:"edges"`
}

// HaltedStep is the debugging view of a HALT decision.
type HaltedStep struct {
	StepID    string    `json:"step_id"`
	Thought   string    `json:"thought"`
	Reason    string    `json:"reason"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats aggregates terminal decisions across all agents.
type Stats struct {
	TotalSteps       int            `json:"total_steps"`
	ProceedCount     int            `json:"proceed_count"`
	HaltCount        int            `json:"halt_count"`
	ViolationsByType map[string]int `json:"violations_by_type"`
}

// AgentSummary is one row of the agent listing.
type AgentSummary struct {
	AgentID      string    `json:"agent_id"`
	TotalSteps   int       `json:"total_steps"`
	HaltCount    int       `json:"halt_count"`
	LastActivity time.Time `json:"last_activity"`
}

// WebhookRegistration maps an agent id (or "*") to a callback URL.
type WebhookRegistration struct {
	AgentID     string `json:"agent_id"`
	CallbackURL string `json:"callback_url"`
}
