package governance

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/agentwatch-hq/agentwatch/config"
	"github.com/agentwatch-hq/agentwatch/models"
)

// PolicyResult is the verdict of one policy evaluation.
type PolicyResult struct {
	Compliant bool            `json:"compliant"`
	Severity  models.Severity `json:"severity"`
	Violation string          `json:"violation,omitempty"`
	Warnings  []string        `json:"warnings,omitempty"`
}

// Markers checked against the remote service's free-text answer. Explicit
// non-compliance markers win over everything; the bare word "compliant" only
// counts once those are ruled out; the keyword scan is the last resort. Test
// scenarios depend on this exact precedence.
var (
	nonCompliantMarkers = []string{"non-compliant", "non compliant", "not compliant", "violation"}
	violationKeywords   = []string{"exceeds", "restricted", "prohibited", "denied", "over budget"}
)

// PolicyEngine evaluates extracted entities against trading policy, using the
// remote semantic policy service when configured and a local rule engine
// otherwise. The mutable PolicyRecord is held behind an atomic snapshot so an
// in-flight evaluation never observes a partially-mutated record.
type PolicyEngine struct {
	cfg    config.PolicyConfig
	client *jsonClient
	logger *log.Logger

	mu     sync.Mutex   // serializes mutators
	record atomic.Value // models.PolicyRecord
}

func NewPolicyEngine(cfg config.PolicyConfig, logger *log.Logger) *PolicyEngine {
	p := &PolicyEngine{cfg: cfg, client: newJSONClient(cfg.Timeout), logger: logger}
	p.record.Store(cloneRecord(cfg.Defaults))
	return p
}

// cloneRecord copies the record and uppercases its ticker and action lists.
// evaluateLocal compares them against the extractor's uppercased output, so a
// record stored with lowercase entries would silently never match.
func cloneRecord(r models.PolicyRecord) models.PolicyRecord {
	r.RestrictedTickers = normalizeSymbols(r.RestrictedTickers)
	r.AllowedActions = normalizeSymbols(r.AllowedActions)
	return r
}

func normalizeSymbols(list []string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Record returns a consistent snapshot of the current policy record.
func (p *PolicyEngine) Record() models.PolicyRecord {
	return cloneRecord(p.record.Load().(models.PolicyRecord))
}

// SetRecord replaces the whole policy record.
func (p *PolicyEngine) SetRecord(r models.PolicyRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record.Store(cloneRecord(r))
}

// AddRestrictedTicker adds one ticker to the restricted set.
func (p *PolicyEngine) AddRestrictedTicker(ticker string) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r := cloneRecord(p.record.Load().(models.PolicyRecord))
	for _, t := range r.RestrictedTickers {
		if t == ticker {
			return
		}
	}
	r.RestrictedTickers = append(r.RestrictedTickers, ticker)
	p.record.Store(r)
}

// RemoveRestrictedTicker removes one ticker from the restricted set.
func (p *PolicyEngine) RemoveRestrictedTicker(ticker string) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	p.mu.Lock()
	defer p.mu.Unlock()
	r := cloneRecord(p.record.Load().(models.PolicyRecord))
	kept := r.RestrictedTickers[:0]
	for _, t := range r.RestrictedTickers {
		if t != ticker {
			kept = append(kept, t)
		}
	}
	r.RestrictedTickers = kept
	p.record.Store(r)
}

// Reset restores the configured defaults.
func (p *PolicyEngine) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record.Store(cloneRecord(p.cfg.Defaults))
}

type policyQueryRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type policyQueryResponse struct {
	Answer string `json:"answer"`
}

// Probe sends one lightweight query to the remote service, so startup can
// log which evaluation path is live.
func (p *PolicyEngine) Probe(ctx context.Context) (string, error) {
	var resp policyQueryResponse
	headers := map[string]string{"X-API-Key": p.cfg.APIKey}
	req := policyQueryRequest{Query: "What is the maximum trade cost?", MaxResults: 1}
	if err := p.client.postJSON(ctx, p.cfg.APIURL, headers, req, &resp); err != nil {
		return "", err
	}
	return resp.Answer, nil
}

// Evaluate checks entities against policy. Remote call failures revert to the
// local rule engine; only the result decides whether the step halts.
func (p *PolicyEngine) Evaluate(ctx context.Context, entities models.Entities) (PolicyResult, error) {
	if p.cfg.APIURL != "" && p.cfg.APIKey != "" {
		result, err := p.evaluateRemote(ctx, entities)
		if err == nil {
			return result, nil
		}
		p.logger.Printf("policy service error, using local rules: %v", err)
	}
	return p.evaluateLocal(entities), nil
}

// buildQuery enumerates only the present fields in fixed order: action,
// ticker, quantity, cost, vendor.
func buildQuery(entities models.Entities) string {
	var parts []string
	if entities.ActionType != "" {
		parts = append(parts, fmt.Sprintf("action: %s", entities.ActionType))
	}
	if entities.Ticker != "" {
		parts = append(parts, fmt.Sprintf("ticker: %s", entities.Ticker))
	}
	if entities.Quantity != nil {
		parts = append(parts, fmt.Sprintf("quantity: %d shares", *entities.Quantity))
	}
	if entities.Price != nil {
		parts = append(parts, fmt.Sprintf("cost: $%.0f", *entities.Price))
	}
	if entities.Vendor != "" {
		parts = append(parts, fmt.Sprintf("vendor: %s", entities.Vendor))
	}
	if len(parts) == 0 {
		return ""
	}
	return "Is this trade compliant with our policies? " + strings.Join(parts, ", ")
}

func (p *PolicyEngine) evaluateRemote(ctx context.Context, entities models.Entities) (PolicyResult, error) {
	query := buildQuery(entities)
	if query == "" {
		return PolicyResult{Compliant: true, Severity: models.SeverityInfo}, nil
	}
	var resp policyQueryResponse
	headers := map[string]string{"X-API-Key": p.cfg.APIKey}
	req := policyQueryRequest{Query: query, MaxResults: p.cfg.MaxResults}
	if err := p.client.postJSON(ctx, p.cfg.APIURL, headers, req, &resp); err != nil {
		return PolicyResult{}, err
	}
	return classifyAnswer(resp.Answer), nil
}

// classifyAnswer maps the service's free-text answer onto a verdict. The
// precedence is deliberate: explicit non-compliance markers, then an explicit
// compliance marker, then the keyword scan. The heuristic is a known-imprecise
// boundary, not an oracle.
func classifyAnswer(answer string) PolicyResult {
	lower := strings.ToLower(answer)
	for _, marker := range nonCompliantMarkers {
		if strings.Contains(lower, marker) {
			return PolicyResult{
				Compliant: false,
				Severity:  models.SeverityCritical,
				Violation: "policy service: " + answer,
			}
		}
	}
	if strings.Contains(lower, "compliant") {
		return PolicyResult{Compliant: true, Severity: models.SeverityInfo}
	}
	for _, kw := range violationKeywords {
		if strings.Contains(lower, kw) {
			return PolicyResult{
				Compliant: false,
				Severity:  models.SeverityCritical,
				Violation: "policy service: " + answer,
			}
		}
	}
	return PolicyResult{Compliant: true, Severity: models.SeverityInfo}
}

// evaluateLocal runs the fixed-precedence rule engine over one atomic policy
// snapshot. The first hard violation wins; soft warnings only accumulate on
// the compliant path.
func (p *PolicyEngine) evaluateLocal(entities models.Entities) PolicyResult {
	record := p.record.Load().(models.PolicyRecord)

	if entities.Price != nil && *entities.Price > record.BudgetLimit {
		return PolicyResult{
			Compliant: false,
			Severity:  models.SeverityCritical,
			Violation: fmt.Sprintf("cost $%.0f exceeds budget $%.0f", *entities.Price, record.BudgetLimit),
		}
	}
	if entities.Ticker != "" {
		for _, t := range record.RestrictedTickers {
			if t == entities.Ticker {
				return PolicyResult{
					Compliant: false,
					Severity:  models.SeverityCritical,
					Violation: fmt.Sprintf("ticker %s is on the restricted list", entities.Ticker),
				}
			}
		}
	}
	if entities.Quantity != nil && *entities.Quantity > record.MaxPositionSize {
		return PolicyResult{
			Compliant: false,
			Severity:  models.SeverityCritical,
			Violation: fmt.Sprintf("quantity %d exceeds max position size %d", *entities.Quantity, record.MaxPositionSize),
		}
	}
	if entities.ActionType != "" && !containsString(record.AllowedActions, entities.ActionType) {
		return PolicyResult{
			Compliant: false,
			Severity:  models.SeverityWarning,
			Violation: fmt.Sprintf("action %s is not in the allowed action set", entities.ActionType),
		}
	}

	result := PolicyResult{Compliant: true, Severity: models.SeverityInfo}
	ratio := p.cfg.SoftThresholdRatio
	if entities.Price != nil && *entities.Price >= ratio*record.BudgetLimit {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("cost $%.0f is at %.0f%% of the $%.0f budget limit", *entities.Price, 100**entities.Price/record.BudgetLimit, record.BudgetLimit))
	}
	if entities.Quantity != nil && float64(*entities.Quantity) >= ratio*float64(record.MaxPositionSize) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("quantity %d approaches the max position size %d", *entities.Quantity, record.MaxPositionSize))
	}
	return result
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
