package governance

import (
	"fmt"
	"strings"
)

// SafetyResult reports pattern flags raised against a step's thought.
type SafetyResult struct {
	Safe  bool     `json:"safe"`
	Flags []string `json:"flags"`
}

// Pattern families. Each family contributes at most one flag per evaluation.
var (
	coercivePhrases = []string{
		"guaranteed",
		"you must",
		"lose everything",
		"risk-free",
		"100% return",
		"can't lose",
		"trust me",
		"no other choice",
	}
	urgencyPhrases = []string{
		"act now",
		"right now",
		"immediately",
		"limited time",
		"before it's too late",
		"last chance",
	}
)

// SafetyEvaluator is the pure, deterministic text safety stage. It is a
// first-class pipeline stage under the same fail-closed contract as the
// remote-backed stages, so a learned classifier can replace it later without
// touching the orchestrator.
type SafetyEvaluator struct{}

// Evaluate scans the thought for coercive phrasing and artificial urgency.
func (SafetyEvaluator) Evaluate(thought string) SafetyResult {
	lower := strings.ToLower(thought)
	var flags []string
	for _, phrase := range coercivePhrases {
		if strings.Contains(lower, phrase) {
			flags = append(flags, fmt.Sprintf("coercive_language: %q", phrase))
			break
		}
	}
	for _, phrase := range urgencyPhrases {
		if strings.Contains(lower, phrase) {
			flags = append(flags, fmt.Sprintf("artificial_urgency: %q", phrase))
			break
		}
	}
	return SafetyResult{Safe: len(flags) == 0, Flags: flags}
}
