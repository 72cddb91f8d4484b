package models

import (
	"errors"
	"strings"
	"testing"
)

func validEvent() TelemetryEvent {
	return TelemetryEvent{
		AgentID:  "trader-1",
		StepID:   "step-1",
		ToolUsed: "place_order",
	}
}

func TestValidateAcceptsMinimalEvent(t *testing.T) {
	ev := validEvent()
	if err := ev.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRequiredFields(t *testing.T) {
	cases := map[string]func(*TelemetryEvent){
		"agent_id":  func(ev *TelemetryEvent) { ev.AgentID = " " },
		"step_id":   func(ev *TelemetryEvent) { ev.StepID = "" },
		"tool_used": func(ev *TelemetryEvent) { ev.ToolUsed = "" },
	}
	for field, mutate := range cases {
		ev := validEvent()
		mutate(&ev)
		err := ev.Validate()
		if err == nil {
			t.Errorf("missing %s must fail validation", field)
			continue
		}
		if !errors.Is(err, ErrIngressValidation) {
			t.Errorf("missing %s: error %v is not ErrIngressValidation", field, err)
		}
		if !strings.Contains(err.Error(), field) {
			t.Errorf("missing %s: error %q does not name the field", field, err)
		}
	}
}

func TestValidateParentPairing(t *testing.T) {
	ev := validEvent()
	ev.ParentStepID = "parent-step"
	if err := ev.Validate(); err == nil {
		t.Fatal("parent_step_id without parent_agent_id must fail validation")
	}

	ev.ParentAgentID = "analyst-1"
	if err := ev.Validate(); err != nil {
		t.Fatalf("paired parent fields must validate: %v", err)
	}
}

func TestEntitiesIsEmpty(t *testing.T) {
	if !(Entities{}).IsEmpty() {
		t.Fatal("zero entities must be empty")
	}
	price := 0.0
	if (Entities{Price: &price}).IsEmpty() {
		t.Fatal("a present zero price is not absent")
	}
	if (Entities{Ticker: "AAPL"}).IsEmpty() {
		t.Fatal("entities with a ticker are not empty")
	}
}
