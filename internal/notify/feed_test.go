package notify

import (
	"fmt"
	"testing"
	"time"

	"github.com/agentwatch-hq/agentwatch/models"
)

func decision(n int) models.GovernanceDecision {
	return models.GovernanceDecision{
		AgentID:  "trader-1",
		StepID:   fmt.Sprintf("step-%d", n),
		Decision: models.DecisionProceed,
		Reason:   models.ReasonApproved,
	}
}

func TestFeedMostRecentFirst(t *testing.T) {
	f := NewFeed(10, 4)
	for i := 1; i <= 3; i++ {
		f.Publish(decision(i))
	}
	recent := f.Recent()
	if len(recent) != 3 {
		t.Fatalf("expected 3 items, got %d", len(recent))
	}
	if recent[0].StepID != "step-3" || recent[2].StepID != "step-1" {
		t.Fatalf("expected most-recent-first order, got %v", recent)
	}
}

func TestFeedEvictsPastCapacity(t *testing.T) {
	f := NewFeed(2, 4)
	for i := 1; i <= 5; i++ {
		f.Publish(decision(i))
	}
	recent := f.Recent()
	if len(recent) != 2 {
		t.Fatalf("expected capacity-bounded feed, got %d items", len(recent))
	}
	if recent[0].StepID != "step-5" || recent[1].StepID != "step-4" {
		t.Fatalf("expected newest two retained, got %v", recent)
	}
}

func TestFeedRecentReturnsCopy(t *testing.T) {
	f := NewFeed(10, 4)
	f.Publish(decision(1))
	snap := f.Recent()
	snap[0].StepID = "mutated"
	if f.Recent()[0].StepID != "step-1" {
		t.Fatal("Recent must return an isolated copy")
	}
}

func TestFeedSubscriberReceivesPublishes(t *testing.T) {
	f := NewFeed(10, 4)
	ch, cancel := f.Subscribe()
	defer cancel()

	f.Publish(decision(1))
	select {
	case d := <-ch:
		if d.StepID != "step-1" {
			t.Fatalf("unexpected decision %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the decision")
	}
}

func TestFeedDropsSlowSubscriber(t *testing.T) {
	f := NewFeed(100, 1)
	ch, cancel := f.Subscribe()
	defer cancel()

	// Depth 1: the second publish finds the buffer full and the subscriber
	// is evicted with its channel closed.
	f.Publish(decision(1))
	f.Publish(decision(2))

	if d, ok := <-ch; !ok || d.StepID != "step-1" {
		t.Fatalf("expected buffered first decision, got %+v (open=%v)", d, ok)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after eviction")
	}

	// Remaining publishes must not panic or block.
	f.Publish(decision(3))
}

func TestFeedCancelIsIdempotentAfterEviction(t *testing.T) {
	f := NewFeed(100, 1)
	_, cancel := f.Subscribe()
	f.Publish(decision(1))
	f.Publish(decision(2)) // evicts
	cancel()               // must not double-close
	cancel()
}
