// Package notify fans terminal decisions out to the live feed, registered
// circuit-breaker webhooks and the optional Redis decision stream. Everything
// here is best-effort: delivery problems are logged, never retried, and never
// delay the decision back to the caller.
package notify

import (
	"sync"

	"github.com/agentwatch-hq/agentwatch/internal/telemetry"
	"github.com/agentwatch-hq/agentwatch/models"
)

// Feed is the bounded, most-recent-first decision feed with live subscriber
// fan-out. A subscriber that cannot keep up is dropped without affecting the
// others.
type Feed struct {
	mu       sync.Mutex
	capacity int
	depth    int
	items    []models.GovernanceDecision
	subs     map[chan models.GovernanceDecision]struct{}
}

func NewFeed(capacity, subscriberDepth int) *Feed {
	if capacity <= 0 {
		capacity = 100
	}
	if subscriberDepth <= 0 {
		subscriberDepth = 16
	}
	return &Feed{
		capacity: capacity,
		depth:    subscriberDepth,
		subs:     make(map[chan models.GovernanceDecision]struct{}),
	}
}

// Publish prepends the decision, evicting the oldest past capacity, and
// pushes it to every live subscriber.
func (f *Feed) Publish(d models.GovernanceDecision) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.items = append([]models.GovernanceDecision{d}, f.items...)
	if len(f.items) > f.capacity {
		f.items = f.items[:f.capacity]
	}

	for ch := range f.subs {
		select {
		case ch <- d:
		default:
			// Slow subscriber: drop it rather than block the feed.
			delete(f.subs, ch)
			close(ch)
			telemetry.FeedSubscribers.Dec()
		}
	}
}

// Recent returns a copy of the feed, most recent first.
func (f *Feed) Recent() []models.GovernanceDecision {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.GovernanceDecision, len(f.items))
	copy(out, f.items)
	return out
}

// Subscribe registers a live subscriber. The returned cancel func must be
// called when the subscriber goes away; it is safe to call after the feed has
// already dropped the subscriber.
func (f *Feed) Subscribe() (<-chan models.GovernanceDecision, func()) {
	ch := make(chan models.GovernanceDecision, f.depth)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	telemetry.FeedSubscribers.Inc()

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
			telemetry.FeedSubscribers.Dec()
		}
	}
	return ch, cancel
}
