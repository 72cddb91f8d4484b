package notify

import (
	"context"
	"log"
	"time"

	"github.com/agentwatch-hq/agentwatch/models"
)

// Notifier composes the feed, the webhook dispatcher and the optional stream
// publisher behind the orchestrator's Notifier contract.
type Notifier struct {
	feed       *Feed
	dispatcher *WebhookDispatcher
	stream     *StreamPublisher
	timeout    time.Duration
	logger     *log.Logger
}

func NewNotifier(feed *Feed, dispatcher *WebhookDispatcher, stream *StreamPublisher, timeout time.Duration, logger *log.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{feed: feed, dispatcher: dispatcher, stream: stream, timeout: timeout, logger: logger}
}

// Publish records the decision on the feed synchronously (cheap, in-process)
// and runs the network side effects in the background, bounded by the
// notifier timeout.
func (n *Notifier) Publish(d models.GovernanceDecision) {
	n.feed.Publish(d)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		n.stream.Publish(ctx, d)
		if d.Decision == models.DecisionHalt {
			n.dispatcher.DispatchHalt(d)
		}
	}()
}

// Feed exposes the live feed for the HTTP surface.
func (n *Notifier) Feed() *Feed {
	return n.feed
}
