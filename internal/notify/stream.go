package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agentwatch-hq/agentwatch/models"
)

// decisionEnvelope is the message wrapper appended to the Redis stream for
// downstream consumers (dashboards, auditing).
type decisionEnvelope struct {
	EventID    string                    `json:"event_id"`
	EventType  string                    `json:"event_type"`
	OccurredAt time.Time                 `json:"occurred_at"`
	Data       models.GovernanceDecision `json:"data"`
}

const decisionEventType = "governance.decision"

// StreamPublisher appends every decision to a capped Redis stream. It is an
// optional sink: a nil publisher is a no-op.
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *log.Logger
}

func NewStreamPublisher(addr, stream string, maxLen int64, logger *log.Logger) *StreamPublisher {
	if addr == "" {
		return nil
	}
	return &StreamPublisher{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		stream: stream,
		maxLen: maxLen,
		logger: logger,
	}
}

// Publish XADDs the enveloped decision. Failures are logged only.
func (p *StreamPublisher) Publish(ctx context.Context, d models.GovernanceDecision) {
	if p == nil {
		return
	}
	env := decisionEnvelope{
		EventID:    uuid.NewString(),
		EventType:  decisionEventType,
		OccurredAt: time.Now().UTC(),
		Data:       d,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		p.logger.Printf("marshal decision envelope: %v", err)
		return
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{"envelope": raw},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		p.logger.Printf("xadd decision for step %s: %v", d.StepID, err)
	}
}

func (p *StreamPublisher) Close() error {
	if p == nil {
		return nil
	}
	return p.client.Close()
}
