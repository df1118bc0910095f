package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"attendguard/internal/model"
)

// TypeOutcome tags verification outcome messages.
const TypeOutcome = "verification.outcome"

// OutcomePublisher emits verification outcomes onto a Queue.
type OutcomePublisher struct {
	q       Queue
	backoff func() retry.Backoff
}

// NewOutcomePublisher wraps q. Transient publish failures are retried a few
// times with exponential backoff.
func NewOutcomePublisher(q Queue) *OutcomePublisher {
	return &OutcomePublisher{
		q: q,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewExponential(50*time.Millisecond))
		},
	}
}

// Publish serializes and enqueues o.
func (p *OutcomePublisher) Publish(ctx context.Context, o model.Outcome) error {
	body, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	msg := Message{Type: TypeOutcome, Body: body}
	return retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		if err := p.q.Publish(ctx, msg); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// DecodeOutcome parses an outcome message.
func DecodeOutcome(msg Message) (model.Outcome, error) {
	if msg.Type != TypeOutcome {
		return model.Outcome{}, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	var o model.Outcome
	if err := json.Unmarshal(msg.Body, &o); err != nil {
		return model.Outcome{}, fmt.Errorf("decode outcome: %w", err)
	}
	return o, nil
}
