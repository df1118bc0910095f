package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"attendguard/internal/model"
)

// DefaultRelayChannel is the pub/sub channel carrying in-app frames.
const DefaultRelayChannel = "attendguard:inapp"

type relayFrame struct {
	RecipientID string          `json:"recipient_id"`
	Frame       json.RawMessage `json:"frame"`
}

// Relay carries in-app frames from the process that delivers messages to the
// process that holds the websocket connections.
type Relay struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
}

// NewRelay publishes and subscribes on channel.
func NewRelay(client *redis.Client, channel string, log *zap.Logger) *Relay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{client: client, channel: channel, log: log.With(zap.String("component", "inapp-relay"))}
}

// Send implements Sender for the in-app channel by publishing the frame.
// A publish with no subscriber is still a successful hand-off.
func (r *Relay) Send(ctx context.Context, _ Contact, recipientID string, m model.Message) error {
	frame, err := encodeInApp(m)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(relayFrame{RecipientID: recipientID, Frame: frame})
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish in-app frame: %w", err)
	}
	return nil
}

// Forward feeds published frames into hub until ctx is done.
func (r *Relay) Forward(ctx context.Context, hub *Hub) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := route(hub, []byte(msg.Payload)); err != nil {
				r.log.Warn("dropping malformed in-app frame", zap.Error(err))
			}
		}
	}
}

func route(hub *Hub, payload []byte) error {
	var f relayFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return err
	}
	if f.RecipientID == "" || len(f.Frame) == 0 {
		return fmt.Errorf("frame missing recipient or body")
	}
	hub.deliver(f.RecipientID, f.Frame)
	return nil
}
