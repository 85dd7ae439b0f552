// Package bus contains the Google Cloud Pub/Sub adapters that carry
// broadcast events (presence changes, status posts) between service
// instances. Every instance publishes to one topic and consumes its own
// subscription, so each instance pushes the event to the sockets it holds.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"

	"github.com/felixzhu97/whatschat-sub000/pkg/realtime"
)

// Event is the wire format carried on the broadcast topic.
type Event struct {
	Origin   string            `json:"originUserId"`
	Envelope realtime.Envelope `json:"envelope"`
}

// pubsubTopicClient defines the interface for the underlying pubsub
// publisher. This allows us to use a mock for testing.
type pubsubTopicClient interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// Producer implements realtime.EventBroadcaster over a Pub/Sub topic.
type Producer struct {
	topic pubsubTopicClient
}

// NewProducer is the constructor for the Pub/Sub producer.
func NewProducer(topic pubsubTopicClient) (*Producer, error) {
	if topic == nil {
		return nil, errors.New("pubsub topic cannot be nil")
	}
	return &Producer{topic: topic}, nil
}

// Broadcast serializes the event and sends it to the broadcast topic,
// waiting for the publish to be accepted.
func (p *Producer) Broadcast(ctx context.Context, originUserID string, env realtime.Envelope) error {
	payload, err := json.Marshal(Event{Origin: originUserID, Envelope: env})
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast event: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{Data: payload})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish broadcast event: %w", err)
	}
	return nil
}

// pubsubSubscriberClient defines the interface for the underlying pubsub
// subscriber.
type pubsubSubscriberClient interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// localBroadcaster pushes a broadcast frame to the sockets this instance
// holds. transport.DirectTable satisfies it.
type localBroadcaster interface {
	Broadcast(payload []byte, excludeUserID string)
}

// Consumer drains the instance's broadcast subscription and pushes each
// event to the local sockets, excluding the originating user's own devices.
type Consumer struct {
	sub    pubsubSubscriberClient
	local  localBroadcaster
	logger zerolog.Logger
}

// NewConsumer is the constructor for the broadcast consumer.
func NewConsumer(sub pubsubSubscriberClient, local localBroadcaster, logger zerolog.Logger) (*Consumer, error) {
	if sub == nil {
		return nil, errors.New("pubsub subscriber cannot be nil")
	}
	if local == nil {
		return nil, errors.New("local broadcaster cannot be nil")
	}
	return &Consumer{
		sub:    sub,
		local:  local,
		logger: logger.With().Str("component", "BroadcastConsumer").Logger(),
	}, nil
}

// Start blocks, receiving broadcast events until ctx is cancelled. Malformed
// messages are acked and dropped; redelivering them cannot help.
func (c *Consumer) Start(ctx context.Context) error {
	err := c.sub.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
		defer msg.Ack()

		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed broadcast message.")
			return
		}
		payload, err := event.Envelope.Encode()
		if err != nil {
			c.logger.Warn().Err(err).Msg("Dropping unencodable broadcast event.")
			return
		}
		c.local.Broadcast(payload, event.Origin)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("broadcast receive failed: %w", err)
	}
	return nil
}
