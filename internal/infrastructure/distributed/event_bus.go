package distributed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"boardnet/pkg/codec"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const relayChannelPrefix = "boardnet:relay:"

// Event is one replication update crossing relay instances.
type Event struct {
	InstanceID string    `cbor:"1,keyasint"`
	Topic      string    `cbor:"2,keyasint"`
	Update     []byte    `cbor:"3,keyasint"`
	Timestamp  time.Time `cbor:"4,keyasint"`
}

// EventBus carries relay updates between instances over redis pub/sub, one
// channel per topic.
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
}

func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
}

func ChannelForTopic(topic string) string {
	return relayChannelPrefix + topic
}

// Publish sends update to every other instance serving topic.
func (eb *EventBus) Publish(ctx context.Context, topic string, update []byte) error {
	data, err := codec.Marshal(Event{
		InstanceID: eb.instanceID,
		Topic:      topic,
		Update:     update,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := eb.client.Publish(ctx, ChannelForTopic(topic), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Run delivers updates published by other instances until ctx ends.
func (eb *EventBus) Run(ctx context.Context, handler func(topic string, update []byte)) error {
	pubsub := eb.client.PSubscribe(ctx, relayChannelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := codec.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to decode event", "channel", msg.Channel, "error", err)
				continue
			}
			if event.InstanceID == eb.instanceID {
				continue
			}
			if event.Topic != strings.TrimPrefix(msg.Channel, relayChannelPrefix) {
				eb.logger.Warnw("event topic does not match channel", "channel", msg.Channel, "topic", event.Topic)
				continue
			}
			handler(event.Topic, event.Update)
		}
	}
}
