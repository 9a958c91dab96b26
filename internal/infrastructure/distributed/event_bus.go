package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"meshcall/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	EventRosterChanged EventType = "roster.changed"
	EventChatMessage   EventType = "chat.message"
)

// Event is one message on a room's event channel.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	RoomID     domain.RoomID   `json:"room_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventBus fans room events out over Redis pub/sub. Each room has its own
// channel so a subscriber only receives traffic for rooms it watches.
type EventBus struct {
	client     redis.UniversalClient
	instanceID string
	prefix     string
	logger     *zap.SugaredLogger
}

// NewEventBus creates a new event bus
func NewEventBus(client redis.UniversalClient, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		prefix:     "meshcall:room:",
		logger:     logger,
	}
}

func (eb *EventBus) channel(roomID domain.RoomID) string {
	return eb.prefix + string(roomID) + ":events"
}

// Publish sends payload as an event of type t on the room channel.
func (eb *EventBus) Publish(ctx context.Context, roomID domain.RoomID, t EventType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}

	data, err := json.Marshal(&Event{
		Type:       t,
		InstanceID: eb.instanceID,
		Timestamp:  time.Now().UTC(),
		RoomID:     roomID,
		Payload:    raw,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel(roomID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", t,
		"room_id", roomID,
	)
	return nil
}

// Subscribe registers handler for events of type t in roomID. The
// subscription is confirmed before Subscribe returns, and handler runs on
// one goroutine in channel order.
func (eb *EventBus) Subscribe(ctx context.Context, roomID domain.RoomID, t EventType, handler func(*Event)) (*EventSubscription, error) {
	pubsub := eb.client.Subscribe(ctx, eb.channel(roomID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to room %s: %w", roomID, err)
	}

	sub := &EventSubscription{pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"channel", msg.Channel,
				)
				continue
			}
			if event.Type != t {
				continue
			}
			handler(&event)
		}
	}()
	context.AfterFunc(ctx, func() { _ = sub.Unsubscribe() })

	return sub, nil
}

// EventSubscription ends a Subscribe call.
type EventSubscription struct {
	pubsub *redis.PubSub
	once   sync.Once
	done   chan struct{}
	err    error
}

// Unsubscribe closes the channel subscription and waits for the handler
// goroutine. It is safe to call more than once.
func (s *EventSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.pubsub.Close()
		<-s.done
	})
	return s.err
}
