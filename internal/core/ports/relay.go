package ports

import (
	"context"

	"meshcall/internal/core/domain"
)

// SignalRelay delivers signaling envelopes to a single recipient inside a room.
// Delivery is at-least-once and unordered across senders.
type SignalRelay interface {
	Publish(ctx context.Context, msg *domain.SignalingMessage) error
	Subscribe(ctx context.Context, roomID domain.RoomID, selfID domain.UserID, onMessage func(*domain.SignalingMessage)) (Subscription, error)
}

// ChatRelay broadcasts best-effort chat messages to everyone in a room.
type ChatRelay interface {
	PublishChat(ctx context.Context, msg *domain.ChatMessage) error
	SubscribeChat(ctx context.Context, roomID domain.RoomID, onMessage func(*domain.ChatMessage)) (Subscription, error)
}
