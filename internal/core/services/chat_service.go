package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/utils"
	"meshcall/pkg/validation"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ChatConfig struct {
	MessagesPerSecond float64
	Burst             int
	HistorySize       int
}

func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		MessagesPerSecond: 2,
		Burst:             5,
		HistorySize:       200,
	}
}

// ChatService sends and receives best-effort room chat. Losing a message
// never affects the call.
type ChatService struct {
	roomID      domain.RoomID
	selfID      domain.UserID
	displayName string
	relay       ports.ChatRelay
	limiter     *rate.Limiter
	logger      *zap.SugaredLogger

	mu        sync.Mutex
	history   []domain.ChatMessage
	next      int
	full      bool
	seen      map[string]struct{}
	sub       ports.Subscription
	listeners []func(domain.ChatMessage)
}

func NewChatService(
	roomID domain.RoomID,
	selfID domain.UserID,
	displayName string,
	relay ports.ChatRelay,
	cfg ChatConfig,
	logger *zap.SugaredLogger,
) *ChatService {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultChatConfig().HistorySize
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &ChatService{
		roomID:      roomID,
		selfID:      selfID,
		displayName: displayName,
		relay:       relay,
		limiter:     rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst),
		logger:      logger.With("room_id", roomID),
		history:     make([]domain.ChatMessage, cfg.HistorySize),
		seen:        make(map[string]struct{}),
	}
}

func (s *ChatService) OnMessage(fn func(domain.ChatMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *ChatService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sub != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	sub, err := s.relay.SubscribeChat(ctx, s.roomID, func(msg *domain.ChatMessage) {
		if msg != nil {
			s.record(*msg)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to chat: %w", err)
	}

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return nil
}

func (s *ChatService) Stop() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// Send publishes text to the room. The message is recorded locally even when
// the relay fails.
func (s *ChatService) Send(ctx context.Context, text string) (*domain.ChatMessage, error) {
	text = utils.SanitizeString(text)
	if err := validation.ValidateChatText(text); err != nil {
		return nil, err
	}
	if !s.limiter.Allow() {
		return nil, domain.ErrChatRateLimited
	}

	msg := &domain.ChatMessage{
		ID:         utils.GenerateMessageID(),
		RoomID:     s.roomID,
		From:       s.selfID,
		SenderName: s.displayName,
		Text:       text,
		SentAt:     time.Now().UTC(),
	}
	s.record(*msg)

	if err := s.relay.PublishChat(ctx, msg); err != nil {
		s.logger.Warnw("failed to publish chat message", "message_id", msg.ID, "text", utils.Preview(msg.Text, 32), "error", err)
	}
	return msg, nil
}

// History returns the retained messages, oldest first.
func (s *ChatService) History() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.full {
		return append([]domain.ChatMessage(nil), s.history[:s.next]...)
	}
	out := make([]domain.ChatMessage, 0, len(s.history))
	out = append(out, s.history[s.next:]...)
	return append(out, s.history[:s.next]...)
}

func (s *ChatService) record(msg domain.ChatMessage) {
	if msg.RoomID != s.roomID {
		return
	}

	s.mu.Lock()
	if _, dup := s.seen[msg.ID]; dup {
		s.mu.Unlock()
		return
	}
	if s.full {
		delete(s.seen, s.history[s.next].ID)
	}
	s.seen[msg.ID] = struct{}{}
	s.history[s.next] = msg
	s.next = (s.next + 1) % len(s.history)
	if s.next == 0 {
		s.full = true
	}
	listeners := append([]func(domain.ChatMessage){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(msg)
	}
}
