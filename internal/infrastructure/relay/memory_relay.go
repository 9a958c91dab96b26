package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/internal/infrastructure/distributed"
)

type signalKey struct {
	room domain.RoomID
	user domain.UserID
}

const (
	DefaultReplayWindow = 10 * time.Second
	DefaultReplayLimit  = 256
)

type retained struct {
	msg    *domain.SignalingMessage
	sentAt time.Time
}

// MemoryRelay is an in-process SignalRelay and ChatRelay. Every subscriber
// gets its own ordered delivery goroutine. Signals published in the last
// replay window are delivered again to a new subscriber, which covers a peer
// that subscribes just after being addressed.
type MemoryRelay struct {
	replayWindow time.Duration
	replayLimit  int

	mu      sync.RWMutex
	signals map[signalKey]map[int]*distributed.Dispatcher[*domain.SignalingMessage]
	backlog map[signalKey][]retained
	chats   map[domain.RoomID]map[int]*distributed.Dispatcher[*domain.ChatMessage]
	nextID  int
}

func NewMemoryRelay() *MemoryRelay {
	return NewMemoryRelayWithReplay(DefaultReplayWindow, DefaultReplayLimit)
}

// NewMemoryRelayWithReplay sets the replay window. A zero window disables replay.
func NewMemoryRelayWithReplay(window time.Duration, limit int) *MemoryRelay {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}
	return &MemoryRelay{
		replayWindow: window,
		replayLimit:  limit,
		signals:      make(map[signalKey]map[int]*distributed.Dispatcher[*domain.SignalingMessage]),
		backlog:      make(map[signalKey][]retained),
		chats:        make(map[domain.RoomID]map[int]*distributed.Dispatcher[*domain.ChatMessage]),
	}
}

func (r *MemoryRelay) Publish(ctx context.Context, msg *domain.SignalingMessage) error {
	if msg == nil {
		return fmt.Errorf("nil signaling message")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	key := signalKey{msg.RoomID, msg.To}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.replayWindow > 0 {
		r.retainLocked(key, msg)
	}
	for _, d := range r.signals[key] {
		copied := *msg
		d.Push(&copied)
	}
	return nil
}

func (r *MemoryRelay) retainLocked(key signalKey, msg *domain.SignalingMessage) {
	now := time.Now()
	kept := r.backlog[key][:0]
	for _, e := range r.backlog[key] {
		if now.Sub(e.sentAt) < r.replayWindow {
			kept = append(kept, e)
		}
	}
	if len(kept) >= r.replayLimit {
		kept = kept[len(kept)-r.replayLimit+1:]
	}
	copied := *msg
	r.backlog[key] = append(kept, retained{msg: &copied, sentAt: now})
}

func (r *MemoryRelay) Subscribe(ctx context.Context, roomID domain.RoomID, selfID domain.UserID, onMessage func(*domain.SignalingMessage)) (ports.Subscription, error) {
	key := signalKey{roomID, selfID}
	d := distributed.NewDispatcher(onMessage)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	if r.signals[key] == nil {
		r.signals[key] = make(map[int]*distributed.Dispatcher[*domain.SignalingMessage])
	}
	r.signals[key][id] = d
	now := time.Now()
	for _, e := range r.backlog[key] {
		if now.Sub(e.sentAt) < r.replayWindow {
			copied := *e.msg
			d.Push(&copied)
		}
	}
	r.mu.Unlock()

	return newSubscription(ctx, func() {
		r.mu.Lock()
		delete(r.signals[key], id)
		if len(r.signals[key]) == 0 {
			delete(r.signals, key)
		}
		r.mu.Unlock()
		d.Close()
	}), nil
}

func (r *MemoryRelay) PublishChat(ctx context.Context, msg *domain.ChatMessage) error {
	if msg == nil {
		return fmt.Errorf("nil chat message")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.chats[msg.RoomID] {
		copied := *msg
		d.Push(&copied)
	}
	return nil
}

func (r *MemoryRelay) SubscribeChat(ctx context.Context, roomID domain.RoomID, onMessage func(*domain.ChatMessage)) (ports.Subscription, error) {
	d := distributed.NewDispatcher(onMessage)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	if r.chats[roomID] == nil {
		r.chats[roomID] = make(map[int]*distributed.Dispatcher[*domain.ChatMessage])
	}
	r.chats[roomID][id] = d
	r.mu.Unlock()

	return newSubscription(ctx, func() {
		r.mu.Lock()
		delete(r.chats[roomID], id)
		if len(r.chats[roomID]) == 0 {
			delete(r.chats, roomID)
		}
		r.mu.Unlock()
		d.Close()
	}), nil
}

// subscription runs its cancel func once, on Unsubscribe or when ctx ends.
type subscription struct {
	once   sync.Once
	cancel func()
	stop   func() bool
}

func newSubscription(ctx context.Context, cancel func()) *subscription {
	s := &subscription{cancel: cancel}
	s.stop = context.AfterFunc(ctx, func() { s.once.Do(s.cancel) })
	return s
}

func (s *subscription) Unsubscribe() error {
	s.stop()
	s.once.Do(s.cancel)
	return nil
}
