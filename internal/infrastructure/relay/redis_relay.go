package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/internal/infrastructure/distributed"
	"meshcall/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisRelayConfig struct {
	ReplayWindow time.Duration
	StreamMaxLen int64
	BlockTimeout time.Duration
	ReadCount    int64
	RetryDelay   time.Duration
}

func DefaultRedisRelayConfig() RedisRelayConfig {
	return RedisRelayConfig{
		ReplayWindow: DefaultReplayWindow,
		StreamMaxLen: 10000,
		BlockTimeout: 2 * time.Second,
		ReadCount:    64,
		RetryDelay:   500 * time.Millisecond,
	}
}

// RedisRelay carries signals on one Redis stream per room and chat on the
// room event channel. A subscriber starts reading the stream one replay
// window in the past, so signals addressed to it shortly before it
// subscribed are still delivered.
type RedisRelay struct {
	client redis.UniversalClient
	bus    *distributed.EventBus
	config RedisRelayConfig
	logger *zap.SugaredLogger
}

func NewRedisRelay(client redis.UniversalClient, bus *distributed.EventBus, config RedisRelayConfig, logger *zap.SugaredLogger) *RedisRelay {
	return &RedisRelay{
		client: client,
		bus:    bus,
		config: config,
		logger: logger,
	}
}

func signalStream(roomID domain.RoomID) string {
	return fmt.Sprintf("meshcall:room:%s:signals", roomID)
}

func (r *RedisRelay) Publish(ctx context.Context, msg *domain.SignalingMessage) error {
	if msg == nil {
		return fmt.Errorf("nil signaling message")
	}

	ctx, span := tracing.TraceSignal(ctx, "publish", string(msg.Kind), string(msg.RoomID))
	defer span.End()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: signalStream(msg.RoomID),
		Values: map[string]interface{}{
			"to":   string(msg.To),
			"data": data,
		},
	}
	if r.config.StreamMaxLen > 0 {
		args.MaxLen = r.config.StreamMaxLen
		args.Approx = true
	}

	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to append signal: %w", err)
	}
	return nil
}

func (r *RedisRelay) Subscribe(ctx context.Context, roomID domain.RoomID, selfID domain.UserID, onMessage func(*domain.SignalingMessage)) (ports.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	readCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d := distributed.NewDispatcher(onMessage)

	// The reader exits on its next XREAD return; the dispatcher stops
	// delivery immediately.
	start := time.Now().Add(-r.config.ReplayWindow).UnixMilli()
	go r.readLoop(readCtx, roomID, selfID, strconv.FormatInt(start, 10)+"-0", d)

	return newSubscription(ctx, func() {
		cancel()
		d.Close()
	}), nil
}

func (r *RedisRelay) readLoop(ctx context.Context, roomID domain.RoomID, selfID domain.UserID, lastID string, d *distributed.Dispatcher[*domain.SignalingMessage]) {
	stream := signalStream(roomID)
	for {
		streams, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   r.config.ReadCount,
			Block:   r.config.BlockTimeout,
		}).Result()

		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			r.logger.Warnw("signal stream read failed",
				"room_id", roomID,
				"error", err,
			)
			timer := time.NewTimer(r.config.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		for _, s := range streams {
			for _, entry := range s.Messages {
				lastID = entry.ID
				if to, _ := entry.Values["to"].(string); to != string(selfID) {
					continue
				}
				msg, err := decodeSignal(entry.Values["data"])
				if err != nil {
					r.logger.Warnw("dropping malformed stream entry",
						"room_id", roomID,
						"entry_id", entry.ID,
						"error", err,
					)
					continue
				}
				d.Push(msg)
			}
		}
	}
}

func decodeSignal(raw interface{}) (*domain.SignalingMessage, error) {
	data, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected data field %T", raw)
	}
	var msg domain.SignalingMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *RedisRelay) PublishChat(ctx context.Context, msg *domain.ChatMessage) error {
	if msg == nil {
		return fmt.Errorf("nil chat message")
	}
	return r.bus.Publish(ctx, msg.RoomID, distributed.EventChatMessage, msg)
}

func (r *RedisRelay) SubscribeChat(ctx context.Context, roomID domain.RoomID, onMessage func(*domain.ChatMessage)) (ports.Subscription, error) {
	d := distributed.NewDispatcher(onMessage)

	sub, err := r.bus.Subscribe(ctx, roomID, distributed.EventChatMessage, func(e *distributed.Event) {
		var msg domain.ChatMessage
		if err := json.Unmarshal(e.Payload, &msg); err != nil {
			r.logger.Debugw("dropping malformed chat event",
				"room_id", roomID,
				"error", err,
			)
			return
		}
		d.Push(&msg)
	})
	if err != nil {
		d.Close()
		return nil, err
	}

	return newSubscription(ctx, func() {
		_ = sub.Unsubscribe()
		d.Close()
	}), nil
}
