package relay

import (
	"context"
	"os"
	"testing"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/infrastructure/distributed"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newRedisRelay needs a live server; set MESHCALL_TEST_REDIS to its address.
func newRedisRelay(t *testing.T) (*RedisRelay, domain.RoomID) {
	t.Helper()
	addr := os.Getenv("MESHCALL_TEST_REDIS")
	if addr == "" {
		t.Skip("MESHCALL_TEST_REDIS not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())

	room := domain.RoomID("room_" + uuid.NewString())
	t.Cleanup(func() {
		client.Del(context.Background(), signalStream(room))
		client.Close()
	})

	logger := zap.NewNop().Sugar()
	cfg := DefaultRedisRelayConfig()
	cfg.BlockTimeout = 100 * time.Millisecond
	bus := distributed.NewEventBus(client, "test", logger)
	return NewRedisRelay(client, bus, cfg, logger), room
}

func TestRedisRelay_SignalsReachRecipient(t *testing.T) {
	hub, room := newRedisRelay(t)
	ctx := context.Background()

	var bob, carol inbox[*domain.SignalingMessage]
	subBob, err := hub.Subscribe(ctx, room, "bob", bob.add)
	require.NoError(t, err)
	defer subBob.Unsubscribe()
	subCarol, err := hub.Subscribe(ctx, room, "carol", carol.add)
	require.NoError(t, err)
	defer subCarol.Unsubscribe()

	require.NoError(t, hub.Publish(ctx, signal(room, "alice", "bob")))

	require.Eventually(t, func() bool { return bob.len() == 1 }, waitFor, tick)
	assert.Equal(t, domain.UserID("alice"), bob.all()[0].From)
	assert.JSONEq(t, `{"candidate":"candidate:1"}`, string(bob.all()[0].Payload))
	assert.Zero(t, carol.len())
}

func TestRedisRelay_ReplaysBeforeSubscribe(t *testing.T) {
	hub, room := newRedisRelay(t)
	ctx := context.Background()

	require.NoError(t, hub.Publish(ctx, signal(room, "alice", "bob")))

	var bob inbox[*domain.SignalingMessage]
	sub, err := hub.Subscribe(ctx, room, "bob", bob.add)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return bob.len() == 1 }, waitFor, tick)
}

func TestRedisRelay_Chat(t *testing.T) {
	hub, room := newRedisRelay(t)
	ctx := context.Background()

	var got inbox[*domain.ChatMessage]
	sub, err := hub.SubscribeChat(ctx, room, got.add)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, hub.PublishChat(ctx, &domain.ChatMessage{ID: "m1", RoomID: room, Text: "hello"}))
	require.Eventually(t, func() bool { return got.len() == 1 }, waitFor, tick)
	assert.Equal(t, "hello", got.all()[0].Text)
}
