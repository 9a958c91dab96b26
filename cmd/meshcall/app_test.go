package main

import (
	"context"
	"testing"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/services"
	"meshcall/internal/infrastructure/repositories/memory"
	"meshcall/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestManagerConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Negotiation.Timeout = 12 * time.Second
	cfg.Negotiation.MailboxSize = 7
	cfg.Negotiation.SnapshotGracePeriod = 0

	m := managerConfig(cfg, "room_1", "alice")
	assert.Equal(t, domain.RoomID("room_1"), m.RoomID)
	assert.Equal(t, domain.UserID("alice"), m.SelfID)
	assert.Equal(t, 12*time.Second, m.NegotiationTimeout)
	assert.Equal(t, 7, m.MailboxSize)
	assert.Zero(t, m.SnapshotGracePeriod)
}

func TestICEServers(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.WebRTC.ICEServers = []config.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"},
	}

	servers := iceServers(cfg)
	require.Len(t, servers, 2)
	assert.Equal(t, []string{"turn:turn.example.com:3478"}, servers[1].URLs)
	assert.Equal(t, "u", servers[1].Username)
	assert.Equal(t, "p", servers[1].Credential)
}

func TestMetricsAddress(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Monitoring.PrometheusPort = 9100

	cfg.Server.Address = "127.0.0.1:8080"
	assert.Equal(t, "127.0.0.1:9100", metricsAddress(cfg))

	cfg.Server.Address = ":8080"
	assert.Equal(t, ":9100", metricsAddress(cfg))
}

func TestResolveRoom(t *testing.T) {
	ctx := context.Background()
	rooms := services.NewRoomService(memory.NewMemoryRoomRepository(), memory.NewMemoryRosterRepository(), zap.NewNop().Sugar())

	cfg := config.DefaultConfig()
	cfg.Session.MaxParticipants = 4
	created, err := resolveRoom(ctx, cfg, rooms, "alice")
	require.NoError(t, err)

	room, err := rooms.GetRoom(ctx, created)
	require.NoError(t, err)
	assert.True(t, room.IsHost("alice"))

	cfg.Session.RoomID = string(created)
	joined, err := resolveRoom(ctx, cfg, rooms, "bob")
	require.NoError(t, err)
	assert.Equal(t, created, joined)

	cfg.Session.RoomID = "room_missing"
	_, err = resolveRoom(ctx, cfg, rooms, "bob")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}
