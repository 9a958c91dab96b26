package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.Relay.ReplayWindow)
	assert.Equal(t, 64, cfg.Negotiation.OrphanCandidateLimit)
	assert.Equal(t, "meshcall", cfg.Tracing.ServiceName)
	assert.True(t, cfg.Roster.Retry.Enabled)
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 0

	assert.NoError(t, cfg.Validate())
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server address", func(c *Config) { c.Server.Address = "" }},
		{"pong not after ping", func(c *Config) { c.Server.PongTimeout = c.Server.PingInterval }},
		{"empty user", func(c *Config) { c.Session.UserID = "" }},
		{"malformed room id", func(c *Config) { c.Session.RoomID = "room with spaces" }},
		{"ice server with http url", func(c *Config) { c.WebRTC.ICEServers = []ICEServer{{URLs: []string{"http://stun.example.com"}}} }},
		{"tracing with relative url", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.JaegerURL = "/api/traces" }},
		{"no room to join", func(c *Config) { c.Session.CreateRoom = false; c.Session.RoomID = "" }},
		{"half port range", func(c *Config) { c.WebRTC.PortRange.Min = 10000 }},
		{"inverted port range", func(c *Config) { c.WebRTC.PortRange.Min = 20000; c.WebRTC.PortRange.Max = 10000 }},
		{"ice server without urls", func(c *Config) { c.WebRTC.ICEServers = []ICEServer{{}} }},
		{"zero negotiation timeout", func(c *Config) { c.Negotiation.Timeout = 0 }},
		{"zero mailbox", func(c *Config) { c.Negotiation.MailboxSize = 0 }},
		{"zero orphan limit", func(c *Config) { c.Negotiation.OrphanCandidateLimit = 0 }},
		{"negative grace", func(c *Config) { c.Negotiation.SnapshotGracePeriod = -time.Second }},
		{"redis without address", func(c *Config) { c.Redis.Enabled = true; c.Redis.Address = "" }},
		{"redis without block timeout", func(c *Config) { c.Redis.Enabled = true; c.Relay.BlockTimeout = 0 }},
		{"negative room cache ttl", func(c *Config) { c.Redis.RoomCacheTTL = -time.Second }},
		{"negative replay window", func(c *Config) { c.Relay.ReplayWindow = -time.Second }},
		{"shrinking backoff", func(c *Config) { c.Roster.Retry.Multiplier = 0.5 }},
		{"zero breaker failures", func(c *Config) { c.Roster.BreakerFailures = 0 }},
		{"zero chat rate", func(c *Config) { c.Chat.MessagesPerSecond = 0 }},
		{"tracing without url", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.JaegerURL = "" }},
		{"sample rate above one", func(c *Config) { c.Tracing.SampleRate = 2 }},
		{"empty log level", func(c *Config) { c.Logging.Level = "" }},
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.Enabled = true; c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"ws max message size must be >= 0", func(c *Config) { c.RateLimiting.Enabled = true; c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Address, cfg.Server.Address)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshcall.yaml")
	body := `
session:
  room_id: room_abc
  user_id: alice
  display_name: Alice
  create_room: false
negotiation:
  timeout: 12s
roster:
  retry:
    enabled: true
    max_attempts: 5
    initial_delay: 50ms
    max_delay: 2s
    multiplier: 1.5
webrtc:
  ice_servers:
    - urls: ["turn:turn.example.com:3478"]
      username: user
      credential: pass
  port_range:
    min: 40000
    max: 40100
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "room_abc", cfg.Session.RoomID)
	assert.Equal(t, "Alice", cfg.Session.DisplayName)
	assert.Equal(t, 12*time.Second, cfg.Negotiation.Timeout)
	assert.Equal(t, 5, cfg.Roster.Retry.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Roster.Retry.InitialDelay)
	require.Len(t, cfg.WebRTC.ICEServers, 1)
	assert.Equal(t, "user", cfg.WebRTC.ICEServers[0].Username)
	assert.Equal(t, uint16(40000), cfg.WebRTC.PortRange.Min)
	// untouched sections keep their defaults
	assert.Equal(t, 256, cfg.Negotiation.MaxPendingCandidates)
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("negotiation: [oops"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("negotiation:\n  timeout: 0s\n"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "negotiation.timeout")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MESHCALL_ROOM_ID", "room_env")
	t.Setenv("MESHCALL_USER_ID", "bob")
	t.Setenv("MESHCALL_REDIS_ADDRESS", "redis:6379")
	t.Setenv("MESHCALL_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "room_env", cfg.Session.RoomID)
	assert.False(t, cfg.Session.CreateRoom)
	assert.Equal(t, "bob", cfg.Session.UserID)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
	assert.Equal(t, "debug", cfg.Logging.Level)
}
