package config

import (
	"fmt"
	"os"
	"time"

	"meshcall/pkg/retry"
	"meshcall/pkg/tracing"
	"meshcall/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
	} `yaml:"server"`

	// Session describes the call this process joins on startup.
	Session struct {
		RoomID          string `yaml:"room_id"`
		UserID          string `yaml:"user_id"`
		DisplayName     string `yaml:"display_name"`
		CreateRoom      bool   `yaml:"create_room"`
		RoomName        string `yaml:"room_name"`
		RequireApproval bool   `yaml:"require_approval"`
		MaxParticipants int    `yaml:"max_participants"`
		Audio           bool   `yaml:"audio"`
		Video           bool   `yaml:"video"`
	} `yaml:"session"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Negotiation struct {
		Timeout              time.Duration `yaml:"timeout"`
		SendTimeout          time.Duration `yaml:"send_timeout"`
		MailboxSize          int           `yaml:"mailbox_size"`
		MaxPendingCandidates int           `yaml:"max_pending_candidates"`
		OrphanCandidateLimit int           `yaml:"orphan_candidate_limit"`
		OrphanCandidateTTL   time.Duration `yaml:"orphan_candidate_ttl"`
		SnapshotGracePeriod  time.Duration `yaml:"snapshot_grace_period"`
	} `yaml:"negotiation"`

	// Media addresses are local UDP endpoints carrying RTP.
	Media struct {
		AudioIngest  string `yaml:"audio_ingest"`
		VideoIngest  string `yaml:"video_ingest"`
		ScreenIngest string `yaml:"screen_ingest"`
		RemoteSink   string `yaml:"remote_sink"`
	} `yaml:"media"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		// RoomCacheTTL keeps room lookups in process. Zero disables caching.
		RoomCacheTTL time.Duration `yaml:"room_cache_ttl"`
	} `yaml:"redis"`

	Relay struct {
		ReplayWindow time.Duration `yaml:"replay_window"`
		ReplayLimit  int           `yaml:"replay_limit"`
		StreamMaxLen int64         `yaml:"stream_max_len"`
		BlockTimeout time.Duration `yaml:"block_timeout"`
	} `yaml:"relay"`

	Roster struct {
		Retry            retry.Config  `yaml:"retry"`
		BreakerFailures  int           `yaml:"breaker_failures"`
		BreakerResetTime time.Duration `yaml:"breaker_reset_time"`
	} `yaml:"roster"`

	Chat struct {
		MessagesPerSecond float64 `yaml:"messages_per_second"`
		Burst             int     `yaml:"burst"`
		HistorySize       int     `yaml:"history_size"`
	} `yaml:"chat"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		PrometheusPort      int           `yaml:"prometheus_port"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	} `yaml:"monitoring"`

	Tracing tracing.Config `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int   `yaml:"connections_per_minute"`
			MaxConcurrent        int   `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes  int64 `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	if c.Server.PingInterval <= 0 || c.Server.PongTimeout <= c.Server.PingInterval {
		return fmt.Errorf("server.pong_timeout must be > server.ping_interval > 0")
	}

	// Session
	if err := validation.ValidateUserID(c.Session.UserID); err != nil {
		return fmt.Errorf("session.user_id: %w", err)
	}
	if c.Session.RoomID != "" {
		if err := validation.ValidateRoomID(c.Session.RoomID); err != nil {
			return fmt.Errorf("session.room_id: %w", err)
		}
	}
	if c.Session.RoomID == "" && !c.Session.CreateRoom {
		return fmt.Errorf("session.room_id must be set unless session.create_room=true")
	}
	if c.Session.MaxParticipants < 0 {
		return fmt.Errorf("session.max_participants must be >= 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
		for _, u := range s.URLs {
			if err := validation.ValidateICEServerURL(u); err != nil {
				return fmt.Errorf("webrtc.ice_servers[%d]: %w", i, err)
			}
		}
	}

	// Negotiation
	if c.Negotiation.Timeout <= 0 {
		return fmt.Errorf("negotiation.timeout must be > 0")
	}
	if c.Negotiation.SendTimeout <= 0 {
		return fmt.Errorf("negotiation.send_timeout must be > 0")
	}
	if c.Negotiation.MailboxSize <= 0 {
		return fmt.Errorf("negotiation.mailbox_size must be > 0")
	}
	if c.Negotiation.MaxPendingCandidates <= 0 || c.Negotiation.OrphanCandidateLimit <= 0 {
		return fmt.Errorf("negotiation candidate limits must be > 0")
	}
	if c.Negotiation.OrphanCandidateTTL <= 0 {
		return fmt.Errorf("negotiation.orphan_candidate_ttl must be > 0")
	}
	if c.Negotiation.SnapshotGracePeriod < 0 {
		return fmt.Errorf("negotiation.snapshot_grace_period must be >= 0")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}
	if c.Redis.RoomCacheTTL < 0 {
		return fmt.Errorf("redis.room_cache_ttl must be >= 0")
	}

	// Relay
	if c.Relay.ReplayWindow < 0 {
		return fmt.Errorf("relay.replay_window must be >= 0")
	}
	if c.Relay.ReplayLimit < 0 || c.Relay.StreamMaxLen < 0 {
		return fmt.Errorf("relay limits must be >= 0")
	}
	if c.Redis.Enabled && c.Relay.BlockTimeout <= 0 {
		return fmt.Errorf("relay.block_timeout must be > 0 when redis.enabled=true")
	}

	// Roster
	if c.Roster.Retry.MaxAttempts < 0 {
		return fmt.Errorf("roster.retry.max_attempts must be >= 0")
	}
	if c.Roster.Retry.Enabled && c.Roster.Retry.Multiplier < 1 {
		return fmt.Errorf("roster.retry.multiplier must be >= 1")
	}
	if c.Roster.BreakerFailures <= 0 || c.Roster.BreakerResetTime <= 0 {
		return fmt.Errorf("roster breaker settings must be > 0")
	}

	// Chat
	if c.Chat.MessagesPerSecond <= 0 || c.Chat.Burst <= 0 {
		return fmt.Errorf("chat.messages_per_second and chat.burst must be > 0")
	}
	if c.Chat.HistorySize <= 0 {
		return fmt.Errorf("chat.history_size must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}
	if c.Monitoring.HealthCheckInterval <= 0 {
		return fmt.Errorf("monitoring.health_check_interval must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if err := validation.ValidateURL(c.Tracing.JaegerURL); err != nil {
			return fmt.Errorf("tracing.jaeger_url: %w", err)
		}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// fall back to defaults
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = "127.0.0.1:8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Server.PingInterval = 30 * time.Second
	cfg.Server.PongTimeout = 60 * time.Second

	cfg.Session.UserID = "anonymous"
	cfg.Session.CreateRoom = true
	cfg.Session.RoomName = "Meeting"
	cfg.Session.RequireApproval = true
	cfg.Session.Audio = true
	cfg.Session.Video = true

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Negotiation.Timeout = 30 * time.Second
	cfg.Negotiation.SendTimeout = 5 * time.Second
	cfg.Negotiation.MailboxSize = 128
	cfg.Negotiation.MaxPendingCandidates = 256
	cfg.Negotiation.OrphanCandidateLimit = 64
	cfg.Negotiation.OrphanCandidateTTL = 30 * time.Second
	cfg.Negotiation.SnapshotGracePeriod = 3 * time.Second

	cfg.Media.AudioIngest = "127.0.0.1:5004"
	cfg.Media.VideoIngest = "127.0.0.1:5006"
	cfg.Media.ScreenIngest = "127.0.0.1:5008"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.RoomCacheTTL = 30 * time.Second

	cfg.Relay.ReplayWindow = 10 * time.Second
	cfg.Relay.ReplayLimit = 256
	cfg.Relay.StreamMaxLen = 10000
	cfg.Relay.BlockTimeout = 2 * time.Second

	cfg.Roster.Retry = retry.DefaultConfig()
	cfg.Roster.BreakerFailures = 5
	cfg.Roster.BreakerResetTime = 30 * time.Second

	cfg.Chat.MessagesPerSecond = 2
	cfg.Chat.Burst = 5
	cfg.Chat.HistorySize = 200

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090
	cfg.Monitoring.HealthCheckInterval = 30 * time.Second

	cfg.Tracing = tracing.DefaultConfig()

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("MESHCALL_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if room := os.Getenv("MESHCALL_ROOM_ID"); room != "" {
		c.Session.RoomID = room
		c.Session.CreateRoom = false
	}
	if user := os.Getenv("MESHCALL_USER_ID"); user != "" {
		c.Session.UserID = user
	}
	if name := os.Getenv("MESHCALL_DISPLAY_NAME"); name != "" {
		c.Session.DisplayName = name
	}
	if addr := os.Getenv("MESHCALL_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if password := os.Getenv("MESHCALL_REDIS_PASSWORD"); password != "" {
		c.Redis.Password = password
	}
	if url := os.Getenv("MESHCALL_JAEGER_URL"); url != "" {
		c.Tracing.JaegerURL = url
		c.Tracing.Enabled = true
	}
	if level := os.Getenv("MESHCALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
