package repositories

import (
	"context"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/internal/infrastructure/distributed"
	"meshcall/internal/infrastructure/relay"
	"meshcall/internal/infrastructure/repositories/memory"
	redisrepo "meshcall/internal/infrastructure/repositories/redis"
	"meshcall/pkg/cache"
	"meshcall/pkg/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Relay is the combined signaling and chat transport.
type Relay interface {
	ports.SignalRelay
	ports.ChatRelay
}

// RepositoryFactory builds stores and relays, on Redis when it is enabled
// and reachable and in memory otherwise.
type RepositoryFactory struct {
	cfg         *config.Config
	useRedis    bool
	redisClient *redis.Client
	bus         *distributed.EventBus
	roomCache   *cache.Cache[domain.RoomID, domain.Room]
	instanceID  string
	logger      *zap.SugaredLogger

	memoryRoster ports.RosterStore
	memoryRooms  ports.RoomRepository
	memoryRelay  *relay.MemoryRelay
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		cfg:        cfg,
		useRedis:   cfg.Redis.Enabled,
		instanceID: uuid.NewString(),
		logger:     logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			factory.bus = distributed.NewEventBus(client, factory.instanceID, logger)
			if cfg.Redis.RoomCacheTTL > 0 {
				factory.roomCache = cache.New[domain.RoomID, domain.Room](cfg.Redis.RoomCacheTTL)
			}
			logger.Infow("using Redis repositories", "instance_id", factory.instanceID)
		}
	}

	if !factory.useRedis {
		factory.memoryRoster = memory.NewMemoryRosterRepository()
		factory.memoryRooms = memory.NewMemoryRoomRepository()
		factory.memoryRelay = relay.NewMemoryRelayWithReplay(cfg.Relay.ReplayWindow, cfg.Relay.ReplayLimit)
		logger.Info("using memory repositories")
	}

	return factory
}

// UsingRedis reports whether the factory is backed by Redis.
func (f *RepositoryFactory) UsingRedis() bool {
	return f.useRedis
}

func (f *RepositoryFactory) CreateRosterStore() ports.RosterStore {
	if f.useRedis {
		return redisrepo.NewRedisRosterRepository(f.redisClient, f.bus, f.logger)
	}
	return f.memoryRoster
}

func (f *RepositoryFactory) CreateRoomRepository() ports.RoomRepository {
	if f.useRedis {
		repo := redisrepo.NewRedisRoomRepository(f.redisClient)
		if f.roomCache != nil {
			return NewCachedRoomRepository(repo, f.roomCache)
		}
		return repo
	}
	return f.memoryRooms
}

func (f *RepositoryFactory) CreateRelay() Relay {
	if f.useRedis {
		return relay.NewRedisRelay(f.redisClient, f.bus, relay.RedisRelayConfig{
			ReplayWindow: f.cfg.Relay.ReplayWindow,
			StreamMaxLen: f.cfg.Relay.StreamMaxLen,
			BlockTimeout: f.cfg.Relay.BlockTimeout,
			ReadCount:    relay.DefaultRedisRelayConfig().ReadCount,
			RetryDelay:   relay.DefaultRedisRelayConfig().RetryDelay,
		}, f.logger)
	}
	return f.memoryRelay
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.roomCache != nil {
		f.roomCache.Stop()
	}
	return redisrepo.CloseRedisClient(f.redisClient)
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
