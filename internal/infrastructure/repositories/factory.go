package repositories

import (
	"context"
	"fmt"
	"time"

	"boardnet/internal/core/ports"
	"boardnet/internal/infrastructure/repositories/memory"
	pgrepo "boardnet/internal/infrastructure/repositories/postgres"
	redisrepo "boardnet/internal/infrastructure/repositories/redis"
	"boardnet/pkg/config"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Access times are batched and written at most this often.
const touchFlushInterval = time.Second

// RepositoryFactory creates room and element repositories for the
// configured driver, falling back to memory when the backend is unreachable.
type RepositoryFactory struct {
	driver      string
	redisClient *redis.Client
	pool        *pgxpool.Pool
	logger      *zap.SugaredLogger

	rooms    ports.RoomRepository
	elements ports.ElementRepository
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	f := &RepositoryFactory{driver: cfg.Storage.Driver, logger: logger}
	if f.driver == "" {
		f.driver = DriverMemory
	}

	// The relay uses redis for fan-out whatever the storage driver is.
	if cfg.Redis.Enabled || f.driver == DriverRedis {
		client, err := redisrepo.NewClient(ctx, redisrepo.ClientConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis", "error", err)
			if f.driver == DriverRedis {
				logger.Warn("falling back to memory repositories")
				f.driver = DriverMemory
			}
		} else {
			f.redisClient = client
			if f.driver == DriverRedis {
				if err := redisrepo.Migrate(ctx, client, logger); err != nil {
					_ = client.Close()
					return nil, fmt.Errorf("redis migrations: %w", err)
				}
			}
		}
	}

	switch f.driver {
	case DriverPostgres:
		pool, err := pgrepo.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, logger)
		if err != nil {
			logger.Warnw("failed to connect to Postgres, falling back to memory repositories", "error", err)
			f.driver = DriverMemory
			break
		}
		f.pool = pool
		f.rooms = pgrepo.NewPostgresRoomRepository(pool, touchFlushInterval, logger)
		f.elements = pgrepo.NewPostgresElementRepository(pool)
	case DriverRedis:
		f.rooms = redisrepo.NewRedisRoomRepository(f.redisClient, touchFlushInterval, logger)
		f.elements = redisrepo.NewRedisElementRepository(f.redisClient)
	case DriverMemory:
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	if f.driver == DriverMemory {
		f.rooms = memory.NewMemoryRoomRepository()
		f.elements = memory.NewMemoryElementRepository()
	}
	logger.Infow("using repositories", "driver", f.driver)
	return f, nil
}

func (f *RepositoryFactory) Driver() string { return f.driver }

func (f *RepositoryFactory) CreateRoomRepository() ports.RoomRepository { return f.rooms }

func (f *RepositoryFactory) CreateElementRepository() ports.ElementRepository { return f.elements }

// RedisClient is nil when redis is not configured or unreachable.
func (f *RepositoryFactory) RedisClient() *redis.Client { return f.redisClient }

// Close flushes batched writes and closes backend connections.
func (f *RepositoryFactory) Close() error {
	if c, ok := f.rooms.(interface{ Close() }); ok {
		c.Close()
	}
	if f.pool != nil {
		f.pool.Close()
	}
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}

// HealthCheck pings every backend in use.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.pool != nil {
		if err := f.pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if f.redisClient != nil {
		if err := f.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}
