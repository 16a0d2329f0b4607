package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type ClientConfig struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// NewClient connects to Redis. Schema migrations are left to the caller
// because the relay only needs pub/sub and never touches room keys.
func NewClient(ctx context.Context, cfg ClientConfig, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: min(cfg.PoolSize, 2),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}

	logger.Infow("connected to Redis", "address", cfg.Address, "db", cfg.DB, "pool_size", cfg.PoolSize)
	return client, nil
}
