package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"boardnet/internal/core/domain"
	"boardnet/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey = "boardnet:schema:version"
	migrationLockKey = "boardnet:schema:lock"
)

type migration struct {
	version int
	name    string
	up      func(ctx context.Context, client *redis.Client) error
}

// Index backfills. Each one is safe to re-run.
var migrations = []migration{
	{1, "index public rooms by last access", func(ctx context.Context, client *redis.Client) error {
		return eachRoom(ctx, client, func(room *domain.Room) error {
			if !room.IsPublic {
				return nil
			}
			z := redis.Z{Score: float64(room.LastAccessed.UnixMilli()), Member: string(room.ID)}
			return client.ZAdd(ctx, publicRoomsKey, z).Err()
		})
	}},
	{2, "record last access of every room", func(ctx context.Context, client *redis.Client) error {
		return eachRoom(ctx, client, func(room *domain.Room) error {
			return client.HSetNX(ctx, accessedKey, string(room.ID), room.LastAccessed.UnixMilli()).Err()
		})
	}},
}

// Migrate applies every migration newer than the stored schema version.
// Instances starting together serialize on a lock.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	lock := distributed.NewLock(client, migrationLockKey, time.Minute)
	if err := lock.Lock(ctx, 30*time.Second); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		if err := lock.Unlock(context.Background()); err != nil {
			logger.Warnw("failed to release migration lock", "error", err)
		}
	}()

	current, err := client.Get(ctx, schemaVersionKey).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		logger.Infow("running redis migration", "version", m.version, "name", m.name)
		if err := m.up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
		if err := client.Set(ctx, schemaVersionKey, m.version, 0).Err(); err != nil {
			return fmt.Errorf("failed to record schema version %d: %w", m.version, err)
		}
		current = m.version
	}
	logger.Debugw("redis schema up to date", "version", current)
	return nil
}

// eachRoom calls fn for every stored room, skipping secondary keys and
// records that fail to decode.
func eachRoom(ctx context.Context, client *redis.Client, fn func(*domain.Room) error) error {
	depth := strings.Count(roomKeyPrefix, ":")
	iter := client.Scan(ctx, 0, roomKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.Count(key, ":") != depth {
			continue
		}
		data, err := client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var room domain.Room
		if err := json.Unmarshal(data, &room); err != nil {
			continue
		}
		if err := fn(&room); err != nil {
			return err
		}
	}
	return iter.Err()
}
