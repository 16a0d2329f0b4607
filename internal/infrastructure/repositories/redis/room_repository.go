package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"boardnet/internal/core/domain"
	"boardnet/internal/core/ports"
	"boardnet/pkg/batch"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	roomKeyPrefix    = "boardnet:room:"
	elementKeyPrefix = "boardnet:elements:"
	userRoomsPrefix  = "boardnet:user:"
	publicRoomsKey   = "boardnet:rooms:public"
	accessedKey      = "boardnet:rooms:accessed"
)

// RedisRoomRepository keeps each room as JSON, with a set of room ids per
// member and a sorted set of public rooms scored by last access. Access
// touches are coalesced and written in pipelines.
type RedisRoomRepository struct {
	client  *redis.Client
	touches *batch.Coalescer[domain.RoomID, time.Time]
	logger  *zap.SugaredLogger
}

func NewRedisRoomRepository(client *redis.Client, touchInterval time.Duration, logger *zap.SugaredLogger) *RedisRoomRepository {
	r := &RedisRoomRepository{client: client, logger: logger}
	r.touches = batch.New[domain.RoomID, time.Time](256, touchInterval, r.flushTouches, func(err error) {
		logger.Warnw("failed to write room access times", "error", err)
	})
	return r
}

var _ ports.RoomRepository = (*RedisRoomRepository)(nil)

func roomKey(id domain.RoomID) string { return roomKeyPrefix + string(id) }

func userRoomsKey(u domain.UserID) string { return userRoomsPrefix + string(u) + ":rooms" }

func (r *RedisRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}

	ok, err := r.client.SetNX(ctx, roomKey(room.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store room in Redis: %w", err)
	}
	if !ok {
		return fmt.Errorf("room already exists: %s", room.ID)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.writeIndexes(ctx, pipe, room)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index room: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) writeIndexes(ctx context.Context, pipe redis.Pipeliner, room *domain.Room) {
	pipe.HSet(ctx, accessedKey, string(room.ID), room.LastAccessed.UnixMilli())
	for _, m := range room.Members {
		pipe.SAdd(ctx, userRoomsKey(m.UserID), string(room.ID))
	}
	pipe.SAdd(ctx, userRoomsKey(room.OwnerID), string(room.ID))
	if room.IsPublic {
		pipe.ZAdd(ctx, publicRoomsKey, redis.Z{Score: float64(room.LastAccessed.UnixMilli()), Member: string(room.ID)})
	} else {
		pipe.ZRem(ctx, publicRoomsKey, string(room.ID))
	}
}

func (r *RedisRoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	var (
		get      *redis.StringCmd
		accessed *redis.StringCmd
	)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, roomKey(id))
		accessed = pipe.HGet(ctx, accessedKey, string(id))
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}

	data, err := get.Bytes()
	if err == redis.Nil {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}

	var room domain.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room: %w", err)
	}
	if ms, err := accessed.Int64(); err == nil {
		if t := time.UnixMilli(ms); t.After(room.LastAccessed) {
			room.LastAccessed = t
		}
	}
	return &room, nil
}

func (r *RedisRoomRepository) Update(ctx context.Context, room *domain.Room) error {
	if _, err := r.GetByID(ctx, room.ID); err != nil {
		return err
	}

	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, roomKey(room.ID), data, 0)
		r.writeIndexes(ctx, pipe, room)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update room in Redis: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	room, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, roomKey(id), elementKeyPrefix+string(id))
		pipe.HDel(ctx, accessedKey, string(id))
		pipe.ZRem(ctx, publicRoomsKey, string(id))
		pipe.SRem(ctx, userRoomsKey(room.OwnerID), string(id))
		for _, m := range room.Members {
			pipe.SRem(ctx, userRoomsKey(m.UserID), string(id))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete room from Redis: %w", err)
	}
	return nil
}

// Touch records an access. The write is deferred to the next batch.
func (r *RedisRoomRepository) Touch(ctx context.Context, id domain.RoomID, at time.Time) error {
	r.touches.Add(id, at)
	return nil
}

func (r *RedisRoomRepository) flushTouches(ctx context.Context, touches map[domain.RoomID]time.Time) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, at := range touches {
			ms := at.UnixMilli()
			pipe.HSet(ctx, accessedKey, string(id), strconv.FormatInt(ms, 10))
			pipe.ZAddXX(ctx, publicRoomsKey, redis.Z{Score: float64(ms), Member: string(id)})
		}
		return nil
	})
	return err
}

func (r *RedisRoomRepository) ListByMember(ctx context.Context, userID domain.UserID) ([]*domain.Room, error) {
	ids, err := r.client.SMembers(ctx, userRoomsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user rooms from Redis: %w", err)
	}

	var rooms []*domain.Room
	for _, id := range ids {
		room, err := r.GetByID(ctx, domain.RoomID(id))
		if err != nil {
			// Skip rooms that no longer exist
			continue
		}
		if room.IsMember(userID) {
			rooms = append(rooms, room)
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].LastAccessed.After(rooms[j].LastAccessed) })
	return rooms, nil
}

func (r *RedisRoomRepository) ListPublic(ctx context.Context, excluding domain.UserID, limit int) ([]*domain.Room, error) {
	ids, err := r.client.ZRevRange(ctx, publicRoomsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get public rooms from Redis: %w", err)
	}

	var rooms []*domain.Room
	for _, id := range ids {
		if limit > 0 && len(rooms) >= limit {
			break
		}
		room, err := r.GetByID(ctx, domain.RoomID(id))
		if err != nil {
			continue
		}
		if room.IsPublic && !room.IsMember(excluding) {
			rooms = append(rooms, room)
		}
	}
	return rooms, nil
}

// ListAll walks the access index, which holds every room id.
func (r *RedisRoomRepository) ListAll(ctx context.Context) ([]*domain.Room, error) {
	ids, err := r.client.HKeys(ctx, accessedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room ids from Redis: %w", err)
	}

	rooms := make([]*domain.Room, 0, len(ids))
	for _, id := range ids {
		room, err := r.GetByID(ctx, domain.RoomID(id))
		if err != nil {
			continue
		}
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool {
		if !rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
		}
		return rooms[i].ID < rooms[j].ID
	})
	return rooms, nil
}

func (r *RedisRoomRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close writes pending access times.
func (r *RedisRoomRepository) Close() {
	r.touches.Stop()
}
