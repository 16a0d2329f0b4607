package services

import (
	"context"
	"fmt"
	"time"

	"boardnet/internal/core/domain"
	"boardnet/internal/core/ports"
	"boardnet/pkg/cache"
)

// CachedRoomRepository wraps a RoomRepository with a read-through cache of
// room lookups. Writes invalidate the cached room.
type CachedRoomRepository struct {
	base  ports.RoomRepository
	cache *cache.Cache[*domain.Room]
}

func NewCachedRoomRepository(base ports.RoomRepository, ttl time.Duration) *CachedRoomRepository {
	return &CachedRoomRepository{
		base:  base,
		cache: cache.New[*domain.Room](ttl),
	}
}

func roomCacheKey(id domain.RoomID) string {
	return fmt.Sprintf("room:%s", id)
}

func (r *CachedRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	if err := r.base.Create(ctx, room); err != nil {
		return err
	}
	r.cache.Invalidate(roomCacheKey(room.ID))
	return nil
}

// GetByID hands out a copy so callers can mutate it freely.
func (r *CachedRoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	room, err := r.cache.GetOrLoad(ctx, roomCacheKey(id), func(ctx context.Context) (*domain.Room, error) {
		return r.base.GetByID(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return room.Copy(), nil
}

func (r *CachedRoomRepository) Update(ctx context.Context, room *domain.Room) error {
	err := r.base.Update(ctx, room)
	r.cache.Invalidate(roomCacheKey(room.ID))
	return err
}

func (r *CachedRoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	err := r.base.Delete(ctx, id)
	r.cache.Invalidate(roomCacheKey(id))
	return err
}

// Touch does not invalidate; a cached room may show a slightly stale
// access time until it expires.
func (r *CachedRoomRepository) Touch(ctx context.Context, id domain.RoomID, at time.Time) error {
	return r.base.Touch(ctx, id, at)
}

func (r *CachedRoomRepository) ListByMember(ctx context.Context, userID domain.UserID) ([]*domain.Room, error) {
	return r.base.ListByMember(ctx, userID)
}

func (r *CachedRoomRepository) ListPublic(ctx context.Context, excluding domain.UserID, limit int) ([]*domain.Room, error) {
	return r.base.ListPublic(ctx, excluding, limit)
}

func (r *CachedRoomRepository) ListAll(ctx context.Context) ([]*domain.Room, error) {
	return r.base.ListAll(ctx)
}

func (r *CachedRoomRepository) Ping(ctx context.Context) error {
	if hc, ok := r.base.(ports.HealthChecker); ok {
		return hc.Ping(ctx)
	}
	return nil
}

// Close stops the cache. The wrapped repository is left to its owner.
func (r *CachedRoomRepository) Close() {
	r.cache.Stop()
}
