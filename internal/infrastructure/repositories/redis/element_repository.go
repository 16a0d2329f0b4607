package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"boardnet/internal/core/domain"
	"boardnet/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisElementRepository stores a room's elements as a list of JSON values.
type RedisElementRepository struct {
	client *redis.Client
}

func NewRedisElementRepository(client *redis.Client) ports.ElementRepository {
	return &RedisElementRepository{client: client}
}

func elementsKey(id domain.RoomID) string { return elementKeyPrefix + string(id) }

func (r *RedisElementRepository) Get(ctx context.Context, roomID domain.RoomID) ([]domain.Element, error) {
	values, err := r.client.LRange(ctx, elementsKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get elements from Redis: %w", err)
	}

	elements := make([]domain.Element, 0, len(values))
	for _, v := range values {
		var el domain.Element
		if err := json.Unmarshal([]byte(v), &el); err != nil {
			return nil, fmt.Errorf("failed to unmarshal element: %w", err)
		}
		elements = append(elements, el)
	}
	return elements, nil
}

// Replace swaps the list in one MULTI block so readers never see a
// partial snapshot.
func (r *RedisElementRepository) Replace(ctx context.Context, roomID domain.RoomID, elements []domain.Element) error {
	values := make([]interface{}, 0, len(elements))
	for _, el := range elements {
		data, err := json.Marshal(el)
		if err != nil {
			return fmt.Errorf("failed to marshal element: %w", err)
		}
		values = append(values, data)
	}

	key := elementsKey(roomID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.RPush(ctx, key, values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replace elements in Redis: %w", err)
	}
	return nil
}

func (r *RedisElementRepository) Clear(ctx context.Context, roomID domain.RoomID) error {
	if err := r.client.Del(ctx, elementsKey(roomID)).Err(); err != nil {
		return fmt.Errorf("failed to clear elements in Redis: %w", err)
	}
	return nil
}
