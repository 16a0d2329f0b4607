package monitoring

import (
	"context"
	"time"

	"boardnet/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}

// AddStoreCheck checks the room store. Stores without a backing server
// are always ready.
func (h *HealthChecker) AddStoreCheck(name string, store any, timeout time.Duration) {
	pinger, ok := store.(ports.HealthChecker)
	if !ok {
		return
	}
	h.AddCheck(name, pinger.Ping, timeout)
}
