// Package distributed holds coordination primitives shared by relay
// instances.
package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrLockTimeout = errors.New("lock acquisition timeout")
	ErrLockNotHeld = errors.New("lock was not held by this holder")
)

const retryInterval = 50 * time.Millisecond

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Lock is a redis lease owned by one holder. While held it is renewed at
// half its TTL. A Lock may be acquired again after Unlock.
type Lock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration

	mu        sync.Mutex
	stopRenew chan struct{}
}

func NewLock(client *redis.Client, key string, ttl time.Duration) *Lock {
	return &Lock{
		client: client,
		key:    key,
		value:  holderID(),
		ttl:    ttl,
	}
}

func holderID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Lock blocks until the lease is acquired, ctx ends, or timeout passes.
func (l *Lock) Lock(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s: %w", l.key, ErrLockTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// TryLock acquires the lease if it is free.
func (l *Lock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return false, nil
	}

	stop := make(chan struct{})
	l.mu.Lock()
	l.stopRenew = stop
	l.mu.Unlock()
	go l.renew(stop)
	return true, nil
}

// Unlock releases the lease. It reports ErrLockNotHeld when the lease
// expired and someone else took it.
func (l *Lock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if l.stopRenew != nil {
		close(l.stopRenew)
		l.stopRenew = nil
	}
	l.mu.Unlock()

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (l *Lock) renew(stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil || n == 0 {
				return
			}
		}
	}
}

// LockManager hands out locks under a common key prefix.
type LockManager struct {
	client *redis.Client
	prefix string
}

func NewLockManager(client *redis.Client, prefix string) *LockManager {
	return &LockManager{client: client, prefix: prefix}
}

func (lm *LockManager) NewLock(key string, ttl time.Duration) *Lock {
	return NewLock(lm.client, lm.prefix+key, ttl)
}

// WithLock runs fn while holding the named lock.
func (lm *LockManager) WithLock(ctx context.Context, key string, ttl, wait time.Duration, fn func(context.Context) error) error {
	lock := lm.NewLock(key, ttl)
	if err := lock.Lock(ctx, wait); err != nil {
		return err
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = lock.Unlock(unlockCtx)
	}()
	return fn(ctx)
}
