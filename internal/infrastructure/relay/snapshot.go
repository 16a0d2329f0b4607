package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"boardnet/pkg/distributed"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
)

const (
	snapshotKeyPrefix = "boardnet:relay:snapshot:"
	snapshotLockTTL   = 5 * time.Second
	snapshotLockWait  = 2 * time.Second
)

// SnapshotStore keeps the latest document state of each topic between
// hub lifetimes.
type SnapshotStore interface {
	// Load returns nil when the topic has no snapshot.
	Load(ctx context.Context, topic string) ([]byte, error)
	// Update replaces the snapshot with merge(current). current is nil
	// when there is none.
	Update(ctx context.Context, topic string, merge func(current []byte) ([]byte, error)) error
}

// RedisSnapshotStore stores zstd-compressed snapshots. Updates from
// several relay instances are serialized through a redis lock.
type RedisSnapshotStore struct {
	client *redis.Client
	locks  *distributed.LockManager
	ttl    time.Duration

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewRedisSnapshotStore(client *redis.Client, ttl time.Duration) (*RedisSnapshotStore, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &RedisSnapshotStore{
		client:  client,
		locks:   distributed.NewLockManager(client, "boardnet:lock:"),
		ttl:     ttl,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

func (s *RedisSnapshotStore) Load(ctx context.Context, topic string) ([]byte, error) {
	raw, err := s.client.Get(ctx, snapshotKeyPrefix+topic).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	state, err := s.decoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	return state, nil
}

func (s *RedisSnapshotStore) Update(ctx context.Context, topic string, merge func([]byte) ([]byte, error)) error {
	return s.locks.WithLock(ctx, "snapshot:"+topic, snapshotLockTTL, snapshotLockWait, func(ctx context.Context) error {
		current, err := s.Load(ctx, topic)
		if err != nil {
			return err
		}
		next, err := merge(current)
		if err != nil {
			return err
		}
		compressed := s.encoder.EncodeAll(next, make([]byte, 0, len(next)/2))
		if err := s.client.Set(ctx, snapshotKeyPrefix+topic, compressed, s.ttl).Err(); err != nil {
			return fmt.Errorf("failed to store snapshot: %w", err)
		}
		return nil
	})
}

func (s *RedisSnapshotStore) Close() {
	s.decoder.Close()
	_ = s.encoder.Close()
}

// MemorySnapshotStore keeps snapshots in process, for a single relay.
type MemorySnapshotStore struct {
	mu    sync.Mutex
	state map[string][]byte
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{state: make(map[string][]byte)}
}

func (s *MemorySnapshotStore) Load(_ context.Context, topic string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.state[topic]...), nil
}

func (s *MemorySnapshotStore) Update(_ context.Context, topic string, merge func([]byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.state[topic]
	next, err := merge(append([]byte(nil), current...))
	if err != nil {
		return err
	}
	s.state[topic] = next
	return nil
}
