package distributed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"boardnet/internal/infrastructure/relay"
	"boardnet/pkg/codec"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const presencePrefix = "boardnet:presence:"

// PresenceRegistry is the relay presence shared by every instance. Each
// topic is a hash of participant entries; each instance keeps a set of the
// entries it wrote and a heartbeat key. Entries whose instance stopped
// heartbeating are dropped on read.
type PresenceRegistry struct {
	client     *redis.Client
	instanceID string
	ttl        time.Duration
	logger     *zap.SugaredLogger
}

func NewPresenceRegistry(client *redis.Client, instanceID string, ttl time.Duration, logger *zap.SugaredLogger) *PresenceRegistry {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &PresenceRegistry{
		client:     client,
		instanceID: instanceID,
		ttl:        ttl,
		logger:     logger,
	}
}

func (r *PresenceRegistry) topicKey(topic string) string {
	return presencePrefix + "topic:" + topic
}

func (r *PresenceRegistry) instanceKey(id string) string {
	return presencePrefix + "instance:" + id
}

func (r *PresenceRegistry) aliveKey(id string) string {
	return presencePrefix + "alive:" + id
}

// Members of the instance set are "<topic>\n<participant>".
func entryMember(topic, participant string) string {
	return topic + "\n" + participant
}

func splitEntry(member string) (topic, participant string, ok bool) {
	return strings.Cut(member, "\n")
}

func (r *PresenceRegistry) Join(ctx context.Context, topic string, p relay.Participant) error {
	p.Instance = r.instanceID
	data, err := codec.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode participant: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.topicKey(topic), p.ID, data)
		pipe.Expire(ctx, r.topicKey(topic), r.ttl)
		pipe.SAdd(ctx, r.instanceKey(r.instanceID), entryMember(topic, p.ID))
		pipe.Expire(ctx, r.instanceKey(r.instanceID), r.ttl)
		pipe.Set(ctx, r.aliveKey(r.instanceID), time.Now().Unix(), r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register participant: %w", err)
	}
	return nil
}

// Leave removes the participant unless a newer connection took the entry
// over.
func (r *PresenceRegistry) Leave(ctx context.Context, topic, participant, conn string) error {
	key := r.topicKey(topic)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, key, participant).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var p relay.Participant
		if err := codec.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("failed to decode participant: %w", err)
		}
		if p.Conn != conn {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, key, participant)
			pipe.SRem(ctx, r.instanceKey(p.Instance), entryMember(topic, participant))
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// The entry changed under us, so it belongs to someone else now.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to unregister participant: %w", err)
	}
	return nil
}

// Participants lists the live participants of topic on every instance.
func (r *PresenceRegistry) Participants(ctx context.Context, topic string) ([]relay.Participant, error) {
	key := r.topicKey(topic)
	entries, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}

	out := make([]relay.Participant, 0, len(entries))
	alive := make(map[string]bool)
	var stale []string
	for field, data := range entries {
		var p relay.Participant
		if err := codec.Unmarshal([]byte(data), &p); err != nil {
			r.logger.Warnw("dropping undecodable presence entry", "topic", topic, "participant_id", field, "error", err)
			stale = append(stale, field)
			continue
		}
		live, seen := alive[p.Instance]
		if !seen {
			n, err := r.client.Exists(ctx, r.aliveKey(p.Instance)).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to check instance %s: %w", p.Instance, err)
			}
			live = n > 0
			alive[p.Instance] = live
		}
		if !live {
			stale = append(stale, field)
			continue
		}
		out = append(out, p)
	}

	if len(stale) > 0 {
		if err := r.client.HDel(ctx, key, stale...).Err(); err != nil {
			r.logger.Warnw("failed to drop stale presence", "topic", topic, "error", err)
		} else {
			r.logger.Debugw("dropped stale presence", "topic", topic, "count", len(stale))
		}
	}
	return out, nil
}

// Refresh extends the heartbeat and every topic this instance has entries
// in.
func (r *PresenceRegistry) Refresh(ctx context.Context) error {
	members, err := r.client.SMembers(ctx, r.instanceKey(r.instanceID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list instance presence: %w", err)
	}

	topics := make(map[string]struct{})
	for _, m := range members {
		if topic, _, ok := splitEntry(m); ok {
			topics[topic] = struct{}{}
		}
	}

	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.aliveKey(r.instanceID), time.Now().Unix(), r.ttl)
		if len(members) > 0 {
			pipe.Expire(ctx, r.instanceKey(r.instanceID), r.ttl)
		}
		for topic := range topics {
			pipe.Expire(ctx, r.topicKey(topic), r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

// Cleanup drops every entry this instance still owns. Entries another
// instance took over are left alone.
func (r *PresenceRegistry) Cleanup(ctx context.Context) error {
	members, err := r.client.SMembers(ctx, r.instanceKey(r.instanceID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list instance presence: %w", err)
	}

	removed := 0
	for _, m := range members {
		topic, participant, ok := splitEntry(m)
		if !ok {
			continue
		}
		data, err := r.client.HGet(ctx, r.topicKey(topic), participant).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read presence: %w", err)
		}
		var p relay.Participant
		if err := codec.Unmarshal(data, &p); err == nil && p.Instance != r.instanceID {
			continue
		}
		if err := r.client.HDel(ctx, r.topicKey(topic), participant).Err(); err != nil {
			return fmt.Errorf("failed to remove presence: %w", err)
		}
		removed++
	}

	if err := r.client.Del(ctx, r.instanceKey(r.instanceID), r.aliveKey(r.instanceID)).Err(); err != nil {
		return fmt.Errorf("failed to remove instance presence: %w", err)
	}
	r.logger.Infow("cleaned up instance presence", "removed", removed)
	return nil
}
