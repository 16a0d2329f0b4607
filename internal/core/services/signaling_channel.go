package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"boardnet/internal/core/domain"
	"boardnet/internal/crdt"
	"boardnet/pkg/codec"
	"boardnet/pkg/utils"

	"go.uber.org/zap"
)

const signalsMap = "signals"

// SignalMetrics receives channel counters; nil disables them.
type SignalMetrics interface {
	SignalSent(t domain.SignalType)
	SignalReceived(t domain.SignalType)
	SignalsCollected(n int)
}

type SignalOption func(*SignalingChannel)

func WithSignalClock(now func() time.Time) SignalOption {
	return func(s *SignalingChannel) { s.now = now }
}

func WithSignalMetrics(m SignalMetrics) SignalOption {
	return func(s *SignalingChannel) { s.metrics = m }
}

// SignalingChannel exchanges control messages through a shared map in the
// room document. Every message gets its own key, so concurrent senders
// never overwrite each other, and every participant purges expired keys.
type SignalingChannel struct {
	doc     *crdt.Doc
	signals *crdt.Map
	self    domain.ParticipantID
	horizon time.Duration
	now     func() time.Time
	logger  *zap.SugaredLogger
	metrics SignalMetrics

	mu        sync.Mutex
	seen      map[string]struct{}
	handlers  map[uint64]func(domain.SignalMessage)
	next      uint64
	unobserve func()
}

func NewSignalingChannel(doc *crdt.Doc, self domain.ParticipantID, horizon time.Duration, logger *zap.SugaredLogger, opts ...SignalOption) *SignalingChannel {
	s := &SignalingChannel{
		doc:      doc,
		signals:  doc.Map(signalsMap),
		self:     self,
		horizon:  horizon,
		now:      time.Now,
		logger:   logger,
		seen:     make(map[string]struct{}),
		handlers: make(map[uint64]func(domain.SignalMessage)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.unobserve = s.signals.Observe(s.onChange)
	return s
}

func (s *SignalingChannel) Self() domain.ParticipantID { return s.self }

// Send stamps msg with the local sender and time and publishes it.
func (s *SignalingChannel) Send(msg domain.SignalMessage) (string, error) {
	if !msg.Type.Valid() {
		return "", fmt.Errorf("%w: type %q", domain.ErrInvalidSignal, msg.Type)
	}
	now := s.now()
	msg.From = s.self
	msg.SentAt = now.UnixMilli()

	data, err := codec.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode signal: %w", err)
	}
	key := utils.SignalKey(string(s.self), now)

	s.mu.Lock()
	s.seen[key] = struct{}{}
	s.mu.Unlock()

	err = s.doc.Transact(s, func(tx *crdt.Txn) error {
		tx.Map(s.signals).Set(key, data)
		return nil
	})
	if err != nil {
		return "", err
	}
	if s.metrics != nil {
		s.metrics.SignalSent(msg.Type)
	}
	return key, nil
}

// Subscribe registers fn for messages addressed to this participant. Each
// key is delivered at most once.
func (s *SignalingChannel) Subscribe(fn func(domain.SignalMessage)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	h := s.next
	s.handlers[h] = fn
	return func() {
		s.mu.Lock()
		delete(s.handlers, h)
		s.mu.Unlock()
	}
}

// Replay delivers messages already present in the map, e.g. those synced
// before Subscribe was called.
func (s *SignalingChannel) Replay() {
	s.deliver(s.signals.Keys())
}

func (s *SignalingChannel) onChange(ev crdt.MapEvent) {
	if ev.Origin == s {
		return
	}
	s.deliver(ev.Keys)
}

func (s *SignalingChannel) deliver(keys []string) {
	cutoff := s.now().Add(-s.horizon)

	for _, key := range keys {
		raw, ok := s.signals.Get(key)
		if !ok {
			s.mu.Lock()
			delete(s.seen, key)
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		_, dup := s.seen[key]
		if !dup {
			s.seen[key] = struct{}{}
		}
		s.mu.Unlock()
		if dup {
			continue
		}

		var msg domain.SignalMessage
		if err := codec.Unmarshal(raw, &msg); err != nil {
			s.logger.Warnw("Dropping undecodable signal", "key", key, "error", err)
			continue
		}
		if !msg.AddressedTo(s.self) {
			continue
		}
		if msg.SentTime().Before(cutoff) {
			continue
		}
		if s.metrics != nil {
			s.metrics.SignalReceived(msg.Type)
		}
		for _, fn := range s.handlerList() {
			fn(msg)
		}
	}
}

func (s *SignalingChannel) handlerList() []func(domain.SignalMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]func(domain.SignalMessage), 0, len(s.handlers))
	for _, h := range sortedHandleKeys(s.handlers) {
		out = append(out, s.handlers[h])
	}
	return out
}

// CollectGarbage deletes every message older than the horizon, whoever
// sent it. Deleting is idempotent, so all participants may do it.
// Tombstones of keys older than twice the horizon are forgotten locally.
func (s *SignalingChannel) CollectGarbage() (int, error) {
	now := s.now()
	cutoff := now.Add(-s.horizon)
	purgeBefore := now.Add(-2 * s.horizon)
	removed, purged := 0, 0
	err := s.doc.Transact(s, func(tx *crdt.Txn) error {
		mt := tx.Map(s.signals)
		for _, key := range mt.Keys() {
			sent, ok := utils.SignalKeyTime(key)
			if !ok || sent.Before(cutoff) {
				mt.Delete(key)
				removed++
			}
		}
		purged = mt.PurgeTombstones(func(key string) bool {
			sent, ok := utils.SignalKeyTime(key)
			return !ok || sent.Before(purgeBefore)
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		s.logger.Debugw("Purged signal tombstones", "count", purged)
	}
	if removed > 0 {
		s.mu.Lock()
		for key := range s.seen {
			if sent, ok := utils.SignalKeyTime(key); !ok || sent.Before(cutoff) {
				delete(s.seen, key)
			}
		}
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.SignalsCollected(removed)
		}
	}
	return removed, nil
}

// RunGC collects garbage every interval until ctx is done.
func (s *SignalingChannel) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.CollectGarbage(); err != nil {
				s.logger.Warnw("Signal garbage collection failed", "error", err)
			} else if n > 0 {
				s.logger.Debugw("Collected expired signals", "count", n)
			}
		}
	}
}

func (s *SignalingChannel) Close() {
	if s.unobserve != nil {
		s.unobserve()
	}
}
