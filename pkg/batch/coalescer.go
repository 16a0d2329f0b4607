package batch

import (
	"context"
	"sync"
	"time"
)

// Flusher writes one batch of coalesced values.
type Flusher[K comparable, V any] func(ctx context.Context, batch map[K]V) error

// Coalescer collects keyed writes and hands them to a Flusher in batches.
// A key added twice before a flush is written once, with the later value.
type Coalescer[K comparable, V any] struct {
	maxSize  int
	interval time.Duration
	flusher  Flusher[K, V]
	onError  func(error)

	mu      sync.Mutex
	pending map[K]V

	kick     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New starts a coalescer that flushes every interval, or sooner once
// maxSize distinct keys are pending. onError may be nil.
func New[K comparable, V any](maxSize int, interval time.Duration, flusher Flusher[K, V], onError func(error)) *Coalescer[K, V] {
	c := &Coalescer[K, V]{
		maxSize:  maxSize,
		interval: interval,
		flusher:  flusher,
		onError:  onError,
		pending:  make(map[K]V),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Coalescer[K, V]) Add(key K, value V) {
	c.mu.Lock()
	c.pending[key] = value
	full := c.maxSize > 0 && len(c.pending) >= c.maxSize
	c.mu.Unlock()

	if full {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

// Flush writes everything pending now.
func (c *Coalescer[K, V]) Flush(ctx context.Context) error {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil
	}
	batch := c.pending
	c.pending = make(map[K]V, len(batch))
	c.mu.Unlock()

	return c.flusher(ctx, batch)
}

func (c *Coalescer[K, V]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coalescer[K, V]) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flushReporting()
		case <-c.kick:
			c.flushReporting()
		case <-c.stop:
			c.flushReporting()
			return
		}
	}
}

func (c *Coalescer[K, V]) flushReporting() {
	if err := c.Flush(context.Background()); err != nil && c.onError != nil {
		c.onError(err)
	}
}

// Stop performs a final flush and waits for it.
func (c *Coalescer[K, V]) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}
