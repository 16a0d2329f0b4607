package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"boardnet/internal/core/domain"
	"boardnet/internal/core/ports"

	"go.uber.org/zap"
)

type stopper interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) stopper

type BridgeOption func(*PersistenceBridge)

// WithAfterFunc replaces time.AfterFunc as the debounce timer source.
func WithAfterFunc(fn func(d time.Duration, f func()) stopper) BridgeOption {
	return func(b *PersistenceBridge) { b.after = fn }
}

func WithSaveTimeout(d time.Duration) BridgeOption {
	return func(b *PersistenceBridge) { b.timeout = d }
}

// SaveMetrics observes every write to the durable store.
type SaveMetrics interface {
	BoardSaved(elements int, d time.Duration, err error)
}

func WithSaveMetrics(m SaveMetrics) BridgeOption {
	return func(b *PersistenceBridge) { b.metrics = m }
}

// PersistenceBridge writes the board to the durable store a fixed delay
// after the last change and hydrates an empty board on join.
type PersistenceBridge struct {
	store   ports.BoardStore
	room    domain.RoomID
	board   *BoardDocument
	delay   time.Duration
	timeout time.Duration
	after   afterFunc
	metrics SaveMetrics
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	timer   stopper
	gen     uint64
	notes   string
	loaded  bool
	closed  bool
	unwatch func()
	saving  sync.WaitGroup

	loadMu sync.Mutex
}

func NewPersistenceBridge(store ports.BoardStore, room domain.RoomID, board *BoardDocument, delay time.Duration, logger *zap.SugaredLogger, opts ...BridgeOption) *PersistenceBridge {
	b := &PersistenceBridge{
		store:   store,
		room:    room,
		board:   board,
		delay:   delay,
		timeout: 10 * time.Second,
		after: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		logger: logger.With("room_id", string(room)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Watch schedules a save after every board change until the bridge closes.
func (b *PersistenceBridge) Watch() {
	unwatch := b.board.Subscribe(func(BoardChange) { b.DebouncedSave() })
	b.mu.Lock()
	b.unwatch = unwatch
	b.mu.Unlock()
}

// DebouncedSave restarts the save timer.
func (b *PersistenceBridge) DebouncedSave() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.gen++
	gen := b.gen
	b.timer = b.after(b.delay, func() { b.fire(gen) })
}

func (b *PersistenceBridge) fire(gen uint64) {
	b.mu.Lock()
	if gen != b.gen || b.timer == nil {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	b.saving.Add(1)
	b.mu.Unlock()
	defer b.saving.Done()

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.save(ctx); err != nil {
		// The next change schedules another attempt.
		b.logger.Warnw("Board save failed", "error", err)
	}
}

func (b *PersistenceBridge) save(ctx context.Context) error {
	elements := b.board.SnapshotArray()
	b.mu.Lock()
	notes := b.notes
	b.mu.Unlock()

	start := time.Now()
	err := b.store.ReplaceElements(ctx, b.room, elements, &notes)
	if b.metrics != nil {
		b.metrics.BoardSaved(len(elements), time.Since(start), err)
	}
	if err != nil {
		return fmt.Errorf("replace elements: %w", err)
	}
	b.logger.Debugw("Board saved", "elements", len(elements), "duration", time.Since(start))
	return nil
}

// SetNotes updates the notes saved alongside the elements.
func (b *PersistenceBridge) SetNotes(notes string) {
	b.mu.Lock()
	b.notes = notes
	b.mu.Unlock()
	b.DebouncedSave()
}

func (b *PersistenceBridge) Notes() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notes
}

// LoadOnJoin fetches the stored snapshot once per session and seeds the
// board with it if nobody has populated the board yet. It reports whether
// the snapshot was applied. A failed load is attempted again by the next
// call.
func (b *PersistenceBridge) LoadOnJoin(ctx context.Context) (bool, error) {
	b.loadMu.Lock()
	defer b.loadMu.Unlock()

	b.mu.Lock()
	loaded := b.loaded
	b.mu.Unlock()
	if loaded {
		return false, nil
	}

	applied, err := b.load(ctx)
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	b.loaded = true
	b.mu.Unlock()
	return applied, nil
}

func (b *PersistenceBridge) load(ctx context.Context) (bool, error) {

	room, err := b.store.GetRoom(ctx, b.room)
	if err != nil {
		return false, fmt.Errorf("load room: %w", err)
	}
	b.mu.Lock()
	if b.notes == "" {
		b.notes = room.Notes
	}
	b.mu.Unlock()

	elements, err := b.store.GetElements(ctx, b.room)
	if err != nil {
		return false, fmt.Errorf("load elements: %w", err)
	}
	if len(elements) == 0 {
		return false, nil
	}
	applied, err := b.board.Bootstrap(elements)
	if err != nil {
		return false, err
	}
	b.logger.Infow("Loaded stored board", "elements", len(elements), "applied", applied)
	return applied, nil
}

// Clear empties the board and deletes the stored snapshot. A pending save
// is dropped.
func (b *PersistenceBridge) Clear(ctx context.Context) error {
	if err := b.board.Clear(); err != nil {
		return err
	}
	b.cancel()
	if err := b.store.ClearElements(ctx, b.room); err != nil {
		return fmt.Errorf("clear elements: %w", err)
	}
	return nil
}

func (b *PersistenceBridge) cancel() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer == nil {
		return false
	}
	b.timer.Stop()
	b.timer = nil
	b.gen++
	return true
}

// Pending reports whether a save is scheduled.
func (b *PersistenceBridge) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timer != nil
}

// Flush performs a scheduled save immediately.
func (b *PersistenceBridge) Flush(ctx context.Context) error {
	if !b.cancel() {
		return nil
	}
	return b.save(ctx)
}

// Close stops watching the board and flushes a pending save.
func (b *PersistenceBridge) Close(ctx context.Context) error {
	b.mu.Lock()
	unwatch := b.unwatch
	b.unwatch = nil
	b.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}

	err := b.Flush(ctx)

	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.saving.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
