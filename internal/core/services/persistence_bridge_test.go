package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"boardnet/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualTimer struct {
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// manualScheduler records debounce timers; tests fire them explicitly.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
	delays []time.Duration
}

func (s *manualScheduler) after(d time.Duration, f func()) stopper {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{fn: f}
	s.timers = append(s.timers, t)
	s.delays = append(s.delays, d)
	return t
}

func (s *manualScheduler) live() []*manualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*manualTimer
	for _, t := range s.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

// fireAll runs every timer that was not stopped, as the runtime would.
func (s *manualScheduler) fireAll() {
	for _, t := range s.live() {
		t.stopped = true
		t.fn()
	}
}

type memoryBoardStore struct {
	mu       sync.Mutex
	room     domain.Room
	elements []domain.Element
	writes   int
	clears   int
	failNext error
	failGet  error
}

func (m *memoryBoardStore) GetRoom(_ context.Context, id domain.RoomID) (*domain.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.room.ID != id {
		return nil, domain.ErrRoomNotFound
	}
	return m.room.Copy(), nil
}

func (m *memoryBoardStore) GetElements(_ context.Context, _ domain.RoomID) ([]domain.Element, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failGet; err != nil {
		m.failGet = nil
		return nil, err
	}
	return append([]domain.Element(nil), m.elements...), nil
}

func (m *memoryBoardStore) ReplaceElements(_ context.Context, _ domain.RoomID, elements []domain.Element, notes *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		return err
	}
	m.writes++
	m.elements = append([]domain.Element(nil), elements...)
	if notes != nil {
		m.room.Notes = *notes
	}
	return nil
}

func (m *memoryBoardStore) ClearElements(_ context.Context, _ domain.RoomID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
	m.elements = nil
	return nil
}

func (m *memoryBoardStore) state() (writes, clears int, elements []domain.Element, notes string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes, m.clears, append([]domain.Element(nil), m.elements...), m.room.Notes
}

func newBridge(t *testing.T, participant domain.ParticipantID, store *memoryBoardStore) (*PersistenceBridge, *BoardDocument, *manualScheduler) {
	t.Helper()
	board, _ := newBoard(participant)
	sched := &manualScheduler{}
	b := NewPersistenceBridge(store, "room-1", board, 2*time.Second, nopLogger, WithAfterFunc(sched.after))
	b.Watch()
	return b, board, sched
}

func TestPersistenceBridge_BurstCoalescesIntoOneWrite(t *testing.T) {
	store := &memoryBoardStore{room: domain.Room{ID: "room-1"}}
	_, board, sched := newBridge(t, "U1", store)

	id := board.NextElementID()
	require.NoError(t, board.Append(domain.NewRectangle(id, 0, 0, "#000")))
	for i := 1; i <= 20; i++ {
		x := float64(i)
		_, err := board.ReplaceAt(id, func(el domain.Element) domain.Element { return domain.DragTo(el, x, x) })
		require.NoError(t, err)
	}

	require.Len(t, sched.live(), 1, "each change restarts the timer")
	for _, d := range sched.delays {
		assert.Equal(t, 2*time.Second, d)
	}
	sched.fireAll()

	writes, _, elements, _ := store.state()
	assert.Equal(t, 1, writes)
	require.Len(t, elements, 1)
	assert.Equal(t, 20.0, elements[0].Props.Width)
}

func TestPersistenceBridge_FailedSaveRetriesOnNextChange(t *testing.T) {
	store := &memoryBoardStore{room: domain.Room{ID: "room-1"}, failNext: errors.New("boom")}
	_, board, sched := newBridge(t, "U1", store)

	require.NoError(t, board.Append(domain.NewCircle(board.NextElementID(), 1, 1, "#f00")))
	sched.fireAll()
	writes, _, _, _ := store.state()
	assert.Zero(t, writes)

	require.NoError(t, board.Append(domain.NewCircle(board.NextElementID(), 2, 2, "#f00")))
	sched.fireAll()
	writes, _, elements, _ := store.state()
	assert.Equal(t, 1, writes)
	assert.Len(t, elements, 2)
}

func TestPersistenceBridge_NotesSavedWithElements(t *testing.T) {
	store := &memoryBoardStore{room: domain.Room{ID: "room-1"}}
	b, _, sched := newBridge(t, "U1", store)

	b.SetNotes("agenda")
	sched.fireAll()
	_, _, _, notes := store.state()
	assert.Equal(t, "agenda", notes)
}

func TestPersistenceBridge_LoadOnJoinOnlyWhenEmpty(t *testing.T) {
	stored := []domain.Element{
		domain.NewRectangle("U0-1", 1, 1, "#000"),
		domain.NewCircle("U0-2", 5, 5, "#000"),
	}
	store := &memoryBoardStore{room: domain.Room{ID: "room-1", Notes: "saved notes"}, elements: stored}

	b1, board1, _ := newBridge(t, "U1", store)
	applied, err := b1.LoadOnJoin(context.Background())
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 2, board1.Len())
	assert.Equal(t, "saved notes", b1.Notes())

	applied, err = b1.LoadOnJoin(context.Background())
	require.NoError(t, err)
	assert.False(t, applied, "loads once per session")

	b2, board2, _ := newBridge(t, "U2", store)
	require.NoError(t, board2.Append(domain.NewRectangle(board2.NextElementID(), 0, 0, "#fff")))
	applied, err = b2.LoadOnJoin(context.Background())
	require.NoError(t, err)
	assert.False(t, applied, "a populated board is not clobbered")
	assert.Equal(t, 1, board2.Len())
}

func TestPersistenceBridge_FailedLoadIsRetriedBeforeSaving(t *testing.T) {
	stored := []domain.Element{
		domain.NewRectangle("U0-1", 1, 1, "#000"),
		domain.NewCircle("U0-2", 5, 5, "#000"),
		domain.NewRectangle("U0-3", 9, 9, "#000"),
	}
	store := &memoryBoardStore{
		room:     domain.Room{ID: "room-1"},
		elements: stored,
		failGet:  errors.New("connection reset"),
	}
	b, board, sched := newBridge(t, "U1", store)

	_, err := b.LoadOnJoin(context.Background())
	require.Error(t, err)
	assert.Zero(t, board.Len())

	applied, err := b.LoadOnJoin(context.Background())
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 3, board.Len())

	require.NoError(t, board.Append(domain.NewCircle(board.NextElementID(), 2, 2, "#f00")))
	sched.fireAll()
	_, _, elements, _ := store.state()
	assert.Len(t, elements, 4, "the stored snapshot survives the failed load")
}

func TestPersistenceBridge_LoadOnJoinMissingRoom(t *testing.T) {
	store := &memoryBoardStore{room: domain.Room{ID: "other"}}
	b, _, _ := newBridge(t, "U1", store)
	_, err := b.LoadOnJoin(context.Background())
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestPersistenceBridge_ClearDropsPendingSave(t *testing.T) {
	store := &memoryBoardStore{room: domain.Room{ID: "room-1"}}
	b, board, sched := newBridge(t, "U1", store)

	require.NoError(t, board.Append(domain.NewRectangle(board.NextElementID(), 0, 0, "#000")))
	require.True(t, b.Pending())
	require.NoError(t, b.Clear(context.Background()))

	assert.False(t, b.Pending())
	assert.Zero(t, board.Len())
	sched.fireAll()
	writes, clears, elements, _ := store.state()
	assert.Zero(t, writes)
	assert.Equal(t, 1, clears)
	assert.Empty(t, elements)
}

func TestPersistenceBridge_CloseFlushes(t *testing.T) {
	store := &memoryBoardStore{room: domain.Room{ID: "room-1"}}
	b, board, sched := newBridge(t, "U1", store)

	require.NoError(t, board.Append(domain.NewRectangle(board.NextElementID(), 0, 0, "#000")))
	require.NoError(t, b.Close(context.Background()))
	writes, _, elements, _ := store.state()
	assert.Equal(t, 1, writes)
	assert.Len(t, elements, 1)

	// Stale timers and later changes do nothing once closed.
	sched.fireAll()
	require.NoError(t, board.Append(domain.NewRectangle(board.NextElementID(), 1, 1, "#000")))
	assert.False(t, b.Pending())
	writes, _, _, _ = store.state()
	assert.Equal(t, 1, writes)
}

func TestPersistenceBridge_RealTimerDebounce(t *testing.T) {
	store := &memoryBoardStore{room: domain.Room{ID: "room-1"}}
	board, _ := newBoard("U1")
	b := NewPersistenceBridge(store, "room-1", board, 30*time.Millisecond, nopLogger)
	b.Watch()

	for i := 0; i < 5; i++ {
		require.NoError(t, board.Append(domain.NewCircle(board.NextElementID(), float64(i), 0, "#000")))
	}
	assert.Eventually(t, func() bool {
		w, _, _, _ := store.state()
		return w == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	writes, _, elements, _ := store.state()
	assert.Equal(t, 1, writes)
	assert.Len(t, elements, 5)
}
