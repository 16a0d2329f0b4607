package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"boardnet/internal/core/domain"
	"boardnet/internal/crdt"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testLogger = zap.NewNop().Sugar()

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, _ []byte) error {
	p.mu.Lock()
	p.topics = append(p.topics, topic)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.topics)
}

type staticTokens map[string]domain.UserID

func (s staticTokens) ValidateToken(token string) (*domain.User, error) {
	id, ok := s[token]
	if !ok {
		return nil, domain.ErrInvalidToken
	}
	return &domain.User{ID: id}, nil
}

type roomACL map[domain.RoomID]domain.UserID

func (a roomACL) AuthorizeRoom(_ context.Context, user domain.UserID, room domain.RoomID) error {
	owner, ok := a[room]
	if !ok {
		return domain.ErrRoomNotFound
	}
	if owner != user {
		return domain.ErrRoomAccessDenied
	}
	return nil
}

func startRelay(t *testing.T, opts ...Option) (*Server, string) {
	t.Helper()
	s := NewServer(Config{PingInterval: time.Second, PongTimeout: 5 * time.Second}, "test", testLogger, opts...)
	ts := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		ts.Close()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, base, topic, participant string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(base+"?topic="+topic+"&participant_id="+participant, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := DecodeFrame(data)
	require.NoError(t, err)
	return f
}

func sendFrame(t *testing.T, conn *websocket.Conn, f Frame) {
	t.Helper()
	data, err := EncodeFrame(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data))
}

// pushUpdate appends values to the elements array of doc and returns the
// update it produced.
func pushUpdate(t *testing.T, doc *crdt.Doc, values ...string) []byte {
	t.Helper()
	var update []byte
	unsub := doc.OnUpdate(func(u []byte, _ any) { update = u })
	defer unsub()
	arr := doc.Array("elements")
	require.NoError(t, doc.Transact(nil, func(tx *crdt.Txn) error {
		for _, v := range values {
			if err := tx.Array(arr).Push([]byte(v)); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NotNil(t, update)
	return update
}

func elementsOf(t *testing.T, state []byte) []string {
	t.Helper()
	doc := crdt.NewDoc("reader")
	require.NoError(t, doc.ApplyUpdate(state, nil))
	var out []string
	for _, v := range doc.Array("elements").ToSlice() {
		out = append(out, string(v))
	}
	return out
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "whiteboard-r1", TopicForRoom("r1"))
	id, err := RoomFromTopic("whiteboard-r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("r1"), id)

	for _, bad := range []string{"", "whiteboard-", "room-r1", "whiteboard-a/b"} {
		_, err := RoomFromTopic(bad)
		assert.Error(t, err, bad)
	}
}

func TestDecodeFrame_Rejects(t *testing.T) {
	_, err := DecodeFrame([]byte{0xff})
	assert.Error(t, err)

	data, err := EncodeFrame(Frame{Kind: FrameUpdate})
	require.NoError(t, err)
	_, err = DecodeFrame(data)
	assert.Error(t, err, "empty update")

	data, err = EncodeFrame(Frame{Kind: 42, Data: []byte{1}})
	require.NoError(t, err)
	_, err = DecodeFrame(data)
	assert.Error(t, err)
}

func TestServer_LateJoinerGetsState(t *testing.T) {
	pub := &recordingPublisher{}
	_, base := startRelay(t, WithPublisher(pub))

	a := dial(t, base, "whiteboard-r1", "A")
	assert.Equal(t, FrameSync, readFrame(t, a).Kind)

	doc := crdt.NewDoc("A")
	sendFrame(t, a, Frame{Kind: FrameUpdate, Data: pushUpdate(t, doc, "rect")})
	require.Eventually(t, func() bool { return pub.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	b := dial(t, base, "whiteboard-r1", "B")
	f := readFrame(t, b)
	require.Equal(t, FrameSync, f.Kind)
	assert.Equal(t, []string{"rect"}, elementsOf(t, f.Data))
}

func TestServer_FansOutWithoutEcho(t *testing.T) {
	_, base := startRelay(t)

	a := dial(t, base, "whiteboard-r1", "A")
	readFrame(t, a)
	b := dial(t, base, "whiteboard-r1", "B")
	readFrame(t, b)
	other := dial(t, base, "whiteboard-r2", "C")
	readFrame(t, other)

	doc := crdt.NewDoc("A")
	sendFrame(t, a, Frame{Kind: FrameUpdate, Data: pushUpdate(t, doc, "circle")})

	f := readFrame(t, b)
	require.Equal(t, FrameUpdate, f.Kind)
	replica := crdt.NewDoc("B")
	require.NoError(t, replica.ApplyUpdate(f.Data, nil))
	assert.Equal(t, 1, replica.Array("elements").Len())

	// Neither the sender nor another topic hears about it.
	for _, conn := range []*websocket.Conn{a, other} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
		_, _, err := conn.ReadMessage()
		var netErr interface{ Timeout() bool }
		require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected frame: %v", err)
	}
}

func TestServer_DuplicateUpdatesAreNotRebroadcast(t *testing.T) {
	pub := &recordingPublisher{}
	_, base := startRelay(t, WithPublisher(pub))
	a := dial(t, base, "whiteboard-r1", "A")
	readFrame(t, a)

	update := pushUpdate(t, crdt.NewDoc("A"), "x")
	sendFrame(t, a, Frame{Kind: FrameUpdate, Data: update})
	sendFrame(t, a, Frame{Kind: FrameSync, Data: update})
	require.Eventually(t, func() bool { return pub.count() >= 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, pub.count())
}

func TestServer_BusUpdatesReachLocalClients(t *testing.T) {
	pub := &recordingPublisher{}
	s, base := startRelay(t, WithPublisher(pub))
	a := dial(t, base, "whiteboard-r1", "A")
	readFrame(t, a)

	s.HandleBusUpdate("whiteboard-r1", pushUpdate(t, crdt.NewDoc("Z"), "remote"))
	s.HandleBusUpdate("whiteboard-none", pushUpdate(t, crdt.NewDoc("Y"), "ignored"))

	f := readFrame(t, a)
	assert.Equal(t, FrameUpdate, f.Kind)
	assert.Zero(t, pub.count(), "bus updates are not republished")
}

func TestServer_MalformedFrameGetsError(t *testing.T) {
	_, base := startRelay(t)
	a := dial(t, base, "whiteboard-r1", "A")
	readFrame(t, a)

	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, []byte("nope")))
	f := readFrame(t, a)
	assert.Equal(t, FrameError, f.Kind)
	assert.NotEmpty(t, f.Message)
}

func TestServer_SnapshotSurvivesEmptyHub(t *testing.T) {
	store := NewMemorySnapshotStore()
	s, base := startRelay(t, WithSnapshots(store))

	a := dial(t, base, "whiteboard-r1", "A")
	readFrame(t, a)
	sendFrame(t, a, Frame{Kind: FrameUpdate, Data: pushUpdate(t, crdt.NewDoc("A"), "kept")})
	require.Eventually(t, func() bool {
		s.mu.Lock()
		h := s.hubs["whiteboard-r1"]
		s.mu.Unlock()
		return h != nil && h.doc.Array("elements").Len() == 1
	}, 5*time.Second, 10*time.Millisecond)
	a.Close()

	require.Eventually(t, func() bool {
		state, _ := store.Load(context.Background(), "whiteboard-r1")
		return state != nil
	}, 5*time.Second, 10*time.Millisecond)

	b := dial(t, base, "whiteboard-r1", "B")
	f := readFrame(t, b)
	assert.Equal(t, []string{"kept"}, elementsOf(t, f.Data))
}

func TestServer_RejectsBadRequests(t *testing.T) {
	tokens := staticTokens{"good": "u1", "other": "u2"}
	acl := roomACL{"r1": "u1"}
	_, base := startRelay(t, WithTokenValidator(tokens), WithAuthorizer(acl))

	cases := []struct {
		name   string
		query  string
		status int
	}{
		{"bad topic", "?topic=lobby&participant_id=A&token=good", http.StatusBadRequest},
		{"no participant", "?topic=whiteboard-r1&token=good", http.StatusBadRequest},
		{"bad token", "?topic=whiteboard-r1&participant_id=A&token=forged", http.StatusUnauthorized},
		{"missing room", "?topic=whiteboard-r9&participant_id=A&token=good", http.StatusNotFound},
		{"foreign room", "?topic=whiteboard-r1&participant_id=A&token=other", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(base+tc.query, nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}

	conn, _, err := websocket.DefaultDialer.Dial(base+"?topic=whiteboard-r1&participant_id=A&token=good", nil)
	require.NoError(t, err)
	conn.Close()
}

func TestServer_RateLimitDisconnects(t *testing.T) {
	s := NewServer(Config{MessagesPerSecond: 1, MessageBurst: 1}, "test", testLogger)
	ts := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	defer ts.Close()
	base := "ws" + strings.TrimPrefix(ts.URL, "http")

	a := dial(t, base, "whiteboard-r1", "A")
	readFrame(t, a)
	doc := crdt.NewDoc("A")
	for i := 0; i < 3; i++ {
		sendFrame(t, a, Frame{Kind: FrameUpdate, Data: pushUpdate(t, doc, "x")})
	}

	sawError := false
	for {
		require.NoError(t, a.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := a.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
			break
		}
		if f, err := DecodeFrame(data); err == nil && f.Kind == FrameError {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestMergeStates(t *testing.T) {
	a := crdt.NewDoc("A")
	pushUpdate(t, a, "one")
	b := crdt.NewDoc("B")
	pushUpdate(t, b, "two")
	sa, err := a.EncodeState()
	require.NoError(t, err)
	sb, err := b.EncodeState()
	require.NoError(t, err)

	merged, err := mergeStates(sa, sb)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"one", "two"}, elementsOf(t, merged))

	only, err := mergeStates(nil, sb)
	require.NoError(t, err)
	assert.Equal(t, sb, only)
}

func TestServer_ConcurrentWritersConverge(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}
	const writers, updatesEach = 8, 10

	pub := &recordingPublisher{}
	_, base := startRelay(t, WithPublisher(pub))

	conns := make([]*websocket.Conn, writers)
	frames := make([][][]byte, writers)
	for i := range conns {
		id := fmt.Sprintf("W%d", i)
		conns[i] = dial(t, base, "whiteboard-load", id)
		readFrame(t, conns[i])

		doc := crdt.NewDoc(id)
		for j := 0; j < updatesEach; j++ {
			data, err := EncodeFrame(Frame{Kind: FrameUpdate, Data: pushUpdate(t, doc, fmt.Sprintf("%s-%d", id, j))})
			require.NoError(t, err)
			frames[i] = append(frames[i], data)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range conns {
		wg.Add(1)
		go func(conn *websocket.Conn, frames [][]byte) {
			defer wg.Done()
			for _, f := range frames {
				if err := conn.WriteMessage(websocket.BinaryMessage, f); err != nil {
					errs <- err
					return
				}
			}
		}(conns[i], frames[i])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return pub.count() == writers*updatesEach }, 10*time.Second, 20*time.Millisecond)

	late := dial(t, base, "whiteboard-load", "late")
	f := readFrame(t, late)
	require.Equal(t, FrameSync, f.Kind)
	assert.Len(t, elementsOf(t, f.Data), writers*updatesEach)
}

type memoryPresence struct {
	mu      sync.Mutex
	topics  map[string]map[string]Participant
	cleaned bool
}

func newMemoryPresence() *memoryPresence {
	return &memoryPresence{topics: make(map[string]map[string]Participant)}
}

func (m *memoryPresence) Join(_ context.Context, topic string, p Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.topics[topic] == nil {
		m.topics[topic] = make(map[string]Participant)
	}
	m.topics[topic][p.ID] = p
	return nil
}

func (m *memoryPresence) Leave(_ context.Context, topic, participant, conn string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.topics[topic][participant]; ok && p.Conn == conn {
		delete(m.topics[topic], participant)
	}
	return nil
}

func (m *memoryPresence) Participants(_ context.Context, topic string) ([]Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Participant
	for _, p := range m.topics[topic] {
		out = append(out, p)
	}
	return out, nil
}

func (m *memoryPresence) Refresh(context.Context) error { return nil }

func (m *memoryPresence) Cleanup(context.Context) error {
	m.mu.Lock()
	m.cleaned = true
	m.mu.Unlock()
	return nil
}

func (m *memoryPresence) ids(topic string) []string {
	ps, _ := m.Participants(context.Background(), topic)
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	slices.Sort(out)
	return out
}

func TestServer_PresenceFollowsConnections(t *testing.T) {
	presence := newMemoryPresence()
	s := NewServer(Config{PingInterval: time.Second, PongTimeout: 5 * time.Second}, "relay-1", testLogger, WithPresence(presence))
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/presence", s.HandlePresence)
	ts := httptest.NewServer(mux)
	defer ts.Close()
	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	a := dial(t, base, "whiteboard-r1", "A")
	readFrame(t, a)
	b := dial(t, base, "whiteboard-r1", "B")
	readFrame(t, b)
	require.Eventually(t, func() bool {
		return slices.Equal([]string{"A", "B"}, presence.ids("whiteboard-r1"))
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(ts.URL + "/presence?topic=whiteboard-r1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Participants []Participant `json:"participants"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Participants, 2)
	for _, p := range body.Participants {
		assert.Equal(t, "relay-1", p.Instance)
	}

	// A reconnect of A replaces its entry; closing the old socket must not
	// remove the new one.
	a2 := dial(t, base, "whiteboard-r1", "A")
	readFrame(t, a2)
	a.Close()
	b.Close()
	require.Eventually(t, func() bool {
		return slices.Equal([]string{"A"}, presence.ids("whiteboard-r1"))
	}, 5*time.Second, 10*time.Millisecond)

	a2.Close()
	require.Eventually(t, func() bool {
		return len(presence.ids("whiteboard-r1")) == 0
	}, 5*time.Second, 10*time.Millisecond)

	resp, err = http.Get(ts.URL + "/presence?topic=lobby")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	presence.mu.Lock()
	assert.True(t, presence.cleaned)
	presence.mu.Unlock()
}
