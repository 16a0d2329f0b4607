package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"boardnet/internal/core/domain"
	"boardnet/internal/crdt"
	"boardnet/internal/infrastructure/relay"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testLogger = zap.NewNop().Sugar()

type denyAll struct{}

func (denyAll) ValidateToken(string) (*domain.User, error) { return &domain.User{ID: "u1"}, nil }

func (denyAll) AuthorizeRoom(context.Context, domain.UserID, domain.RoomID) error {
	return domain.ErrRoomAccessDenied
}

func startRelay(t *testing.T, opts ...relay.Option) string {
	t.Helper()
	s := relay.NewServer(relay.Config{}, "test", testLogger, opts...)
	ts := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func push(t *testing.T, doc *crdt.Doc, values ...string) {
	t.Helper()
	arr := doc.Array("elements")
	require.NoError(t, doc.Transact(nil, func(tx *crdt.Txn) error {
		for _, v := range values {
			if err := tx.Array(arr).Push([]byte(v)); err != nil {
				return err
			}
		}
		return nil
	}))
}

func values(doc *crdt.Doc) []string {
	var out []string
	for _, v := range doc.Array("elements").ToSlice() {
		out = append(out, string(v))
	}
	return out
}

func run(t *testing.T, doc *crdt.Doc, url string, participant domain.ParticipantID) (*Provider, context.CancelFunc, <-chan error) {
	t.Helper()
	p := New(doc, Config{URL: url, Room: "r1", Participant: participant}, testLogger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(cancel)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, p.WaitSynced(waitCtx))
	return p, cancel, done
}

func TestProvider_ReplicasConverge(t *testing.T) {
	url := startRelay(t)
	a, b := crdt.NewDoc("A"), crdt.NewDoc("B")
	pa, _, _ := run(t, a, url, "A")
	run(t, b, url, "B")
	assert.Equal(t, StatusConnected, pa.Status())

	push(t, a, "rect")
	push(t, b, "circle")

	assert.Eventually(t, func() bool {
		return len(values(a)) == 2 && len(values(b)) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, values(a), values(b))
}

func TestProvider_ResyncsOfflineChanges(t *testing.T) {
	url := startRelay(t)
	a, b := crdt.NewDoc("A"), crdt.NewDoc("B")
	_, stopA, doneA := run(t, a, url, "A")
	run(t, b, url, "B")

	push(t, a, "before")
	require.Eventually(t, func() bool { return len(values(b)) == 1 }, 5*time.Second, 10*time.Millisecond)

	stopA()
	require.NoError(t, <-doneA)
	push(t, a, "offline-1", "offline-2")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, values(b), 1, "nothing flows while offline")

	run(t, a, url, "A")
	assert.Eventually(t, func() bool { return len(values(b)) == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, values(a), values(b))
}

func TestProvider_LateJoinerSyncsFromRelay(t *testing.T) {
	url := startRelay(t)
	a := crdt.NewDoc("A")
	run(t, a, url, "A")
	push(t, a, "one", "two")

	b := crdt.NewDoc("B")
	run(t, b, url, "B")
	assert.Eventually(t, func() bool { return len(values(b)) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"one", "two"}, values(b))
}

func TestProvider_RefusedRoomIsPermanent(t *testing.T) {
	url := startRelay(t, relay.WithTokenValidator(denyAll{}), relay.WithAuthorizer(denyAll{}))
	p := New(crdt.NewDoc("A"), Config{URL: url, Room: "r1", Participant: "A", Token: "t"}, testLogger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.Run(ctx)
	assert.ErrorIs(t, err, domain.ErrRoomAccessDenied)
	assert.Equal(t, StatusDisconnected, p.Status())
}

func TestProvider_StatusWatchers(t *testing.T) {
	url := startRelay(t)
	doc := crdt.NewDoc("A")
	p := New(doc, Config{URL: url, Room: "r1", Participant: "A"}, testLogger)

	seen := make(chan Status, 8)
	p.OnStatus(func(s Status) { seen <- s })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.NoError(t, p.WaitSynced(context.Background()))
	cancel()
	require.NoError(t, <-done)

	var got []Status
	for len(seen) > 0 {
		got = append(got, <-seen)
	}
	assert.Equal(t, []Status{StatusConnecting, StatusConnected, StatusDisconnected}, got)
}
