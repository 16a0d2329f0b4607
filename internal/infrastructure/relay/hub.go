package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"boardnet/internal/crdt"

	"go.uber.org/zap"
)

// Update origins that are not a connected client.
type (
	busOrigin      struct{}
	snapshotOrigin struct{}
)

// hub is the server-side replica of one topic and the clients syncing it.
type hub struct {
	topic  string
	doc    *crdt.Doc
	server *Server
	logger *zap.SugaredLogger

	mu      sync.Mutex
	clients map[*client]struct{}

	dirty     atomic.Bool
	unobserve func()
}

func newHub(s *Server, topic string) *hub {
	h := &hub{
		topic:   topic,
		doc:     crdt.NewDoc("relay-" + s.instanceID),
		server:  s,
		logger:  s.logger.With("topic", topic),
		clients: make(map[*client]struct{}),
	}
	h.unobserve = h.doc.OnUpdate(h.onUpdate)
	return h
}

func (h *hub) onUpdate(update []byte, origin any) {
	h.dirty.Store(true)

	frame, err := EncodeFrame(Frame{Kind: FrameUpdate, Data: update})
	if err != nil {
		h.logger.Errorw("failed to encode update frame", "error", err)
		return
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c != origin {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.enqueue(frame)
	}

	switch origin.(type) {
	case *client:
		h.server.relayed("client", len(update))
		h.server.publish(h.topic, update)
	case busOrigin:
		h.server.relayed("bus", len(update))
	}
}

// add registers c and queues the full state for it. Updates racing with
// the state may reach c twice, which applying them tolerates.
func (h *hub) add(c *client) error {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	state, err := h.doc.EncodeState()
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	frame, err := EncodeFrame(Frame{Kind: FrameSync, Data: state})
	if err != nil {
		return err
	}
	c.enqueue(frame)
	return nil
}

// remove reports how many clients remain.
func (h *hub) remove(c *client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	return len(h.clients)
}

func (h *hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) apply(update []byte, origin any) error {
	return h.doc.ApplyUpdate(update, origin)
}

// load merges the stored snapshot of the topic, if any.
func (h *hub) load(ctx context.Context, store SnapshotStore) error {
	state, err := store.Load(ctx, h.topic)
	if err != nil || state == nil {
		return err
	}
	if err := h.doc.ApplyUpdate(state, snapshotOrigin{}); err != nil {
		return fmt.Errorf("apply snapshot: %w", err)
	}
	// Nothing new to write back yet.
	h.dirty.Store(false)
	return nil
}

// save writes the document to store if it changed since the last save.
// The stored state is merged rather than overwritten so snapshots written
// by other instances are kept.
func (h *hub) save(ctx context.Context, store SnapshotStore) error {
	if !h.dirty.Swap(false) {
		return nil
	}
	state, err := h.doc.EncodeState()
	if err != nil {
		h.dirty.Store(true)
		return err
	}
	err = store.Update(ctx, h.topic, func(current []byte) ([]byte, error) {
		return mergeStates(current, state)
	})
	if err != nil {
		h.dirty.Store(true)
		return err
	}
	return nil
}

func (h *hub) close() {
	h.unobserve()
}

func mergeStates(current, state []byte) ([]byte, error) {
	if len(current) == 0 {
		return state, nil
	}
	merged := crdt.NewDoc("snapshot-merge")
	if err := merged.ApplyUpdate(current, nil); err != nil {
		// An unreadable snapshot is replaced.
		return state, nil
	}
	if err := merged.ApplyUpdate(state, nil); err != nil {
		return nil, err
	}
	return merged.EncodeState()
}
