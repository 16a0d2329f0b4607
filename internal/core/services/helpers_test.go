package services

import (
	"sync"

	"boardnet/internal/crdt"

	"go.uber.org/zap"
)

var nopLogger = zap.NewNop().Sugar()

// wire is an in-memory relay between replicas. Updates are queued until
// flushed so tests control delivery order.
type wire struct {
	mu     sync.Mutex
	docs   []*crdt.Doc
	queue  []delivery
	manual bool
}

type delivery struct {
	to     *crdt.Doc
	update []byte
}

func newWire(manual bool, docs ...*crdt.Doc) *wire {
	w := &wire{manual: manual}
	for _, d := range docs {
		w.attach(d)
	}
	return w
}

func (w *wire) attach(d *crdt.Doc) {
	w.mu.Lock()
	w.docs = append(w.docs, d)
	w.mu.Unlock()

	d.OnUpdate(func(update []byte, origin any) {
		if origin == w {
			return
		}
		w.mu.Lock()
		var targets []*crdt.Doc
		for _, other := range w.docs {
			if other != d {
				targets = append(targets, other)
			}
		}
		if w.manual {
			for _, t := range targets {
				w.queue = append(w.queue, delivery{to: t, update: update})
			}
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()
		for _, t := range targets {
			_ = t.ApplyUpdate(update, w)
		}
	})
}

// take removes and returns everything queued so far.
func (w *wire) take() []delivery {
	w.mu.Lock()
	defer w.mu.Unlock()
	q := w.queue
	w.queue = nil
	return q
}

func (w *wire) flush() {
	for {
		q := w.take()
		if len(q) == 0 {
			return
		}
		for _, d := range q {
			_ = d.to.ApplyUpdate(d.update, w)
		}
	}
}
