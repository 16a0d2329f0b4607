// Package crdt is the replication engine behind a shared whiteboard
// document: named sequences (Array) and last-writer-wins maps (Map) that
// converge when every replica applies the same set of updates, in any
// order and any number of times.
package crdt

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
)

var ErrOutOfRange = errors.New("crdt: index out of range")

// Doc is one replica. All shared types of a room live in one Doc so a
// single update can touch several of them atomically.
type Doc struct {
	mu      sync.Mutex
	client  string
	clock   uint64
	pending []op

	// regMu guards the registries only, so named lookups also work inside
	// a transaction. It is always taken after mu, never before.
	regMu  sync.Mutex
	arrays map[string]*Array
	maps   map[string]*Map

	nextHandle     uint64
	updateHandlers map[uint64]func(update []byte, origin any)
}

// NewDoc creates an empty replica writing under the given client id. Two
// live replicas must never share a client id.
func NewDoc(client string) *Doc {
	return &Doc{
		client:         client,
		arrays:         make(map[string]*Array),
		maps:           make(map[string]*Map),
		updateHandlers: make(map[uint64]func([]byte, any)),
	}
}

func (d *Doc) ClientID() string { return d.client }

// Array returns the named sequence, creating it on first use. It may be
// called from within a Transact callback.
func (d *Doc) Array(name string) *Array {
	return d.array(name)
}

// Map returns the named map, creating it on first use. It may be called
// from within a Transact callback.
func (d *Doc) Map(name string) *Map {
	return d.kvmap(name)
}

func (d *Doc) array(name string) *Array {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	a, ok := d.arrays[name]
	if !ok {
		a = newArray(d, name)
		d.arrays[name] = a
	}
	return a
}

func (d *Doc) kvmap(name string) *Map {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	m, ok := d.maps[name]
	if !ok {
		m = newMap(d, name)
		d.maps[name] = m
	}
	return m
}

// OnUpdate registers fn to receive every effective change as an encoded
// update, local or remote. origin is whatever the writer passed to
// Transact or ApplyUpdate.
func (d *Doc) OnUpdate(fn func(update []byte, origin any)) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextHandle++
	h := d.nextHandle
	d.updateHandlers[h] = fn
	return func() {
		d.mu.Lock()
		delete(d.updateHandlers, h)
		d.mu.Unlock()
	}
}

// Transact runs fn with exclusive access to the document. Everything fn
// does is published as one update and observers fire once, after fn
// returns. If fn returns an error every change it made is undone and
// nothing is published.
func (d *Doc) Transact(origin any, fn func(tx *Txn) error) error {
	n, err := d.transact(origin, fn)
	if err != nil {
		return err
	}
	n.fire()
	return nil
}

func (d *Doc) transact(origin any, fn func(tx *Txn) error) (*notification, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx := newTxn(d, origin, true)
	if err := fn(tx); err != nil {
		tx.rollback()
		return nil, err
	}
	return tx.commit()
}

// ApplyUpdate merges a remote update. Ops already seen are skipped; ops
// whose dependencies have not arrived yet are held back and retried on
// later updates.
func (d *Doc) ApplyUpdate(data []byte, origin any) error {
	ops, err := decodeUpdate(data)
	if err != nil {
		return err
	}
	n, err := d.apply(ops, origin)
	if err != nil {
		return err
	}
	n.fire()
	return nil
}

func (d *Doc) apply(ops []op, origin any) (*notification, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx := newTxn(d, origin, false)
	work := make([]op, 0, len(ops)+len(d.pending))
	work = append(work, ops...)
	work = append(work, d.pending...)
	d.pending = nil

	for len(work) > 0 {
		var deferred []op
		for _, o := range work {
			if !d.integrate(tx, o) {
				deferred = append(deferred, o)
			}
		}
		if len(deferred) == len(work) {
			break
		}
		work = deferred
	}
	d.pending = work
	return tx.commit()
}

// PendingLen reports how many ops are waiting for missing dependencies.
func (d *Doc) PendingLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Doc) integrate(tx *Txn, o op) bool {
	switch o.Kind {
	case opInsert:
		return d.array(o.Type).integrateInsert(tx, o)
	case opDelete:
		return d.array(o.Type).integrateDelete(tx, o)
	case opMapSet:
		return d.kvmap(o.Type).integrateSet(tx, o)
	}
	return true
}

func (d *Doc) observeClock(c uint64) {
	if c > d.clock {
		d.clock = c
	}
}

// EncodeState encodes the whole document, tombstones included, as a
// single update. Applying it to any replica brings that replica up to
// date with this one.
func (d *Doc) EncodeState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.regMu.Lock()
	arrays := maps.Clone(d.arrays)
	kvmaps := maps.Clone(d.maps)
	d.regMu.Unlock()

	var ops []op
	for _, name := range sortedKeys(arrays) {
		a := arrays[name]
		var deletes []op
		a.each(func(it *item) {
			ops = append(ops, op{Kind: opInsert, Type: name, ID: it.id, Origin: it.origin, Value: it.value})
			if it.deleted {
				deletes = append(deletes, op{Kind: opDelete, Type: name, ID: it.id})
			}
		})
		ops = append(ops, deletes...)
	}
	for _, name := range sortedKeys(kvmaps) {
		m := kvmaps[name]
		for _, key := range sortedKeys(m.entries) {
			e := m.entries[key]
			ops = append(ops, op{Kind: opMapSet, Type: name, ID: e.id, Key: key, Value: e.value, Tombstone: e.deleted})
		}
	}
	return encodeUpdate(ops)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Txn is the handle passed to Transact callbacks. It is only valid for the
// duration of the callback.
type Txn struct {
	doc    *Doc
	origin any
	local  bool
	ops    []op
	undo   []func()

	arrayEvents map[*Array]*ArrayEvent
	mapEvents   map[*Map]*MapEvent
}

func newTxn(d *Doc, origin any, local bool) *Txn {
	return &Txn{
		doc:         d,
		origin:      origin,
		local:       local,
		arrayEvents: make(map[*Array]*ArrayEvent),
		mapEvents:   make(map[*Map]*MapEvent),
	}
}

func (tx *Txn) Origin() any { return tx.origin }

// Array scopes a sequence to this transaction.
func (tx *Txn) Array(a *Array) *ArrayTxn {
	if a.doc != tx.doc {
		panic(fmt.Sprintf("crdt: array %q belongs to another document", a.name))
	}
	return &ArrayTxn{tx: tx, a: a}
}

// Map scopes a map to this transaction.
func (tx *Txn) Map(m *Map) *MapTxn {
	if m.doc != tx.doc {
		panic(fmt.Sprintf("crdt: map %q belongs to another document", m.name))
	}
	return &MapTxn{tx: tx, m: m}
}

func (tx *Txn) nextID() ID {
	tx.doc.clock++
	return ID{Client: tx.doc.client, Clock: tx.doc.clock}
}

func (tx *Txn) arrayEvent(a *Array) *ArrayEvent {
	ev, ok := tx.arrayEvents[a]
	if !ok {
		ev = &ArrayEvent{Origin: tx.origin, Local: tx.local}
		tx.arrayEvents[a] = ev
	}
	return ev
}

func (tx *Txn) mapEvent(m *Map) *MapEvent {
	ev, ok := tx.mapEvents[m]
	if !ok {
		ev = &MapEvent{Origin: tx.origin, Local: tx.local}
		tx.mapEvents[m] = ev
	}
	return ev
}

func (tx *Txn) applied(o op, undo func()) {
	tx.ops = append(tx.ops, o)
	tx.undo = append(tx.undo, undo)
}

func (tx *Txn) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.ops, tx.undo = nil, nil
}

func (tx *Txn) commit() (*notification, error) {
	n := &notification{}
	if len(tx.ops) == 0 {
		return n, nil
	}

	data, err := encodeUpdate(tx.ops)
	if err != nil {
		tx.rollback()
		return nil, err
	}

	for a, ev := range tx.arrayEvents {
		ev := *ev
		for _, fn := range a.observerList() {
			fn := fn
			n.calls = append(n.calls, func() { fn(ev) })
		}
	}
	for m, ev := range tx.mapEvents {
		ev := *ev
		sort.Strings(ev.Keys)
		for _, fn := range m.observerList() {
			fn := fn
			n.calls = append(n.calls, func() { fn(ev) })
		}
	}
	for _, fn := range tx.doc.updateHandlerList() {
		fn := fn
		origin := tx.origin
		n.calls = append(n.calls, func() { fn(data, origin) })
	}
	return n, nil
}

func (d *Doc) updateHandlerList() []func([]byte, any) {
	out := make([]func([]byte, any), 0, len(d.updateHandlers))
	for _, h := range sortedHandles(d.updateHandlers) {
		out = append(out, d.updateHandlers[h])
	}
	return out
}

func sortedHandles[V any](m map[uint64]V) []uint64 {
	hs := make([]uint64, 0, len(m))
	for h := range m {
		hs = append(hs, h)
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	return hs
}

// notification holds the callbacks of a committed transaction; they run
// after the document lock is released so observers may read or write.
type notification struct {
	calls []func()
}

func (n *notification) fire() {
	for _, call := range n.calls {
		call()
	}
}
