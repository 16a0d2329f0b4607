package crdt

import "sort"

type mapEntry struct {
	id      ID
	value   []byte
	deleted bool
}

// MapEvent lists the keys touched by one committed transaction.
type MapEvent struct {
	Origin any
	Local  bool
	Keys   []string
}

// Map is a replicated key-value map. The write with the greatest ID wins
// per key; deletes are writes of a tombstone.
type Map struct {
	doc     *Doc
	name    string
	entries map[string]*mapEntry

	nextHandle uint64
	observers  map[uint64]func(MapEvent)
}

func newMap(d *Doc, name string) *Map {
	return &Map{
		doc:       d,
		name:      name,
		entries:   make(map[string]*mapEntry),
		observers: make(map[uint64]func(MapEvent)),
	}
}

func (m *Map) Name() string { return m.name }

func (m *Map) Get(key string) ([]byte, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.get(key)
}

func (m *Map) get(key string) ([]byte, bool) {
	e, ok := m.entries[key]
	if !ok || e.deleted {
		return nil, false
	}
	return e.value, true
}

// Entries returns a copy of the live key-value pairs.
func (m *Map) Entries() map[string][]byte {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	out := make(map[string][]byte, len(m.entries))
	for k, e := range m.entries {
		if !e.deleted {
			out[k] = e.value
		}
	}
	return out
}

func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.keys()
}

func (m *Map) keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *Map) Observe(fn func(MapEvent)) (unobserve func()) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	m.nextHandle++
	h := m.nextHandle
	m.observers[h] = fn
	return func() {
		m.doc.mu.Lock()
		delete(m.observers, h)
		m.doc.mu.Unlock()
	}
}

func (m *Map) observerList() []func(MapEvent) {
	out := make([]func(MapEvent), 0, len(m.observers))
	for _, h := range sortedHandles(m.observers) {
		out = append(out, m.observers[h])
	}
	return out
}

func (m *Map) integrateSet(tx *Txn, o op) bool {
	prev, had := m.entries[o.Key]
	if had && !prev.id.Less(o.ID) {
		return true
	}

	m.entries[o.Key] = &mapEntry{id: o.ID, value: o.Value, deleted: o.Tombstone}
	m.doc.observeClock(o.ID.Clock)
	ev := tx.mapEvent(m)
	ev.Keys = append(ev.Keys, o.Key)

	tx.applied(o, func() {
		if had {
			m.entries[o.Key] = prev
		} else {
			delete(m.entries, o.Key)
		}
	})
	return true
}

// MapTxn is a Map scoped to a transaction.
type MapTxn struct {
	tx *Txn
	m  *Map
}

func (mt *MapTxn) Get(key string) ([]byte, bool) { return mt.m.get(key) }

func (mt *MapTxn) Keys() []string { return mt.m.keys() }

func (mt *MapTxn) Set(key string, value []byte) {
	mt.m.integrateSet(mt.tx, op{Kind: opMapSet, Type: mt.m.name, ID: mt.tx.nextID(), Key: key, Value: value})
}

// Delete writes a tombstone. Deleting an absent key is a no-op.
func (mt *MapTxn) Delete(key string) {
	if _, ok := mt.m.get(key); !ok {
		return
	}
	mt.m.integrateSet(mt.tx, op{Kind: opMapSet, Type: mt.m.name, ID: mt.tx.nextID(), Key: key, Tombstone: true})
}

// PurgeTombstones forgets the deleted keys for which drop returns true and
// reports how many went. Purging is local and is not replicated. A write
// older than a purged tombstone that arrives later is accepted again, so
// only purge keys whose stale writes readers already ignore.
func (mt *MapTxn) PurgeTombstones(drop func(key string) bool) int {
	m := mt.m
	n := 0
	for key, e := range m.entries {
		if !e.deleted || !drop(key) {
			continue
		}
		delete(m.entries, key)
		mt.tx.undo = append(mt.tx.undo, func() { m.entries[key] = e })
		n++
	}
	return n
}
