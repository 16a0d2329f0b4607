package crdt

import (
	"fmt"
	"slices"
)

// chunkSize is the target number of items per chunk. A chunk splits in
// half once it holds twice as many.
const chunkSize = 64

type item struct {
	id      ID
	origin  *ID
	value   []byte
	deleted bool
	c       *chunk
}

// chunk is a run of consecutive items with a count of the live ones, so
// positional lookups skip whole runs of tombstones at once.
type chunk struct {
	items   []*item
	visible int
}

// ArrayEvent describes one committed change to an Array.
type ArrayEvent struct {
	Origin   any
	Local    bool
	Inserted int
	Deleted  int
}

// Array is a replicated sequence. Each element is inserted after a known
// left neighbour (its origin); concurrent inserts after the same origin
// are ordered by descending ID, and deletes leave tombstones so positions
// stay resolvable.
type Array struct {
	doc     *Doc
	name    string
	chunks  []*chunk
	index   map[ID]*item
	visible int
	version uint64

	nextHandle uint64
	observers  map[uint64]func(ArrayEvent)
}

func newArray(d *Doc, name string) *Array {
	return &Array{
		doc:       d,
		name:      name,
		index:     make(map[ID]*item),
		observers: make(map[uint64]func(ArrayEvent)),
	}
}

func (a *Array) Name() string { return a.name }

func (a *Array) Len() int {
	a.doc.mu.Lock()
	defer a.doc.mu.Unlock()
	return a.visible
}

// ToSlice returns the visible values in order.
func (a *Array) ToSlice() [][]byte {
	a.doc.mu.Lock()
	defer a.doc.mu.Unlock()
	return a.values()
}

// Observe calls fn once per committed transaction that changed the array.
func (a *Array) Observe(fn func(ArrayEvent)) (unobserve func()) {
	a.doc.mu.Lock()
	defer a.doc.mu.Unlock()
	a.nextHandle++
	h := a.nextHandle
	a.observers[h] = fn
	return func() {
		a.doc.mu.Lock()
		delete(a.observers, h)
		a.doc.mu.Unlock()
	}
}

func (a *Array) observerList() []func(ArrayEvent) {
	out := make([]func(ArrayEvent), 0, len(a.observers))
	for _, h := range sortedHandles(a.observers) {
		out = append(out, a.observers[h])
	}
	return out
}

// each visits every item, tombstones included, in document order.
func (a *Array) each(fn func(*item)) {
	for _, c := range a.chunks {
		for _, it := range c.items {
			fn(it)
		}
	}
}

func (a *Array) values() [][]byte {
	out := make([][]byte, 0, a.visible)
	for _, c := range a.chunks {
		if c.visible == 0 {
			continue
		}
		for _, it := range c.items {
			if !it.deleted {
				out = append(out, it.value)
			}
		}
	}
	return out
}

// visibleAt returns the i-th live item.
func (a *Array) visibleAt(i int) *item {
	for _, c := range a.chunks {
		if i >= c.visible {
			i -= c.visible
			continue
		}
		for _, it := range c.items {
			if it.deleted {
				continue
			}
			if i == 0 {
				return it
			}
			i--
		}
	}
	return nil
}

// locate returns the chunk index and offset of target.
func (a *Array) locate(target *item) (int, int) {
	ci := slices.Index(a.chunks, target.c)
	return ci, slices.Index(target.c.items, target)
}

// itemAt normalizes (ci, off) past chunk ends and returns the item there,
// or nil at the end of the array.
func (a *Array) itemAt(ci, off int) (int, int, *item) {
	for ci < len(a.chunks) && off >= len(a.chunks[ci].items) {
		off -= len(a.chunks[ci].items)
		ci++
	}
	if ci >= len(a.chunks) {
		return ci, 0, nil
	}
	return ci, off, a.chunks[ci].items[off]
}

func (a *Array) insertAt(ci, off int, it *item) {
	if len(a.chunks) == 0 {
		a.chunks = append(a.chunks, &chunk{})
	}
	if ci >= len(a.chunks) {
		ci = len(a.chunks) - 1
		off = len(a.chunks[ci].items)
	}
	c := a.chunks[ci]
	c.items = slices.Insert(c.items, off, it)
	it.c = c
	if !it.deleted {
		c.visible++
	}
	if len(c.items) > 2*chunkSize {
		a.split(ci)
	}
}

func (a *Array) split(ci int) {
	c := a.chunks[ci]
	right := &chunk{items: slices.Clone(c.items[chunkSize:])}
	c.items = slices.Clone(c.items[:chunkSize])
	for _, it := range right.items {
		it.c = right
		if !it.deleted {
			right.visible++
		}
	}
	c.visible -= right.visible
	a.chunks = slices.Insert(a.chunks, ci+1, right)
}

func (a *Array) remove(it *item) {
	c := it.c
	if p := slices.Index(c.items, it); p >= 0 {
		c.items = slices.Delete(c.items, p, p+1)
		if !it.deleted {
			c.visible--
		}
	}
	if len(c.items) == 0 {
		if ci := slices.Index(a.chunks, c); ci >= 0 {
			a.chunks = slices.Delete(a.chunks, ci, ci+1)
		}
	}
	it.c = nil
}

func (a *Array) integrateInsert(tx *Txn, o op) bool {
	if _, ok := a.index[o.ID]; ok {
		return true
	}

	ci, off := 0, 0
	if o.Origin != nil {
		left, ok := a.index[*o.Origin]
		if !ok {
			return false
		}
		ci, off = a.locate(left)
		off++
	}
	// Skip concurrent siblings with higher priority along with their
	// descendants; descendants always carry larger IDs than their origin.
	for {
		var next *item
		ci, off, next = a.itemAt(ci, off)
		if next == nil || !o.ID.Less(next.id) {
			break
		}
		off++
	}

	it := &item{id: o.ID, origin: o.Origin, value: o.Value}
	a.insertAt(ci, off, it)
	a.index[o.ID] = it
	a.visible++
	a.version++
	a.doc.observeClock(o.ID.Clock)
	tx.arrayEvent(a).Inserted++

	tx.applied(o, func() {
		a.remove(it)
		delete(a.index, it.id)
		a.visible--
		a.version++
	})
	return true
}

func (a *Array) integrateDelete(tx *Txn, o op) bool {
	it, ok := a.index[o.ID]
	if !ok {
		return false
	}
	if it.deleted {
		return true
	}

	prev := it.value
	it.deleted = true
	it.value = nil
	it.c.visible--
	a.visible--
	a.version++
	tx.arrayEvent(a).Deleted++

	tx.applied(o, func() {
		it.deleted = false
		it.value = prev
		it.c.visible++
		a.visible++
		a.version++
	})
	return true
}

// ArrayTxn is an Array scoped to a transaction.
type ArrayTxn struct {
	tx *Txn
	a  *Array
}

func (at *ArrayTxn) Len() int { return at.a.visible }

// Version changes whenever the array's structure changes, locally or
// remotely. Callers use it to validate position caches.
func (at *ArrayTxn) Version() uint64 { return at.a.version }

func (at *ArrayTxn) Get(i int) ([]byte, bool) {
	if i < 0 || i >= at.a.visible {
		return nil, false
	}
	return at.a.visibleAt(i).value, true
}

func (at *ArrayTxn) Values() [][]byte { return at.a.values() }

// Insert places values at visible position index, in order.
func (at *ArrayTxn) Insert(index int, values ...[]byte) error {
	if index < 0 || index > at.a.visible {
		return fmt.Errorf("%w: insert at %d of %d", ErrOutOfRange, index, at.a.visible)
	}

	var origin *ID
	if index > 0 {
		left := at.a.visibleAt(index - 1).id
		origin = &left
	}
	for _, v := range values {
		id := at.tx.nextID()
		o := op{Kind: opInsert, Type: at.a.name, ID: id, Origin: origin, Value: v}
		at.a.integrateInsert(at.tx, o)
		origin = &id
	}
	return nil
}

func (at *ArrayTxn) Push(values ...[]byte) error {
	return at.Insert(at.a.visible, values...)
}

// Delete removes length values starting at visible position index.
func (at *ArrayTxn) Delete(index, length int) error {
	if length == 0 {
		return nil
	}
	if index < 0 || length < 0 || index+length > at.a.visible {
		return fmt.Errorf("%w: delete [%d,%d) of %d", ErrOutOfRange, index, index+length, at.a.visible)
	}

	targets := make([]*item, 0, length)
	skip := index
	for _, c := range at.a.chunks {
		if len(targets) == length {
			break
		}
		if skip >= c.visible {
			skip -= c.visible
			continue
		}
		for _, it := range c.items {
			if it.deleted {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			if len(targets) < length {
				targets = append(targets, it)
			}
		}
	}
	for _, it := range targets {
		at.a.integrateDelete(at.tx, op{Kind: opDelete, Type: at.a.name, ID: it.id})
	}
	return nil
}

// SeedIfEmpty pushes values only when the array has no live values. Item
// ids are derived from seed instead of the local client, so replicas that
// seed the same content concurrently produce identical ops and converge on
// one copy. It reports whether the values were inserted.
func (at *ArrayTxn) SeedIfEmpty(seed string, values [][]byte) bool {
	if at.a.visible != 0 || len(values) == 0 {
		return false
	}

	ns := seed
	for gen := 1; ; gen++ {
		if _, used := at.a.index[ID{Client: ns, Clock: 1}]; !used {
			break
		}
		ns = fmt.Sprintf("%s/%d", seed, gen)
	}

	var origin *ID
	for i, v := range values {
		id := ID{Client: ns, Clock: uint64(i + 1)}
		at.a.integrateInsert(at.tx, op{Kind: opInsert, Type: at.a.name, ID: id, Origin: origin, Value: v})
		origin = &id
	}
	return true
}
