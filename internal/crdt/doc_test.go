package crdt

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder captures the updates a replica emits for its own transactions.
type recorder struct {
	mu      sync.Mutex
	updates [][]byte
}

func record(d *Doc) *recorder {
	r := &recorder{}
	d.OnUpdate(func(u []byte, origin any) {
		if origin != "remote" {
			r.mu.Lock()
			r.updates = append(r.updates, u)
			r.mu.Unlock()
		}
	})
	return r
}

func strs(vals [][]byte) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}

func push(t *testing.T, d *Doc, name string, vals ...string) {
	t.Helper()
	arr := d.Array(name)
	require.NoError(t, d.Transact(nil, func(tx *Txn) error {
		for _, v := range vals {
			if err := tx.Array(arr).Push([]byte(v)); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestArray_LocalOps(t *testing.T) {
	d := NewDoc("a")
	arr := d.Array("elements")

	push(t, d, "elements", "x", "y", "z")
	assert.Equal(t, []string{"x", "y", "z"}, strs(arr.ToSlice()))

	require.NoError(t, d.Transact(nil, func(tx *Txn) error {
		at := tx.Array(arr)
		if err := at.Delete(1, 1); err != nil {
			return err
		}
		return at.Insert(1, []byte("Y"))
	}))
	assert.Equal(t, []string{"x", "Y", "z"}, strs(arr.ToSlice()))

	require.NoError(t, d.Transact(nil, func(tx *Txn) error {
		return tx.Array(arr).Insert(0, []byte("first"))
	}))
	assert.Equal(t, []string{"first", "x", "Y", "z"}, strs(arr.ToSlice()))
	assert.Equal(t, 4, arr.Len())

	err := d.Transact(nil, func(tx *Txn) error {
		return tx.Array(arr).Delete(3, 2)
	})
	assert.True(t, errors.Is(err, ErrOutOfRange))
}

func TestDoc_NamedLookupInsideTransaction(t *testing.T) {
	d := NewDoc("a")
	done := make(chan error, 1)
	go func() {
		done <- d.Transact(nil, func(tx *Txn) error {
			if err := tx.Array(d.Array("elements")).Push([]byte("x")); err != nil {
				return err
			}
			tx.Map(d.Map("signals")).Set("k", []byte("v"))
			return nil
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lookup inside a transaction did not return")
	}
	assert.Equal(t, []string{"x"}, strs(d.Array("elements").ToSlice()))
	_, ok := d.Map("signals").Get("k")
	assert.True(t, ok)
}

// checkChunks verifies the chunk bookkeeping of arr against its contents.
func checkChunks(t *testing.T, arr *Array) {
	t.Helper()
	live := 0
	for _, c := range arr.chunks {
		require.NotEmpty(t, c.items)
		require.LessOrEqual(t, len(c.items), 2*chunkSize)
		n := 0
		for _, it := range c.items {
			require.Same(t, c, it.c)
			if !it.deleted {
				n++
			}
		}
		require.Equal(t, n, c.visible)
		live += n
	}
	require.Equal(t, live, arr.visible)
}

func TestArray_ManyMovesKeepOrderAcrossChunks(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	d := NewDoc("a")
	rec := record(d)
	arr := d.Array("elements")

	var model []string
	for i := 0; i < 300; i++ {
		model = append(model, fmt.Sprintf("e%d", i))
	}
	push(t, d, "elements", model...)

	// Every move deletes an element and reinserts it elsewhere, so the
	// array accumulates far more tombstones than live values.
	for step := 0; step < 3000; step++ {
		from, to := rng.Intn(len(model)), rng.Intn(len(model))
		v := model[from]
		require.NoError(t, d.Transact(nil, func(tx *Txn) error {
			at := tx.Array(arr)
			if err := at.Delete(from, 1); err != nil {
				return err
			}
			return at.Insert(to, []byte(v))
		}))
		model = append(model[:from], model[from+1:]...)
		model = append(model[:to], append([]string{v}, model[to:]...)...)
	}

	assert.Equal(t, model, strs(arr.ToSlice()))
	assert.Greater(t, len(arr.chunks), 1)
	checkChunks(t, arr)

	// Replicas fed the history, once incrementally and once as a full
	// state, end in the same place.
	b := NewDoc("b")
	for _, u := range rec.updates {
		require.NoError(t, b.ApplyUpdate(u, "remote"))
	}
	assert.Equal(t, model, strs(b.Array("elements").ToSlice()))
	checkChunks(t, b.Array("elements"))

	state, err := d.EncodeState()
	require.NoError(t, err)
	c := NewDoc("c")
	require.NoError(t, c.ApplyUpdate(state, "remote"))
	assert.Zero(t, c.PendingLen())
	assert.Equal(t, model, strs(c.Array("elements").ToSlice()))
	checkChunks(t, c.Array("elements"))
}

func TestTransact_ObserversFireOnceWithoutIntermediateState(t *testing.T) {
	d := NewDoc("a")
	arr := d.Array("elements")
	push(t, d, "elements", "v1")

	var seen [][]string
	var events []ArrayEvent
	unobserve := arr.Observe(func(ev ArrayEvent) {
		events = append(events, ev)
		seen = append(seen, strs(arr.ToSlice()))
	})

	require.NoError(t, d.Transact("local", func(tx *Txn) error {
		at := tx.Array(arr)
		if err := at.Delete(0, 1); err != nil {
			return err
		}
		return at.Insert(0, []byte("v2"))
	}))

	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Inserted)
	assert.Equal(t, 1, events[0].Deleted)
	assert.True(t, events[0].Local)
	assert.Equal(t, "local", events[0].Origin)
	assert.Equal(t, [][]string{{"v2"}}, seen)

	unobserve()
	push(t, d, "elements", "v3")
	assert.Len(t, events, 1)
}

func TestTransact_ErrorRollsBack(t *testing.T) {
	d := NewDoc("a")
	arr := d.Array("elements")
	m := d.Map("signals")
	push(t, d, "elements", "keep")
	rec := record(d)

	fired := 0
	arr.Observe(func(ArrayEvent) { fired++ })

	boom := errors.New("boom")
	err := d.Transact(nil, func(tx *Txn) error {
		at := tx.Array(arr)
		_ = at.Delete(0, 1)
		_ = at.Push([]byte("discard"))
		tx.Map(m).Set("k", []byte("v"))
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"keep"}, strs(arr.ToSlice()))
	_, ok := m.Get("k")
	assert.False(t, ok)
	assert.Zero(t, fired)
	assert.Empty(t, rec.updates)
}

func TestApplyUpdate_Idempotent(t *testing.T) {
	a := NewDoc("a")
	rec := record(a)
	push(t, a, "elements", "one", "two")

	b := NewDoc("b")
	for i := 0; i < 3; i++ {
		for _, u := range rec.updates {
			require.NoError(t, b.ApplyUpdate(u, "remote"))
		}
	}
	assert.Equal(t, []string{"one", "two"}, strs(b.Array("elements").ToSlice()))
}

func TestApplyUpdate_OutOfOrderIsHeldBack(t *testing.T) {
	a := NewDoc("a")
	rec := record(a)
	push(t, a, "elements", "one")
	push(t, a, "elements", "two")
	require.NoError(t, a.Transact(nil, func(tx *Txn) error {
		return tx.Array(a.Array("elements")).Delete(0, 1)
	}))
	require.Len(t, rec.updates, 3)

	b := NewDoc("b")
	require.NoError(t, b.ApplyUpdate(rec.updates[2], "remote"))
	require.NoError(t, b.ApplyUpdate(rec.updates[1], "remote"))
	assert.Equal(t, 0, b.Array("elements").Len())
	assert.Equal(t, 2, b.PendingLen())

	require.NoError(t, b.ApplyUpdate(rec.updates[0], "remote"))
	assert.Equal(t, []string{"two"}, strs(b.Array("elements").ToSlice()))
	assert.Zero(t, b.PendingLen())
}

func TestApplyUpdate_RejectsGarbage(t *testing.T) {
	d := NewDoc("a")
	assert.Error(t, d.ApplyUpdate([]byte{0xff, 0x00}, nil))
}

func TestConvergence_RandomInterleavings(t *testing.T) {
	for seed := int64(0); seed < 25; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			docs := []*Doc{NewDoc("alice"), NewDoc("bob"), NewDoc("carol")}
			recs := make([]*recorder, len(docs))
			for i, d := range docs {
				recs[i] = record(d)
			}

			// Each replica edits locally, occasionally syncing a random prefix
			// of another replica's history so edits build on remote state.
			for step := 0; step < 40; step++ {
				i := rng.Intn(len(docs))
				d := docs[i]
				arr := d.Array("elements")
				switch r := rng.Intn(10); {
				case r < 5:
					push(t, d, "elements", fmt.Sprintf("%s-%d", d.ClientID(), step))
				case r < 7:
					require.NoError(t, d.Transact(nil, func(tx *Txn) error {
						at := tx.Array(arr)
						return at.Insert(rng.Intn(at.Len()+1), []byte(fmt.Sprintf("%s-mid-%d", d.ClientID(), step)))
					}))
				case r < 9:
					require.NoError(t, d.Transact(nil, func(tx *Txn) error {
						at := tx.Array(arr)
						if at.Len() == 0 {
							return nil
						}
						idx := rng.Intn(at.Len())
						if err := at.Delete(idx, 1); err != nil {
							return err
						}
						return at.Insert(idx, []byte(fmt.Sprintf("%s-rep-%d", d.ClientID(), step)))
					}))
				default:
					j := rng.Intn(len(docs))
					if j != i {
						recs[j].mu.Lock()
						ups := append([][]byte(nil), recs[j].updates...)
						recs[j].mu.Unlock()
						for _, u := range ups[:rng.Intn(len(ups)+1)] {
							require.NoError(t, d.ApplyUpdate(u, "remote"))
						}
					}
				}
			}

			var all [][]byte
			for _, r := range recs {
				all = append(all, r.updates...)
			}
			for _, d := range docs {
				shuffled := append([][]byte(nil), all...)
				rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
				// Deliver some twice to model relay redelivery.
				shuffled = append(shuffled, shuffled[:len(shuffled)/3]...)
				for _, u := range shuffled {
					require.NoError(t, d.ApplyUpdate(u, "remote"))
				}
			}

			want := strs(docs[0].Array("elements").ToSlice())
			for _, d := range docs[1:] {
				assert.Equal(t, want, strs(d.Array("elements").ToSlice()), "replica %s diverged", d.ClientID())
				assert.Zero(t, d.PendingLen())
			}
		})
	}
}

func TestEncodeState_BringsJoinerUpToDate(t *testing.T) {
	a := NewDoc("a")
	push(t, a, "elements", "x", "y", "z")
	require.NoError(t, a.Transact(nil, func(tx *Txn) error {
		tx.Map(a.Map("signals")).Set("k1", []byte("v1"))
		return tx.Array(a.Array("elements")).Delete(1, 1)
	}))

	state, err := a.EncodeState()
	require.NoError(t, err)

	joiner := NewDoc("b")
	require.NoError(t, joiner.ApplyUpdate(state, "remote"))
	assert.Equal(t, []string{"x", "z"}, strs(joiner.Array("elements").ToSlice()))
	v, ok := joiner.Map("signals").Get("k1")
	require.True(t, ok)
	assert.Equal(t, "v1", string(v))

	// Joiner edits after the tombstoned item still merge back cleanly.
	rec := record(joiner)
	require.NoError(t, joiner.Transact(nil, func(tx *Txn) error {
		return tx.Array(joiner.Array("elements")).Insert(1, []byte("j"))
	}))
	for _, u := range rec.updates {
		require.NoError(t, a.ApplyUpdate(u, "remote"))
	}
	assert.Equal(t, []string{"x", "j", "z"}, strs(a.Array("elements").ToSlice()))
}

func TestSeedIfEmpty_ConcurrentSeedsConverge(t *testing.T) {
	snapshot := [][]byte{[]byte("r1"), []byte("r2")}

	a, b := NewDoc("a"), NewDoc("b")
	recA, recB := record(a), record(b)

	var seededA, seededB bool
	require.NoError(t, a.Transact(nil, func(tx *Txn) error {
		seededA = tx.Array(a.Array("elements")).SeedIfEmpty("bootstrap:h", snapshot)
		return nil
	}))
	require.NoError(t, b.Transact(nil, func(tx *Txn) error {
		seededB = tx.Array(b.Array("elements")).SeedIfEmpty("bootstrap:h", snapshot)
		return nil
	}))
	assert.True(t, seededA)
	assert.True(t, seededB)

	for _, u := range recA.updates {
		require.NoError(t, b.ApplyUpdate(u, "remote"))
	}
	for _, u := range recB.updates {
		require.NoError(t, a.ApplyUpdate(u, "remote"))
	}

	assert.Equal(t, []string{"r1", "r2"}, strs(a.Array("elements").ToSlice()))
	assert.Equal(t, []string{"r1", "r2"}, strs(b.Array("elements").ToSlice()))

	// Not empty any more.
	require.NoError(t, a.Transact(nil, func(tx *Txn) error {
		assert.False(t, tx.Array(a.Array("elements")).SeedIfEmpty("bootstrap:h", snapshot))
		return nil
	}))
}

func TestSeedIfEmpty_ReseedAfterClear(t *testing.T) {
	d := NewDoc("a")
	arr := d.Array("elements")
	seed := func() bool {
		var ok bool
		require.NoError(t, d.Transact(nil, func(tx *Txn) error {
			ok = tx.Array(arr).SeedIfEmpty("bootstrap:h", [][]byte{[]byte("r1")})
			return nil
		}))
		return ok
	}

	require.True(t, seed())
	require.NoError(t, d.Transact(nil, func(tx *Txn) error {
		at := tx.Array(arr)
		return at.Delete(0, at.Len())
	}))
	require.True(t, seed())
	assert.Equal(t, []string{"r1"}, strs(arr.ToSlice()))
}

func TestMap_LastWriterWins(t *testing.T) {
	a, b := NewDoc("a"), NewDoc("b")
	recA, recB := record(a), record(b)

	require.NoError(t, a.Transact(nil, func(tx *Txn) error {
		tx.Map(a.Map("m")).Set("k", []byte("from-a"))
		return nil
	}))
	require.NoError(t, b.Transact(nil, func(tx *Txn) error {
		tx.Map(b.Map("m")).Set("k", []byte("from-b"))
		return nil
	}))
	for _, u := range recA.updates {
		require.NoError(t, b.ApplyUpdate(u, "remote"))
	}
	for _, u := range recB.updates {
		require.NoError(t, a.ApplyUpdate(u, "remote"))
	}

	va, _ := a.Map("m").Get("k")
	vb, _ := b.Map("m").Get("k")
	assert.Equal(t, va, vb)
	// Equal clocks break ties on client id.
	assert.Equal(t, "from-b", string(va))

	var keys [][]string
	a.Map("m").Observe(func(ev MapEvent) { keys = append(keys, ev.Keys) })
	require.NoError(t, a.Transact(nil, func(tx *Txn) error {
		mt := tx.Map(a.Map("m"))
		mt.Delete("k")
		mt.Delete("absent")
		return nil
	}))
	_, ok := a.Map("m").Get("k")
	assert.False(t, ok)
	assert.Equal(t, [][]string{{"k"}}, keys)
	assert.Empty(t, a.Map("m").Keys())
}

func TestMap_PurgeTombstones(t *testing.T) {
	d := NewDoc("a")
	m := d.Map("signals")
	require.NoError(t, d.Transact(nil, func(tx *Txn) error {
		mt := tx.Map(m)
		mt.Set("old", []byte("1"))
		mt.Set("new", []byte("2"))
		mt.Set("live", []byte("3"))
		return nil
	}))
	require.NoError(t, d.Transact(nil, func(tx *Txn) error {
		mt := tx.Map(m)
		mt.Delete("old")
		mt.Delete("new")
		return nil
	}))

	boom := errors.New("boom")
	err := d.Transact(nil, func(tx *Txn) error {
		assert.Equal(t, 2, tx.Map(m).PurgeTombstones(func(string) bool { return true }))
		return boom
	})
	require.ErrorIs(t, err, boom)
	state, err := d.EncodeState()
	require.NoError(t, err)
	n, err := UpdateSize(state)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "rollback restores purged tombstones")

	var purged int
	require.NoError(t, d.Transact(nil, func(tx *Txn) error {
		purged = tx.Map(m).PurgeTombstones(func(key string) bool { return key == "old" })
		return nil
	}))
	assert.Equal(t, 1, purged)

	state, err = d.EncodeState()
	require.NoError(t, err)
	n, err = UpdateSize(state)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"live"}, m.Keys())
}
