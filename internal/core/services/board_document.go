package services

import (
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"boardnet/internal/core/domain"
	"boardnet/internal/crdt"
	"boardnet/pkg/codec"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

const elementsArray = "elements"

// BoardChange is delivered to subscribers once per committed change.
type BoardChange struct {
	Local    bool
	Inserted int
	Deleted  int
}

type BoardOption func(*BoardDocument)

// WithCounterStart fixes the first element id counter. By default it is
// seeded from the wall clock so ids survive reconnects without reuse.
func WithCounterStart(n uint64) BoardOption {
	return func(b *BoardDocument) { b.counter.Store(n - 1) }
}

// BoardDocument is the ordered element log of a room on top of a
// replicated document.
type BoardDocument struct {
	doc         *crdt.Doc
	elements    *crdt.Array
	participant domain.ParticipantID
	logger      *zap.SugaredLogger
	counter     atomic.Uint64

	// id -> visible position, valid while version matches the array.
	idxMu      sync.Mutex
	idx        map[domain.ElementID]int
	idxVersion uint64
	idxValid   bool
}

func NewBoardDocument(doc *crdt.Doc, participant domain.ParticipantID, logger *zap.SugaredLogger, opts ...BoardOption) *BoardDocument {
	b := &BoardDocument{
		doc:         doc,
		elements:    doc.Array(elementsArray),
		participant: participant,
		logger:      logger,
	}
	b.counter.Store(uint64(time.Now().UnixMilli()))
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *BoardDocument) Participant() domain.ParticipantID { return b.participant }

// NextElementID returns a fresh id in the local participant's namespace.
func (b *BoardDocument) NextElementID() domain.ElementID {
	return domain.NewElementID(b.participant, b.counter.Add(1))
}

func (b *BoardDocument) Len() int { return b.elements.Len() }

// Append adds el at the tail. Only elements in the local namespace may be
// appended.
func (b *BoardDocument) Append(el domain.Element) error {
	if err := el.Validate(); err != nil {
		return err
	}
	if !el.ID().OwnedBy(b.participant) {
		return fmt.Errorf("%w: %s", domain.ErrForeignElement, el.ID())
	}
	data, err := codec.Marshal(el)
	if err != nil {
		return fmt.Errorf("encode element: %w", err)
	}

	return b.doc.Transact(b, func(tx *crdt.Txn) error {
		at := tx.Array(b.elements)
		pos := at.Len()
		if err := at.Push(data); err != nil {
			return err
		}
		b.idxMu.Lock()
		if b.idxValid && b.idxVersion+1 == at.Version() {
			b.idx[el.ID()] = pos
			b.idxVersion = at.Version()
		} else {
			b.idxValid = false
		}
		b.idxMu.Unlock()
		return nil
	})
}

// Import appends elements produced elsewhere, such as by the assistant,
// under fresh local ids in one transaction. It returns the assigned ids.
func (b *BoardDocument) Import(elements []domain.Element) ([]domain.ElementID, error) {
	ids := make([]domain.ElementID, 0, len(elements))
	values := make([][]byte, 0, len(elements))
	for _, el := range elements {
		el = el.Clone()
		el.Props.ID = b.NextElementID()
		if err := el.Validate(); err != nil {
			return nil, err
		}
		data, err := codec.Marshal(el)
		if err != nil {
			return nil, fmt.Errorf("encode element: %w", err)
		}
		ids = append(ids, el.ID())
		values = append(values, data)
	}
	if len(values) == 0 {
		return ids, nil
	}

	err := b.doc.Transact(b, func(tx *crdt.Txn) error {
		if err := tx.Array(b.elements).Push(values...); err != nil {
			return err
		}
		b.idxMu.Lock()
		b.idxValid = false
		b.idxMu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ReplaceAt swaps the newest element carrying id for mutator(current) in one
// transaction, so no observer sees the element missing. It reports false
// when no element matches. Elements owned by other participants are
// rejected.
func (b *BoardDocument) ReplaceAt(id domain.ElementID, mutator func(domain.Element) domain.Element) (bool, error) {
	if !id.OwnedBy(b.participant) {
		return false, fmt.Errorf("%w: %s", domain.ErrForeignElement, id)
	}

	found := false
	err := b.doc.Transact(b, func(tx *crdt.Txn) error {
		at := tx.Array(b.elements)
		pos, current, ok := b.locate(at, id)
		if !ok {
			return nil
		}

		next := mutator(current.Clone())
		if next.ID() != id {
			return fmt.Errorf("%w: mutator changed id %s to %s", domain.ErrInvalidElement, id, next.ID())
		}
		if err := next.Validate(); err != nil {
			return err
		}
		data, err := codec.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode element: %w", err)
		}

		if err := at.Delete(pos, 1); err != nil {
			return err
		}
		if err := at.Insert(pos, data); err != nil {
			return err
		}
		found = true

		// Same position, so every cached index stays correct.
		b.idxMu.Lock()
		if b.idxValid {
			b.idxVersion = at.Version()
		}
		b.idxMu.Unlock()
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// locate finds id through the position cache, rebuilding it when the array
// changed underneath.
func (b *BoardDocument) locate(at *crdt.ArrayTxn, id domain.ElementID) (int, domain.Element, bool) {
	b.idxMu.Lock()
	defer b.idxMu.Unlock()

	if !b.idxValid || b.idxVersion != at.Version() {
		b.rebuildIndex(at)
	}
	pos, ok := b.idx[id]
	if !ok {
		return 0, domain.Element{}, false
	}
	raw, ok := at.Get(pos)
	if !ok {
		return 0, domain.Element{}, false
	}
	var el domain.Element
	if err := codec.Unmarshal(raw, &el); err != nil || el.ID() != id {
		b.idxValid = false
		return 0, domain.Element{}, false
	}
	return pos, el, true
}

type elementHeader struct {
	Props struct {
		ID domain.ElementID `json:"id"`
	} `json:"props"`
}

func (b *BoardDocument) rebuildIndex(at *crdt.ArrayTxn) {
	values := at.Values()
	b.idx = make(map[domain.ElementID]int, len(values))
	for i, raw := range values {
		var h elementHeader
		if err := codec.Unmarshal(raw, &h); err != nil {
			continue
		}
		// Later positions overwrite earlier ones: newest match wins.
		b.idx[h.Props.ID] = i
	}
	b.idxVersion = at.Version()
	b.idxValid = true
}

// Clear removes every element in one transaction.
func (b *BoardDocument) Clear() error {
	return b.doc.Transact(b, func(tx *crdt.Txn) error {
		at := tx.Array(b.elements)
		return at.Delete(0, at.Len())
	})
}

// SnapshotArray returns the current elements in order.
func (b *BoardDocument) SnapshotArray() []domain.Element {
	values := b.elements.ToSlice()
	out := make([]domain.Element, 0, len(values))
	for _, raw := range values {
		var el domain.Element
		if err := codec.Unmarshal(raw, &el); err != nil {
			b.logger.Warnw("Skipping undecodable element", "error", err)
			continue
		}
		out = append(out, el)
	}
	return out
}

// Bootstrap hydrates an empty document from a stored snapshot. Replicas
// bootstrapping the same snapshot at once end up with a single copy. It
// reports whether anything was inserted.
func (b *BoardDocument) Bootstrap(elements []domain.Element) (bool, error) {
	values := make([][]byte, 0, len(elements))
	for _, el := range elements {
		if err := el.Validate(); err != nil {
			b.logger.Warnw("Dropping invalid stored element", "element_id", el.ID(), "error", err)
			continue
		}
		data, err := codec.Marshal(el)
		if err != nil {
			return false, fmt.Errorf("encode element: %w", err)
		}
		values = append(values, data)
	}
	if len(values) == 0 {
		return false, nil
	}

	seed, err := snapshotSeed(values)
	if err != nil {
		return false, err
	}

	seeded := false
	err = b.doc.Transact(b, func(tx *crdt.Txn) error {
		seeded = tx.Array(b.elements).SeedIfEmpty(seed, values)
		return nil
	})
	return seeded, err
}

func snapshotSeed(values [][]byte) (string, error) {
	h := blake3.New()
	for _, v := range values {
		if _, err := h.Write(v); err != nil {
			return "", err
		}
	}
	sum := h.Sum(nil)
	return "bootstrap:" + hex.EncodeToString(sum[:16]), nil
}

// Subscribe registers fn for every change, local or remote.
func (b *BoardDocument) Subscribe(fn func(BoardChange)) (unsubscribe func()) {
	return b.elements.Observe(func(ev crdt.ArrayEvent) {
		fn(BoardChange{Local: ev.Origin == b, Inserted: ev.Inserted, Deleted: ev.Deleted})
	})
}
