package crdt

import (
	"fmt"

	"boardnet/pkg/codec"
)

// ID names one operation: the writing client and its Lamport clock at the
// time of writing. IDs are totally ordered by (Clock, Client).
type ID struct {
	Client string `cbor:"1,keyasint"`
	Clock  uint64 `cbor:"2,keyasint"`
}

func (a ID) Less(b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Client < b.Client
}

func (a ID) String() string {
	return fmt.Sprintf("%s@%d", a.Client, a.Clock)
}

type opKind uint8

const (
	opInsert opKind = iota + 1
	opDelete
	opMapSet
)

// op is the unit of replication. For opDelete, ID names the deleted item.
// For opMapSet, ID is the version of the write and Tombstone marks a delete.
type op struct {
	Kind      opKind `cbor:"1,keyasint"`
	Type      string `cbor:"2,keyasint"`
	ID        ID     `cbor:"3,keyasint"`
	Origin    *ID    `cbor:"4,keyasint,omitempty"`
	Key       string `cbor:"5,keyasint,omitempty"`
	Value     []byte `cbor:"6,keyasint,omitempty"`
	Tombstone bool   `cbor:"7,keyasint,omitempty"`
}

type update struct {
	Ops []op `cbor:"1,keyasint"`
}

func encodeUpdate(ops []op) ([]byte, error) {
	return codec.Marshal(update{Ops: ops})
}

func decodeUpdate(data []byte) ([]op, error) {
	var u update
	if err := codec.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	for i, o := range u.Ops {
		switch o.Kind {
		case opInsert, opDelete:
			if o.Type == "" || o.ID.Client == "" {
				return nil, fmt.Errorf("decode update: op %d: missing type or id", i)
			}
		case opMapSet:
			if o.Type == "" || o.ID.Client == "" || o.Key == "" {
				return nil, fmt.Errorf("decode update: op %d: missing type, id or key", i)
			}
		default:
			return nil, fmt.Errorf("decode update: op %d: unknown kind %d", i, o.Kind)
		}
	}
	return u.Ops, nil
}

// UpdateSize reports how many ops an encoded update carries.
func UpdateSize(data []byte) (int, error) {
	ops, err := decodeUpdate(data)
	return len(ops), err
}
