// Package crdt implements the per-key replicated value engine: logical
// clocks, the four value variants (LWW register, LWW set, OR-set,
// PN-counter) and their binary wire codec.
//
// Values carry no locks. A value is owned by exactly one shard; the shard's
// lock serializes every mutation and merge. Merges are commutative,
// associative and idempotent within a variant; merging across variants is
// a TypeMismatch error and must not be persisted.
package crdt

import (
	"github.com/hyperkv/hyperkv/kverr"
)

// Kind discriminates the value variants. It is also the tag byte of the
// binary frame, so values are append-only: new variants get new tags.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindLWWRegister
	KindLWWSet
	KindORSet
	KindPNCounter
)

var kindNames = [...]string{
	KindInvalid:     "invalid",
	KindLWWRegister: "lww",
	KindLWWSet:      "lww_set",
	KindORSet:       "or_set",
	KindPNCounter:   "counter",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "invalid"
}

// ParseKind maps the configuration spellings to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "lww", "lww_register":
		return KindLWWRegister, nil
	case "lww_set":
		return KindLWWSet, nil
	case "or_set", "orset":
		return KindORSet, nil
	case "counter", "pn_counter":
		return KindPNCounter, nil
	}
	return KindInvalid, kverr.Newf(kverr.InvalidArgument, "unknown crdt kind %q", s)
}

// Value is the tagged union over the variants. Implementations are
// *LWWRegister, *LWWSet, *ORSet and *PNCounter.
type Value interface {
	// Kind returns the variant tag.
	Kind() Kind
	// Merge folds other into a new value. Both inputs are left intact.
	// Merging mismatched variants fails with kverr.TypeMismatch.
	Merge(other Value) (Value, error)
	// Clone returns a deep copy, used for snapshot isolation.
	Clone() Value
}

// mismatch builds the error every variant returns for a cross-variant merge.
func mismatch(want, got Kind) error {
	return kverr.Newf(kverr.TypeMismatch, "cannot merge %s into %s", got, want)
}

// New constructs a value of the given kind, applying an optional initial
// state: a register is set to the string, set variants add each element,
// and a counter applies the amount as an increment.
func New(kind Kind, initial any, nodeID string, ts Timestamp) (Value, error) {
	switch kind {
	case KindLWWRegister:
		r := NewLWWRegister()
		if initial != nil {
			s, ok := initial.(string)
			if !ok {
				return nil, kverr.Newf(kverr.InvalidArgument, "lww register initial value must be a string, got %T", initial)
			}
			r.Set(s, ts)
		}
		return r, nil

	case KindLWWSet:
		s := NewLWWSet()
		for _, e := range initialElements(initial) {
			s.Add(e, ts)
		}
		return s, nil

	case KindORSet:
		s := NewORSet()
		for _, e := range initialElements(initial) {
			s.Add(e, nodeID)
		}
		return s, nil

	case KindPNCounter:
		c := NewPNCounter()
		switch n := initial.(type) {
		case nil:
		case int:
			c.Increment(nodeID, uint64(n))
		case int64:
			c.Increment(nodeID, uint64(n))
		case uint64:
			c.Increment(nodeID, n)
		default:
			return nil, kverr.Newf(kverr.InvalidArgument, "counter initial value must be an integer, got %T", initial)
		}
		return c, nil
	}
	return nil, kverr.Newf(kverr.InvalidArgument, "unknown crdt kind %d", kind)
}

func initialElements(initial any) []string {
	switch v := initial.(type) {
	case nil:
		return nil
	case string:
		return []string{v}
	case []string:
		return v
	}
	return nil
}
