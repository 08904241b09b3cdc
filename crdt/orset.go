package crdt

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

// ORSet is an observed-remove set. Every add mints a unique tag; remove
// copies the element's currently observed add-tags into the removed set,
// so concurrent adds (with unobserved tags) survive the remove.
//
// Tag sets are thread-unsafe by construction: the owning shard's lock
// serializes all access.
type ORSet struct {
	Added   map[string]mapset.Set[string]
	Removed map[string]mapset.Set[string]
}

// NewORSet returns an empty set.
func NewORSet() *ORSet {
	return &ORSet{
		Added:   make(map[string]mapset.Set[string]),
		Removed: make(map[string]mapset.Set[string]),
	}
}

func (s *ORSet) Kind() Kind { return KindORSet }

// newTag mints a globally unique add-tag scoped to the minting node.
func newTag(nodeID string) string {
	return nodeID + ":" + uuid.NewString()
}

// Add inserts element with a fresh tag and returns the tag.
func (s *ORSet) Add(element, nodeID string) string {
	tag := newTag(nodeID)
	set, ok := s.Added[element]
	if !ok {
		set = mapset.NewThreadUnsafeSet[string]()
		s.Added[element] = set
	}
	set.Add(tag)
	return tag
}

// Remove deletes the observed add-tags of element. Unobserved tags added
// concurrently elsewhere are unaffected.
func (s *ORSet) Remove(element string) {
	added, ok := s.Added[element]
	if !ok {
		return
	}
	removed, ok := s.Removed[element]
	if !ok {
		removed = mapset.NewThreadUnsafeSet[string]()
		s.Removed[element] = removed
	}
	added.Each(func(tag string) bool {
		removed.Add(tag)
		return false
	})
}

// Contains reports whether element has at least one live add-tag.
func (s *ORSet) Contains(element string) bool {
	added, ok := s.Added[element]
	if !ok {
		return false
	}
	removed, ok := s.Removed[element]
	if !ok {
		return added.Cardinality() > 0
	}
	return added.Difference(removed).Cardinality() > 0
}

// Values returns the live elements in sorted order.
func (s *ORSet) Values() []string {
	out := make([]string, 0, len(s.Added))
	for e := range s.Added {
		if s.Contains(e) {
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out
}

func (s *ORSet) Merge(other Value) (Value, error) {
	o, ok := other.(*ORSet)
	if !ok {
		return nil, mismatch(KindORSet, other.Kind())
	}
	out := NewORSet()
	unionInto(out.Added, s.Added)
	unionInto(out.Added, o.Added)
	unionInto(out.Removed, s.Removed)
	unionInto(out.Removed, o.Removed)
	return out, nil
}

func (s *ORSet) Clone() Value {
	out := NewORSet()
	unionInto(out.Added, s.Added)
	unionInto(out.Removed, s.Removed)
	return out
}

func unionInto(dst, src map[string]mapset.Set[string]) {
	for e, tags := range src {
		set, ok := dst[e]
		if !ok {
			set = mapset.NewThreadUnsafeSet[string]()
			dst[e] = set
		}
		tags.Each(func(tag string) bool {
			set.Add(tag)
			return false
		})
	}
}
