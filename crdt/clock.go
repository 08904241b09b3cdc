package crdt

import (
	"sync"
	"time"
)

// Timestamp is a Hybrid Logical Clock reading. Ordering is lexicographic on
// (Physical, Logical); equal timestamps from different nodes are broken by
// NodeID so that LWW resolution is deterministic across replicas.
type Timestamp struct {
	Logical  uint64
	Physical int64 // wall clock in 10ms units
	NodeID   string
}

// Compare returns -1, 0 or +1. NodeID participates only as the final
// tiebreak, so timestamps from the same node compare equal to themselves.
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.Physical != other.Physical:
		if t.Physical < other.Physical {
			return -1
		}
		return 1
	case t.Logical != other.Logical:
		if t.Logical < other.Logical {
			return -1
		}
		return 1
	case t.NodeID != other.NodeID:
		if t.NodeID < other.NodeID {
			return -1
		}
		return 1
	}
	return 0
}

// Before reports whether t orders strictly before other.
func (t Timestamp) Before(other Timestamp) bool { return t.Compare(other) < 0 }

// After reports whether t orders strictly after other.
func (t Timestamp) After(other Timestamp) bool { return t.Compare(other) > 0 }

// IsZero reports an unset timestamp.
func (t Timestamp) IsZero() bool {
	return t.Logical == 0 && t.Physical == 0 && t.NodeID == ""
}

// WallClock supplies the physical component of HLC readings.
// Overridable in tests; the default reads the system clock.
type WallClock func() time.Time

// physicalUnits converts a wall reading to 10ms units, the granularity the
// logical counter disambiguates within.
func physicalUnits(t time.Time) int64 {
	return t.UnixMilli() / 10
}

// HLC is a Hybrid Logical Clock: wall time at 10ms granularity plus a
// logical counter for events within the same unit. One instance per node.
type HLC struct {
	mu       sync.Mutex
	logical  uint64
	physical int64
	nodeID   string
	wall     WallClock
}

// NewHLC builds a clock for the given node. wall may be nil for system time.
func NewHLC(nodeID string, wall WallClock) *HLC {
	if wall == nil {
		wall = time.Now
	}
	return &HLC{
		nodeID:   nodeID,
		physical: physicalUnits(wall()),
		wall:     wall,
	}
}

// NodeID returns the owning node's identifier.
func (c *HLC) NodeID() string { return c.nodeID }

// Tick advances the clock for a local event and returns the new timestamp.
func (c *HLC) Tick() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := physicalUnits(c.wall())
	if now > c.physical {
		c.physical = now
		c.logical = 0
	} else {
		c.logical++
	}
	return Timestamp{Logical: c.logical, Physical: c.physical, NodeID: c.nodeID}
}

// Update merges a remote timestamp into the clock and returns the new local
// timestamp. The result orders after both the previous local reading and
// the remote one.
func (c *HLC) Update(other Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := physicalUnits(c.wall())
	maxPhys := max(now, max(c.physical, other.Physical))

	switch {
	case maxPhys == now && now > max(c.physical, other.Physical):
		c.logical = 0
	case maxPhys == c.physical && c.physical > other.Physical:
		c.logical++
	case maxPhys == other.Physical && other.Physical > c.physical:
		c.logical = other.Logical + 1
	default:
		c.logical = max(c.logical, other.Logical) + 1
	}
	c.physical = maxPhys
	return Timestamp{Logical: c.logical, Physical: c.physical, NodeID: c.nodeID}
}

// Current returns the clock's state without advancing it.
func (c *HLC) Current() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Timestamp{Logical: c.logical, Physical: c.physical, NodeID: c.nodeID}
}

// Restore advances the clock to a persisted state when that state orders
// after the current reading; it never moves the clock backward. Used once
// during recovery, before the server accepts operations.
func (c *HLC) Restore(ts Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts.Physical > c.physical || (ts.Physical == c.physical && ts.Logical > c.logical) {
		c.physical = ts.Physical
		c.logical = ts.Logical
	}
}

// Ordering is the result of a vector clock comparison.
type Ordering int8

const (
	Less       Ordering = -1
	Equal      Ordering = 0
	Greater    Ordering = 1
	Concurrent Ordering = 2
)

// VectorClock tracks one counter per node under the standard vector partial
// order. One instance per node.
type VectorClock struct {
	mu     sync.Mutex
	nodeID string
	clock  map[string]uint64
}

// NewVectorClock builds a vector clock owned by nodeID.
func NewVectorClock(nodeID string) *VectorClock {
	return &VectorClock{
		nodeID: nodeID,
		clock:  map[string]uint64{nodeID: 0},
	}
}

// Tick increments the local entry and returns a snapshot.
func (v *VectorClock) Tick() map[string]uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.clock[v.nodeID]++
	return v.snapshotLocked()
}

// Update takes the pointwise max with other, then increments the local
// entry, and returns a snapshot.
func (v *VectorClock) Update(other map[string]uint64) map[string]uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	for node, n := range other {
		if n > v.clock[node] {
			v.clock[node] = n
		}
	}
	v.clock[v.nodeID]++
	return v.snapshotLocked()
}

// Snapshot returns a copy of the current state.
func (v *VectorClock) Snapshot() map[string]uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

func (v *VectorClock) snapshotLocked() map[string]uint64 {
	out := make(map[string]uint64, len(v.clock))
	for node, n := range v.clock {
		out[node] = n
	}
	return out
}

// CompareVector orders two vector clock snapshots under the vector partial
// order: Less, Greater, Equal, or Concurrent.
func CompareVector(a, b map[string]uint64) Ordering {
	var aGreater, bGreater bool
	for node, an := range a {
		if an > b[node] {
			aGreater = true
		}
	}
	for node, bn := range b {
		if bn > a[node] {
			bGreater = true
		}
	}
	switch {
	case aGreater && bGreater:
		return Concurrent
	case aGreater:
		return Greater
	case bGreater:
		return Less
	}
	return Equal
}

// LamportClock is a plain monotonic counter, the minimal clock the
// crdt.clock_type knob recognizes. It provides no physical component;
// LWW ordering degrades to counter-then-node-id.
type LamportClock struct {
	mu      sync.Mutex
	nodeID  string
	counter uint64
}

// NewLamportClock builds a Lamport clock owned by nodeID.
func NewLamportClock(nodeID string) *LamportClock {
	return &LamportClock{nodeID: nodeID}
}

// Tick increments and returns the counter as a Timestamp with zero physical
// component, so it remains comparable under the HLC ordering.
func (l *LamportClock) Tick() Timestamp {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counter++
	return Timestamp{Logical: l.counter, NodeID: l.nodeID}
}

// Update raises the counter past a remote reading.
func (l *LamportClock) Update(other Timestamp) Timestamp {
	l.mu.Lock()
	defer l.mu.Unlock()
	if other.Logical > l.counter {
		l.counter = other.Logical
	}
	l.counter++
	return Timestamp{Logical: l.counter, NodeID: l.nodeID}
}
