package crdt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeWall is a manually advanced wall clock for deterministic HLC tests.
type fakeWall struct{ t time.Time }

func (f *fakeWall) now() time.Time      { return f.t }
func (f *fakeWall) add(d time.Duration) { f.t = f.t.Add(d) }

func newFakeWall() *fakeWall { return &fakeWall{t: time.Unix(1_700_000_000, 0)} }

func TestHLC_TickMonotonic(t *testing.T) {
	t.Parallel()

	wall := newFakeWall()
	clk := NewHLC("node-a", wall.now)

	prev := clk.Tick()
	for i := 0; i < 1000; i++ {
		// Advance the wall clock only sometimes; within a frozen wall
		// reading the logical counter must carry monotonicity.
		if i%7 == 0 {
			wall.add(15 * time.Millisecond)
		}
		ts := clk.Tick()
		require.True(t, ts.After(prev), "tick %d: %+v not after %+v", i, ts, prev)
		prev = ts
	}
}

func TestHLC_TickResetsLogicalOnWallAdvance(t *testing.T) {
	t.Parallel()

	wall := newFakeWall()
	clk := NewHLC("node-a", wall.now)

	ts1 := clk.Tick()
	ts2 := clk.Tick()
	require.Equal(t, ts1.Physical, ts2.Physical)
	require.Equal(t, ts1.Logical+1, ts2.Logical)

	wall.add(20 * time.Millisecond)
	ts3 := clk.Tick()
	require.Greater(t, ts3.Physical, ts2.Physical)
	require.Zero(t, ts3.Logical)
}

func TestHLC_UpdateOrdersAfterRemote(t *testing.T) {
	t.Parallel()

	wall := newFakeWall()
	clk := NewHLC("node-a", wall.now)
	local := clk.Tick()

	// Remote clock far ahead of the local wall.
	remote := Timestamp{Logical: 5, Physical: local.Physical + 1000, NodeID: "node-b"}
	merged := clk.Update(remote)

	require.True(t, merged.After(local))
	require.True(t, merged.After(remote))
	require.Equal(t, remote.Physical, merged.Physical)
	require.Equal(t, remote.Logical+1, merged.Logical)

	// Subsequent ticks keep increasing even though the wall lags.
	next := clk.Tick()
	require.True(t, next.After(merged))
}

func TestHLC_UpdateMonotonicUnderInterleaving(t *testing.T) {
	t.Parallel()

	wall := newFakeWall()
	clk := NewHLC("node-a", wall.now)

	prev := clk.Tick()
	remotes := []Timestamp{
		{Logical: 0, Physical: prev.Physical, NodeID: "b"},
		{Logical: 9, Physical: prev.Physical + 3, NodeID: "c"},
		{Logical: 2, Physical: prev.Physical - 50, NodeID: "d"},
	}
	for i := 0; i < 300; i++ {
		var ts Timestamp
		if i%3 == 0 {
			ts = clk.Update(remotes[i%len(remotes)])
		} else {
			ts = clk.Tick()
		}
		if i%11 == 0 {
			wall.add(10 * time.Millisecond)
		}
		require.True(t, ts.After(prev), "step %d", i)
		prev = ts
	}
}

func TestTimestamp_NodeIDTiebreak(t *testing.T) {
	t.Parallel()

	a := Timestamp{Logical: 3, Physical: 100, NodeID: "node-a"}
	b := Timestamp{Logical: 3, Physical: 100, NodeID: "node-b"}
	require.True(t, b.After(a))
	require.True(t, a.Before(b))
	require.Equal(t, 0, a.Compare(a))
}

func TestVectorClock_Causality(t *testing.T) {
	t.Parallel()

	a := NewVectorClock("a")
	tsX := a.Tick()
	tsY := a.Tick()

	// X happens-before Y on the same node.
	require.Equal(t, Less, CompareVector(tsX, tsY))
	require.Equal(t, Greater, CompareVector(tsY, tsX))
}

func TestVectorClock_Concurrent(t *testing.T) {
	t.Parallel()

	a := NewVectorClock("a")
	b := NewVectorClock("b")
	tsA := a.Tick()
	tsB := b.Tick()
	require.Equal(t, Concurrent, CompareVector(tsA, tsB))

	// After b observes a, b's next event dominates a's.
	tsB2 := b.Update(tsA)
	require.Equal(t, Greater, CompareVector(tsB2, tsA))
	require.Equal(t, Less, CompareVector(tsA, tsB2))
}

func TestVectorClock_Equal(t *testing.T) {
	t.Parallel()

	x := map[string]uint64{"a": 1, "b": 2}
	y := map[string]uint64{"a": 1, "b": 2}
	require.Equal(t, Equal, CompareVector(x, y))
}

func TestLamportClock(t *testing.T) {
	t.Parallel()

	l := NewLamportClock("a")
	ts1 := l.Tick()
	ts2 := l.Tick()
	require.True(t, ts2.After(ts1))

	merged := l.Update(Timestamp{Logical: 50, NodeID: "b"})
	require.Equal(t, uint64(51), merged.Logical)
}
