package crdt

// PNCounter is a positive-negative counter: one grow-only counter per node
// for increments and one for decrements. The value is Σinc − Σdec; merge
// takes the pointwise max per node, which makes replays idempotent.
type PNCounter struct {
	Inc map[string]uint64
	Dec map[string]uint64
}

// NewPNCounter returns a zeroed counter.
func NewPNCounter() *PNCounter {
	return &PNCounter{
		Inc: make(map[string]uint64),
		Dec: make(map[string]uint64),
	}
}

func (c *PNCounter) Kind() Kind { return KindPNCounter }

// Increment adds amount to the node's positive counter.
func (c *PNCounter) Increment(nodeID string, amount uint64) {
	c.Inc[nodeID] += amount
}

// Decrement adds amount to the node's negative counter.
func (c *PNCounter) Decrement(nodeID string, amount uint64) {
	c.Dec[nodeID] += amount
}

// Value returns the current count.
func (c *PNCounter) Value() int64 {
	var inc, dec uint64
	for _, n := range c.Inc {
		inc += n
	}
	for _, n := range c.Dec {
		dec += n
	}
	return int64(inc) - int64(dec)
}

func (c *PNCounter) Merge(other Value) (Value, error) {
	o, ok := other.(*PNCounter)
	if !ok {
		return nil, mismatch(KindPNCounter, other.Kind())
	}
	out := NewPNCounter()
	maxInto(out.Inc, c.Inc)
	maxInto(out.Inc, o.Inc)
	maxInto(out.Dec, c.Dec)
	maxInto(out.Dec, o.Dec)
	return out, nil
}

func (c *PNCounter) Clone() Value {
	out := NewPNCounter()
	maxInto(out.Inc, c.Inc)
	maxInto(out.Dec, c.Dec)
	return out
}

func maxInto(dst, src map[string]uint64) {
	for node, n := range src {
		if n > dst[node] {
			dst[node] = n
		}
	}
}
