package random

import (
	"testing"

	"github.com/hyperkv/hyperkv/policy"
)

type volSet map[string]bool

func (v volSet) IsVolatile(key string) bool { return v[key] }

func newRandom(v volSet) policy.Strategy { return New().New(v) }

func TestRandom_SampleWithoutReplacement(t *testing.T) {
	p := newRandom(volSet{})
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		p.OnInsert(k)
	}

	victims := p.SelectVictims(3, false)
	if len(victims) != 3 {
		t.Fatalf("got %d victims, want 3", len(victims))
	}
	seen := map[string]bool{}
	for _, v := range victims {
		if seen[v] {
			t.Fatalf("victim %q sampled twice", v)
		}
		seen[v] = true
	}
}

func TestRandom_AskingForMoreReturnsAll(t *testing.T) {
	p := newRandom(volSet{})
	p.OnInsert("a")
	p.OnInsert("b")
	if got := p.SelectVictims(10, false); len(got) != 2 {
		t.Fatalf("got %d victims, want 2", len(got))
	}
}

func TestRandom_VolatileOnly(t *testing.T) {
	p := newRandom(volSet{"v1": true, "v2": true})
	for _, k := range []string{"p1", "v1", "p2", "v2"} {
		p.OnInsert(k)
	}
	victims := p.SelectVictims(10, true)
	if len(victims) != 2 {
		t.Fatalf("got %v, want the two volatile keys", victims)
	}
	for _, v := range victims {
		if v != "v1" && v != "v2" {
			t.Fatalf("non-volatile victim %q", v)
		}
	}
}

func TestRandom_DeleteForgets(t *testing.T) {
	p := newRandom(volSet{})
	p.OnInsert("a")
	p.OnDelete("a")
	if got := p.SelectVictims(1, false); len(got) != 0 {
		t.Fatalf("victims after delete = %v", got)
	}
}
