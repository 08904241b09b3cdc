package lfu

import (
	"testing"

	"github.com/hyperkv/hyperkv/policy"
)

type volSet map[string]bool

func (v volSet) IsVolatile(key string) bool { return v[key] }

func newLFU(v volSet) policy.Strategy { return New().New(v) }

func TestLFU_ColdestFirst(t *testing.T) {
	p := newLFU(volSet{})

	p.OnInsert("cold")
	p.OnInsert("warm")
	p.OnInsert("hot")

	p.OnAccess("warm")
	for i := 0; i < 5; i++ {
		p.OnAccess("hot")
	}

	if got := p.SelectVictims(1, false); got[0] != "cold" {
		t.Fatalf("victim = %v, want cold", got)
	}

	// Asking for more spills into higher-frequency buckets in order.
	got := p.SelectVictims(2, false)
	if len(got) != 2 || got[0] != "cold" || got[1] != "warm" {
		t.Fatalf("victims = %v, want [cold warm]", got)
	}
}

func TestLFU_MinFreqAdvances(t *testing.T) {
	p := newLFU(volSet{})

	p.OnInsert("a")
	p.OnInsert("b")
	p.OnAccess("a")
	p.OnAccess("b")
	// Both keys are now at frequency 2; bucket 1 is gone.

	got := p.SelectVictims(2, false)
	if len(got) != 2 {
		t.Fatalf("victims = %v, want two keys", got)
	}
}

func TestLFU_DeleteAndReinsert(t *testing.T) {
	p := newLFU(volSet{})

	p.OnInsert("a")
	for i := 0; i < 9; i++ {
		p.OnAccess("a")
	}
	p.OnDelete("a")
	p.OnInsert("a") // frequency resets to 1
	p.OnInsert("b")
	p.OnAccess("b")

	if got := p.SelectVictims(1, false); got[0] != "a" {
		t.Fatalf("victim = %v, want a (reset frequency)", got)
	}
}

func TestLFU_VolatileOnly(t *testing.T) {
	p := newLFU(volSet{"v": true})

	p.OnInsert("persistent")
	p.OnInsert("v")
	for i := 0; i < 3; i++ {
		p.OnAccess("v") // volatile key is the hotter one
	}

	got := p.SelectVictims(1, true)
	if len(got) != 1 || got[0] != "v" {
		t.Fatalf("volatile victims = %v, want [v]", got)
	}
}
