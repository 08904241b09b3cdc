package lru

import (
	"reflect"
	"testing"

	"github.com/hyperkv/hyperkv/policy"
)

// volSet is a test Hooks implementation backed by a plain set.
type volSet map[string]bool

func (v volSet) IsVolatile(key string) bool { return v[key] }

func newLRU(v volSet) policy.Strategy { return New().New(v) }

func TestLRU_VictimOrder(t *testing.T) {
	p := newLRU(volSet{})

	p.OnInsert("a")
	p.OnInsert("b")
	p.OnInsert("c")

	// Touch a: it becomes the most recent; b is now the coldest.
	p.OnAccess("a")

	got := p.SelectVictims(2, false)
	want := []string{"b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("victims = %v, want %v", got, want)
	}
}

func TestLRU_ReinsertPromotes(t *testing.T) {
	p := newLRU(volSet{})

	p.OnInsert("a")
	p.OnInsert("b")
	p.OnInsert("a") // update counts as use

	if got := p.SelectVictims(1, false); got[0] != "b" {
		t.Fatalf("victim = %v, want b", got)
	}
}

func TestLRU_DeleteForgets(t *testing.T) {
	p := newLRU(volSet{})

	p.OnInsert("a")
	p.OnInsert("b")
	p.OnDelete("a")

	got := p.SelectVictims(10, false)
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("victims = %v, want [b]", got)
	}
}

func TestLRU_VolatileOnly(t *testing.T) {
	p := newLRU(volSet{"b": true, "d": true})

	for _, k := range []string{"a", "b", "c", "d"} {
		p.OnInsert(k)
	}

	got := p.SelectVictims(10, true)
	want := []string{"b", "d"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("volatile victims = %v, want %v", got, want)
	}
}

func TestLRU_Clear(t *testing.T) {
	p := newLRU(volSet{})
	p.OnInsert("a")
	p.Clear()
	if got := p.SelectVictims(10, false); len(got) != 0 {
		t.Fatalf("victims after clear = %v", got)
	}
}
