// Package arc implements the Adaptive Replacement Cache eviction strategy:
// two resident queues balancing recency (T1) against frequency (T2), two
// ghost queues (B1, B2) remembering recently evicted keys, and a target
// size p that adapts toward whichever ghost queue keeps getting hit.
package arc

import (
	"container/list"

	"github.com/hyperkv/hyperkv/policy"
)

type queue struct {
	l   *list.List               // front = oldest
	idx map[string]*list.Element // key -> element
}

func newQueue() queue {
	return queue{l: list.New(), idx: make(map[string]*list.Element)}
}

func (q *queue) contains(key string) bool { _, ok := q.idx[key]; return ok }
func (q *queue) len() int                 { return q.l.Len() }

func (q *queue) pushBack(key string) { q.idx[key] = q.l.PushBack(key) }

func (q *queue) remove(key string) bool {
	el, ok := q.idx[key]
	if !ok {
		return false
	}
	q.l.Remove(el)
	delete(q.idx, key)
	return true
}

func (q *queue) moveToBack(key string) {
	if el, ok := q.idx[key]; ok {
		q.l.MoveToBack(el)
	}
}

// trimFront drops oldest entries until the queue is at most n long.
func (q *queue) trimFront(n int) {
	for q.l.Len() > n {
		front := q.l.Front()
		q.l.Remove(front)
		delete(q.idx, front.Value.(string))
	}
}

func (q *queue) clear() {
	q.l.Init()
	q.idx = make(map[string]*list.Element)
}

type arc struct {
	h        policy.Hooks
	capacity int
	p        int // target size of T1

	t1, t2 queue // resident
	b1, b2 queue // ghosts
}

type factory struct{ capacity int }

// New returns a Factory building ARC instances with the given resident
// capacity (entry count); the capacity bounds p and the ghost queues.
func New(capacity int) policy.Factory {
	if capacity < 1 {
		capacity = 1
	}
	return factory{capacity: capacity}
}

func (f factory) New(h policy.Hooks) policy.Strategy {
	return &arc{
		h:        h,
		capacity: f.capacity,
		t1:       newQueue(),
		t2:       newQueue(),
		b1:       newQueue(),
		b2:       newQueue(),
	}
}

func (p *arc) OnInsert(key string) {
	switch {
	case p.t1.contains(key):
		// Re-insert of a resident key counts as use.
		p.t1.remove(key)
		p.t2.pushBack(key)

	case p.t2.contains(key):
		p.t2.moveToBack(key)

	case p.b1.contains(key):
		// Ghost hit in B1: recency is winning, grow the T1 target.
		p.p = min(p.capacity, p.p+max(1, p.b2.len()/p.b1.len()))
		p.b1.remove(key)
		p.t2.pushBack(key)

	case p.b2.contains(key):
		// Ghost hit in B2: frequency is winning, shrink the T1 target.
		p.p = max(0, p.p-max(1, p.b1.len()/p.b2.len()))
		p.b2.remove(key)
		p.t2.pushBack(key)

	default:
		p.t1.pushBack(key)
	}
}

func (p *arc) OnAccess(key string) {
	switch {
	case p.t1.contains(key):
		p.t1.remove(key)
		p.t2.pushBack(key)
	case p.t2.contains(key):
		p.t2.moveToBack(key)
	}
}

func (p *arc) OnDelete(key string) {
	// A departing resident leaves a ghost so that its return can steer p.
	if p.t1.remove(key) {
		p.b1.pushBack(key)
		p.b1.trimFront(p.capacity)
		return
	}
	if p.t2.remove(key) {
		p.b2.pushBack(key)
		p.b2.trimFront(p.capacity)
		return
	}
	p.b1.remove(key)
	p.b2.remove(key)
}

func (p *arc) SelectVictims(count int, volatileOnly bool) []string {
	victims := make([]string, 0, count)

	first, second := &p.t2, &p.t1
	if p.t1.len() > p.p {
		first, second = &p.t1, &p.t2
	}
	for _, q := range []*queue{first, second} {
		for el := q.l.Front(); el != nil && len(victims) < count; el = el.Next() {
			key := el.Value.(string)
			if volatileOnly && !p.h.IsVolatile(key) {
				continue
			}
			victims = append(victims, key)
		}
	}
	return victims
}

func (p *arc) Clear() {
	p.t1.clear()
	p.t2.clear()
	p.b1.clear()
	p.b2.clear()
	p.p = 0
}
