// Package lru implements the least-recently-used eviction strategy.
package lru

import (
	"container/list"

	"github.com/hyperkv/hyperkv/policy"
)

// lru keeps an access-ordered list: front is the coldest key, back the
// most recently touched. Victims come off the front.
type lru struct {
	h     policy.Hooks
	order *list.List               // of string keys
	idx   map[string]*list.Element // key -> element
}

type factory struct{}

// New returns a Factory that constructs per-cache LRU instances.
func New() policy.Factory { return factory{} }

func (factory) New(h policy.Hooks) policy.Strategy {
	return &lru{
		h:     h,
		order: list.New(),
		idx:   make(map[string]*list.Element),
	}
}

func (p *lru) OnInsert(key string) {
	if el, ok := p.idx[key]; ok {
		p.order.MoveToBack(el)
		return
	}
	p.idx[key] = p.order.PushBack(key)
}

func (p *lru) OnAccess(key string) {
	if el, ok := p.idx[key]; ok {
		p.order.MoveToBack(el)
	}
}

func (p *lru) OnDelete(key string) {
	if el, ok := p.idx[key]; ok {
		p.order.Remove(el)
		delete(p.idx, key)
	}
}

func (p *lru) SelectVictims(count int, volatileOnly bool) []string {
	victims := make([]string, 0, count)
	for el := p.order.Front(); el != nil && len(victims) < count; el = el.Next() {
		key := el.Value.(string)
		if volatileOnly && !p.h.IsVolatile(key) {
			continue
		}
		victims = append(victims, key)
	}
	return victims
}

func (p *lru) Clear() {
	p.order.Init()
	p.idx = make(map[string]*list.Element)
}
