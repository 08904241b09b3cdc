// Package lfu implements the least-frequently-used eviction strategy with
// O(1) frequency buckets.
package lfu

import (
	"github.com/hyperkv/hyperkv/policy"
)

// lfu tracks per-key hit counts and the reverse index count -> keys.
// minFreq points at the lowest populated bucket so victim selection starts
// there; maxFreq bounds the upward scan.
type lfu struct {
	h       policy.Hooks
	freq    map[string]uint64
	buckets map[uint64]map[string]struct{}
	minFreq uint64
	maxFreq uint64
}

type factory struct{}

// New returns a Factory that constructs per-cache LFU instances.
func New() policy.Factory { return factory{} }

func (factory) New(h policy.Hooks) policy.Strategy {
	return &lfu{
		h:       h,
		freq:    make(map[string]uint64),
		buckets: make(map[uint64]map[string]struct{}),
	}
}

func (p *lfu) addToBucket(key string, f uint64) {
	b, ok := p.buckets[f]
	if !ok {
		b = make(map[string]struct{})
		p.buckets[f] = b
	}
	b[key] = struct{}{}
	if f > p.maxFreq {
		p.maxFreq = f
	}
}

func (p *lfu) OnInsert(key string) {
	if _, ok := p.freq[key]; ok {
		p.OnAccess(key)
		return
	}
	p.freq[key] = 1
	p.addToBucket(key, 1)
	p.minFreq = 1
}

func (p *lfu) OnAccess(key string) {
	f, ok := p.freq[key]
	if !ok {
		return
	}
	delete(p.buckets[f], key)
	if len(p.buckets[f]) == 0 {
		delete(p.buckets, f)
		if f == p.minFreq {
			p.minFreq = f + 1
		}
	}
	p.freq[key] = f + 1
	p.addToBucket(key, f+1)
}

func (p *lfu) OnDelete(key string) {
	f, ok := p.freq[key]
	if !ok {
		return
	}
	delete(p.freq, key)
	delete(p.buckets[f], key)
	if len(p.buckets[f]) == 0 {
		delete(p.buckets, f)
	}
	// minFreq may now point at an empty bucket; SelectVictims scans
	// upward anyway, so no eager fixup is needed.
}

func (p *lfu) SelectVictims(count int, volatileOnly bool) []string {
	victims := make([]string, 0, count)
	for f := p.minFreq; f <= p.maxFreq && len(victims) < count; f++ {
		bucket, ok := p.buckets[f]
		if !ok {
			continue
		}
		for key := range bucket {
			if len(victims) >= count {
				break
			}
			if volatileOnly && !p.h.IsVolatile(key) {
				continue
			}
			victims = append(victims, key)
		}
	}
	return victims
}

func (p *lfu) Clear() {
	p.freq = make(map[string]uint64)
	p.buckets = make(map[uint64]map[string]struct{})
	p.minFreq = 0
	p.maxFreq = 0
}
