// Package random implements uniform random eviction.
package random

import (
	"math/rand"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/hyperkv/hyperkv/policy"
)

// rnd tracks only key membership; victims are sampled without replacement.
type rnd struct {
	h    policy.Hooks
	keys mapset.Set[string]
}

type factory struct{}

// New returns a Factory that constructs random-eviction instances.
func New() policy.Factory { return factory{} }

func (factory) New(h policy.Hooks) policy.Strategy {
	return &rnd{h: h, keys: mapset.NewThreadUnsafeSet[string]()}
}

func (p *rnd) OnAccess(string) {}

func (p *rnd) OnInsert(key string) { p.keys.Add(key) }

func (p *rnd) OnDelete(key string) { p.keys.Remove(key) }

func (p *rnd) SelectVictims(count int, volatileOnly bool) []string {
	pool := make([]string, 0, p.keys.Cardinality())
	p.keys.Each(func(key string) bool {
		if !volatileOnly || p.h.IsVolatile(key) {
			pool = append(pool, key)
		}
		return false
	})
	if len(pool) <= count {
		return pool
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	return pool[:count]
}

func (p *rnd) Clear() {
	p.keys = mapset.NewThreadUnsafeSet[string]()
}
