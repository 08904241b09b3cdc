// Package shard implements the partitioned storage layer: each shard owns a
// slice of the keyspace behind its own lock, together with a cache manager
// and a TTL manager, and a Manager routes keys to their owning shard.
package shard

import (
	"sync"

	"go.uber.org/zap"

	"github.com/hyperkv/hyperkv/cache"
	"github.com/hyperkv/hyperkv/crdt"
	"github.com/hyperkv/hyperkv/kverr"
	"github.com/hyperkv/hyperkv/ttl"
)

// Shard owns the authoritative key→value map for its slice of the
// keyspace. Cache and TTL mutations that must stay consistent with the map
// happen under the shard's lock; both managers carry their own short-lived
// locks for reads from monitor goroutines. Lock order is (shard, clock,
// persistence): nothing here acquires another shard's lock.
type Shard struct {
	id    int
	mu    sync.RWMutex
	data  map[string]crdt.Value
	cache *cache.Manager
	ttl   *ttl.Manager
	log   *zap.Logger

	// onEvict observes destroyed victims. Called under the shard lock so
	// the observation (and any log append it makes) cannot interleave
	// with a later write to the same keys.
	onEvict func(keys []string)
}

// SetOnEvict installs the eviction observer. Must be called before the
// shard serves operations.
func (s *Shard) SetOnEvict(fn func(keys []string)) { s.onEvict = fn }

// New constructs a shard with its auxiliary managers.
func New(id int, cacheMgr *cache.Manager, ttlMgr *ttl.Manager, log *zap.Logger) *Shard {
	if log == nil {
		log = zap.NewNop()
	}
	return &Shard{
		id:    id,
		data:  make(map[string]crdt.Value),
		cache: cacheMgr,
		ttl:   ttlMgr,
		log:   log.With(zap.Int("shard", id)),
	}
}

// ID returns the shard's index.
func (s *Shard) ID() int { return s.id }

// TTL returns the shard's TTL manager.
func (s *Shard) TTL() *ttl.Manager { return s.ttl }

// Cache returns the shard's cache manager.
func (s *Shard) Cache() *cache.Manager { return s.cache }

// Get returns the value for key. expired reports that the key existed but
// was dropped by the passive TTL check on this access.
func (s *Shard) Get(key string) (v crdt.Value, ok bool, expired bool) {
	if s.ttl.IsExpired(key) {
		return nil, false, s.dropKey(key)
	}

	if v, ok := s.cache.Get(key); ok {
		return v, true, false
	}

	s.mu.Lock()
	v, ok = s.data[key]
	if !ok {
		s.mu.Unlock()
		return nil, false, false
	}
	// Repopulate the cache under the lock so a concurrent Delete cannot
	// leave a stale entry behind; eviction may destroy other keys.
	_, hasTTL := s.ttl.TTL(key)
	victims := s.destroyLocked(s.cache.Put(key, v, hasTTL), key)
	s.mu.Unlock()
	s.forgetTTLs(victims)
	return v, true, false
}

// Peek returns the value without touching cache or TTL state.
func (s *Shard) Peek(key string) (crdt.Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Set stores value under key. persist, when non-nil, is invoked under the
// shard lock after the in-memory update; if it fails the update is rolled
// back and the error surfaced as StorageIO.
func (s *Shard) Set(key string, value crdt.Value, hasTTL bool, persist func() error) error {
	s.mu.Lock()
	old, existed := s.data[key]
	s.data[key] = value
	if persist != nil {
		if err := persist(); err != nil {
			if existed {
				s.data[key] = old
			} else {
				delete(s.data, key)
			}
			s.mu.Unlock()
			return kverr.Wrap(kverr.StorageIO, err, "persist set")
		}
	}
	victims := s.destroyLocked(s.cache.Put(key, value, hasTTL), key)
	s.mu.Unlock()
	s.forgetTTLs(victims)
	return nil
}

// Update applies a read-modify-write atomically under the shard lock:
// mutate receives the current value (nil when absent or expired) and
// returns its replacement; persist, when non-nil, runs under the same
// lock and rolls the change back on failure, exactly as in Set.
//
// mutate must not modify old in place — rollback hands the same old value
// back to the map. Clone before mutating.
func (s *Shard) Update(key string, mutate func(old crdt.Value, exists bool) (crdt.Value, error), persist func(next crdt.Value) error) error {
	expired := s.ttl.IsExpired(key)

	s.mu.Lock()
	old, existed := s.data[key]
	if expired {
		delete(s.data, key)
		s.cache.Delete(key)
		old, existed = nil, false
	}
	next, err := mutate(old, existed)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.data[key] = next
	if persist != nil {
		if err := persist(next); err != nil {
			if existed {
				s.data[key] = old
			} else {
				delete(s.data, key)
			}
			s.mu.Unlock()
			return kverr.Wrap(kverr.StorageIO, err, "persist update")
		}
	}
	_, hasTTL := s.ttl.TTL(key)
	victims := s.destroyLocked(s.cache.Put(key, next, hasTTL), key)
	s.mu.Unlock()
	s.forgetTTLs(victims)
	return nil
}

// Delete removes key. Reports whether it existed in any layer. persist
// follows the same contract as in Set.
func (s *Shard) Delete(key string, persist func() error) (bool, error) {
	s.mu.Lock()
	old, existed := s.data[key]
	delete(s.data, key)
	if persist != nil {
		if err := persist(); err != nil {
			if existed {
				s.data[key] = old
			}
			s.mu.Unlock()
			return false, kverr.Wrap(kverr.StorageIO, err, "persist delete")
		}
	}
	if s.cache.Delete(key) {
		existed = true
	}
	s.mu.Unlock()

	if s.ttl.RemoveTTL(key) {
		existed = true
	}
	return existed, nil
}

// Exists reports whether key is present and unexpired. The second result
// reports a passive expiration performed by this call. A value whose CRDT
// state reads as absent (tombstoned register) counts as missing.
func (s *Shard) Exists(key string) (bool, bool) {
	if s.ttl.IsExpired(key) {
		return false, s.dropKey(key)
	}
	s.mu.RLock()
	v, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return false, false
	}
	if r, isReg := v.(*crdt.LWWRegister); isReg {
		if _, live := r.Get(); !live {
			return false, false
		}
	}
	return true, false
}

// DropExpired removes a key expired by the active sweeper. The TTL entry
// is already gone; this clears the map and cache.
func (s *Shard) DropExpired(key string) bool {
	return s.dropKey(key)
}

// dropKey removes key from map and cache, reporting prior existence.
func (s *Shard) dropKey(key string) bool {
	s.mu.Lock()
	_, existed := s.data[key]
	delete(s.data, key)
	s.cache.Delete(key)
	s.mu.Unlock()
	return existed
}

// destroyLocked deletes cache-evicted keys from the authoritative map:
// eviction destroys keys, it does not merely uncache them. Returns the
// keys whose TTL entries still need dropping once the lock is released.
func (s *Shard) destroyLocked(evicted []string, spare string) []string {
	if len(evicted) == 0 {
		return nil
	}
	victims := evicted[:0]
	for _, key := range evicted {
		if key == spare {
			continue
		}
		delete(s.data, key)
		victims = append(victims, key)
	}
	if len(victims) > 0 && s.onEvict != nil {
		s.onEvict(victims)
	}
	return victims
}

func (s *Shard) forgetTTLs(keys []string) {
	for _, key := range keys {
		s.ttl.RemoveTTL(key)
	}
	if len(keys) > 0 {
		s.log.Debug("evicted keys dropped from shard", zap.Int("count", len(keys)))
	}
}

// ForceEvict evicts up to n cache victims and destroys them, returning
// the evicted keys.
func (s *Shard) ForceEvict(n int) []string {
	s.mu.Lock()
	evicted := s.cache.ForceEviction(n)
	for _, key := range evicted {
		delete(s.data, key)
	}
	if len(evicted) > 0 && s.onEvict != nil {
		s.onEvict(evicted)
	}
	s.mu.Unlock()
	for _, key := range evicted {
		s.ttl.RemoveTTL(key)
	}
	return evicted
}

// Restore installs a recovered value without touching persistence.
func (s *Shard) Restore(key string, value crdt.Value) {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
}

// Keys returns a copy of the shard's resident key set.
func (s *Shard) Keys() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.data))
	for key := range s.data {
		out = append(out, key)
	}
	s.mu.RUnlock()
	return out
}

// Len returns the number of resident keys.
func (s *Shard) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// itemsLocked collects cloned values for a snapshot. Caller holds mu.
func (s *Shard) itemsLocked() []SnapItem {
	items := make([]SnapItem, 0, len(s.data))
	for key, v := range s.data {
		at, _ := s.ttl.Deadline(key)
		items = append(items, SnapItem{Key: key, Value: v.Clone(), ExpiresAt: at})
	}
	return items
}
