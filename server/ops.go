package server

import (
	"context"
	"path"
	"sort"
	"time"

	"github.com/hyperkv/hyperkv/crdt"
	"github.com/hyperkv/hyperkv/kverr"
	"github.com/hyperkv/hyperkv/pubsub"
	"github.com/hyperkv/hyperkv/shard"
	"github.com/hyperkv/hyperkv/storage"
)

// Display renders a CRDT value as the operation-level result: the string
// of a register, the live elements of a set, the count of a counter.
// ok is false for a tombstoned or never-written register.
func Display(v crdt.Value) (any, bool) {
	switch val := v.(type) {
	case *crdt.LWWRegister:
		s, ok := val.Get()
		return s, ok
	case *crdt.LWWSet:
		return val.Elements(), true
	case *crdt.ORSet:
		return val.Values(), true
	case *crdt.PNCounter:
		return val.Value(), true
	}
	return nil, false
}

// tick advances the configured value clock and the vector clock.
func (s *Server) tick() crdt.Timestamp {
	s.vclock.Tick()
	return s.clock.Tick()
}

// Get returns the value for key, or ok=false when absent or expired.
func (s *Server) Get(key string) (any, bool, error) {
	if err := s.checkRunning(); err != nil {
		return nil, false, s.recordErr(err)
	}
	s.stats.totalOps.Add(1)
	s.stats.getOps.Add(1)
	s.metrics.Op("get")

	var out any
	var found bool
	err := s.shards.ExecuteOnShard(key, func(sh *shard.Shard) error {
		v, ok, expired := sh.Get(key)
		if expired {
			s.onExpired(key, true)
		}
		if !ok {
			v, ok = s.loadFromEngine(sh, key)
		}
		if !ok {
			return nil
		}
		out, found = Display(v)
		return nil
	})
	if err != nil {
		return nil, false, s.recordErr(err)
	}
	return out, found, nil
}

// loadFromEngine falls through to the storage engine on a shard miss,
// coalescing concurrent loads of the same key. Only the badger backend
// is consulted; the memory engine is a write-through mirror of the
// shards, so with it a shard miss is final.
func (s *Server) loadFromEngine(sh *shard.Shard, key string) (crdt.Value, bool) {
	if s.cfg.Storage.Backend != string(storage.BackendBadger) {
		return nil, false
	}
	v, err := s.loads.Do(context.Background(), key, func() (crdt.Value, error) {
		frame, ok, err := s.persist.Engine().Get(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, kverr.Newf(kverr.NotFound, "no engine value for %q", key)
		}
		value, err := crdt.Decode(frame)
		if err != nil {
			s.stats.skippedLoad.Add(1)
			return nil, err
		}
		// Re-home the value in its shard so later reads stay in memory.
		sh.Restore(key, value)
		return value, nil
	})
	if err != nil {
		return nil, false
	}
	return v, true
}

// Set stores value under key as the given CRDT kind (default lww),
// optionally with a TTL. The previous value, whatever its kind, is
// replaced.
func (s *Server) Set(key string, value any, ttl time.Duration, kindName string) (bool, error) {
	if err := s.checkWritable(); err != nil {
		return false, s.recordErr(err)
	}
	s.stats.totalOps.Add(1)
	s.stats.setOps.Add(1)
	s.metrics.Op("set")

	if kindName == "" {
		kindName = "lww"
	}
	kind, err := crdt.ParseKind(kindName)
	if err != nil {
		return false, s.recordErr(err)
	}
	if ttl < 0 {
		return false, s.recordErr(kverr.Newf(kverr.InvalidArgument, "negative ttl %v", ttl))
	}

	v, err := crdt.New(kind, value, s.cfg.NodeID, s.tick())
	if err != nil {
		return false, s.recordErr(err)
	}

	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixNano()
	}
	frame := crdt.Encode(v)

	err = s.shards.ExecuteOnShard(key, func(sh *shard.Shard) error {
		if sh.Cache().WouldOverflow(key, v) {
			return kverr.Newf(kverr.OutOfMemory,
				"value for %q exceeds the per-shard memory budget", key)
		}
		if err := sh.Set(key, v, ttl > 0, func() error {
			return s.persist.Append(storage.OpSet, key, frame, expiresAt)
		}); err != nil {
			return err
		}
		if ttl > 0 {
			sh.TTL().SetDeadline(key, expiresAt)
		}
		return nil
	})
	if err != nil {
		return false, s.recordErr(err)
	}

	s.keyspaceEvent(key, "set")
	return true, nil
}

// Delete removes key. Reports whether it existed.
func (s *Server) Delete(key string) (bool, error) {
	if err := s.checkWritable(); err != nil {
		return false, s.recordErr(err)
	}
	s.stats.totalOps.Add(1)
	s.stats.delOps.Add(1)
	s.metrics.Op("del")

	var existed bool
	err := s.shards.ExecuteOnShard(key, func(sh *shard.Shard) error {
		ok, err := sh.Delete(key, func() error {
			return s.persist.Append(storage.OpDel, key, nil, 0)
		})
		existed = ok
		return err
	})
	if err != nil {
		return false, s.recordErr(err)
	}
	if existed {
		s.keyspaceEvent(key, "del")
	}
	return existed, nil
}

// Exists reports whether key is present and live.
func (s *Server) Exists(key string) (bool, error) {
	if err := s.checkRunning(); err != nil {
		return false, s.recordErr(err)
	}
	s.stats.totalOps.Add(1)
	s.metrics.Op("exists")

	var present bool
	_ = s.shards.ExecuteOnShard(key, func(sh *shard.Shard) error {
		ok, expired := sh.Exists(key)
		if expired {
			s.onExpired(key, true)
		}
		present = ok
		return nil
	})
	return present, nil
}

// Scan pages through keys matching a glob pattern. The cursor is opaque;
// zero starts a scan and a returned zero cursor ends it. Order within a
// scan is stable (sorted) but no order is promised across mutations.
func (s *Server) Scan(cursor uint64, pattern string, count int) (uint64, []string, error) {
	if err := s.checkRunning(); err != nil {
		return 0, nil, s.recordErr(err)
	}
	s.stats.totalOps.Add(1)
	s.metrics.Op("scan")

	if pattern == "" {
		pattern = "*"
	}
	if _, err := path.Match(pattern, "probe"); err != nil {
		return 0, nil, s.recordErr(kverr.Newf(kverr.InvalidArgument, "bad scan pattern %q", pattern))
	}
	if count <= 0 {
		count = 10
	}

	var keys []string
	for _, sh := range s.shards.All() {
		for _, key := range sh.Keys() {
			live, expired := sh.Exists(key)
			if expired {
				s.onExpired(key, true)
			}
			if !live {
				continue
			}
			if pattern != "*" {
				if ok, _ := path.Match(pattern, key); !ok {
					continue
				}
			}
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	start := int(cursor)
	if start > len(keys) {
		start = len(keys)
	}
	end := start + count
	if end > len(keys) {
		end = len(keys)
	}
	next := uint64(end)
	if end >= len(keys) {
		next = 0
	}
	return next, keys[start:end], nil
}

// Expire sets a TTL on an existing key. Reports false for missing keys.
func (s *Server) Expire(key string, ttl time.Duration) (bool, error) {
	if err := s.checkWritable(); err != nil {
		return false, s.recordErr(err)
	}
	s.stats.totalOps.Add(1)
	s.metrics.Op("expire")

	if ttl <= 0 {
		return false, s.recordErr(kverr.Newf(kverr.InvalidArgument, "ttl must be positive, got %v", ttl))
	}

	var applied bool
	err := s.shards.ExecuteOnShard(key, func(sh *shard.Shard) error {
		live, expired := sh.Exists(key)
		if expired {
			s.onExpired(key, true)
		}
		if !live {
			return nil
		}
		deadline := time.Now().Add(ttl).UnixNano()
		if err := s.persist.Append(storage.OpExpire, key, nil, deadline); err != nil {
			return kverr.Wrap(kverr.StorageIO, err, "persist expire")
		}
		sh.TTL().SetDeadline(key, deadline)
		sh.Cache().MarkVolatile(key, true)
		applied = true
		return nil
	})
	if err != nil {
		return false, s.recordErr(err)
	}
	if applied {
		s.keyspaceEvent(key, "expire")
	}
	return applied, nil
}

// TTL returns the remaining time for key, or ok=false when the key is
// missing or has no TTL.
func (s *Server) TTL(key string) (time.Duration, bool, error) {
	if err := s.checkRunning(); err != nil {
		return 0, false, s.recordErr(err)
	}
	s.stats.totalOps.Add(1)
	s.metrics.Op("ttl")

	var remaining time.Duration
	var ok bool
	_ = s.shards.ExecuteOnShard(key, func(sh *shard.Shard) error {
		if _, expired := sh.Exists(key); expired {
			s.onExpired(key, true)
			return nil
		}
		remaining, ok = sh.TTL().TTL(key)
		return nil
	})
	return remaining, ok, nil
}

// Persist removes the TTL from key, making it durable. Reports whether a
// TTL was removed.
func (s *Server) Persist(key string) (bool, error) {
	if err := s.checkWritable(); err != nil {
		return false, s.recordErr(err)
	}
	s.stats.totalOps.Add(1)
	s.metrics.Op("persist")

	var removed bool
	err := s.shards.ExecuteOnShard(key, func(sh *shard.Shard) error {
		if !sh.TTL().RemoveTTL(key) {
			return nil
		}
		if err := s.persist.Append(storage.OpPersist, key, nil, 0); err != nil {
			return kverr.Wrap(kverr.StorageIO, err, "persist persist")
		}
		sh.Cache().MarkVolatile(key, false)
		removed = true
		return nil
	})
	if err != nil {
		return false, s.recordErr(err)
	}
	if removed {
		s.keyspaceEvent(key, "persist")
	}
	return removed, nil
}

// ---- CRDT operations ----

// CRDTAdd adds item to the LWW set at key, creating the set when absent.
func (s *Server) CRDTAdd(key, item string) (bool, error) {
	if err := s.checkWritable(); err != nil {
		return false, s.recordErr(err)
	}
	s.stats.totalOps.Add(1)
	s.metrics.Op("crdt_add")

	err := s.updateValue(key, func(old crdt.Value, exists bool) (crdt.Value, error) {
		var set *crdt.LWWSet
		switch {
		case !exists:
			set = crdt.NewLWWSet()
		case old.Kind() == crdt.KindLWWSet:
			set = old.Clone().(*crdt.LWWSet)
		default:
			return nil, kverr.Newf(kverr.TypeMismatch, "crdt_add on %s value", old.Kind())
		}
		set.Add(item, s.tick())
		return set, nil
	})
	if err != nil {
		return false, s.recordErr(err)
	}
	s.keyspaceEvent(key, "crdt_add")
	return true, nil
}

// CRDTContains reports membership of item in the set at key. A missing
// key is simply absent; a non-set value is a TypeMismatch.
func (s *Server) CRDTContains(key, item string) (bool, error) {
	if err := s.checkRunning(); err != nil {
		return false, s.recordErr(err)
	}
	s.stats.totalOps.Add(1)
	s.metrics.Op("crdt_contains")

	var contains bool
	err := s.shards.ExecuteOnShard(key, func(sh *shard.Shard) error {
		v, ok, expired := sh.Get(key)
		if expired {
			s.onExpired(key, true)
		}
		if !ok {
			return nil
		}
		switch val := v.(type) {
		case *crdt.LWWSet:
			contains = val.Contains(item)
		case *crdt.ORSet:
			contains = val.Contains(item)
		default:
			return kverr.Newf(kverr.TypeMismatch, "crdt_contains on %s value", v.Kind())
		}
		return nil
	})
	if err != nil {
		return false, s.recordErr(err)
	}
	return contains, nil
}

// CRDTIncrement adds amount to the counter at key, creating it when
// absent.
func (s *Server) CRDTIncrement(key string, amount uint64) (bool, error) {
	return s.counterOp(key, "crdt_increment", func(c *crdt.PNCounter) {
		c.Increment(s.cfg.NodeID, amount)
	})
}

// CRDTDecrement subtracts amount from the counter at key, creating it
// when absent.
func (s *Server) CRDTDecrement(key string, amount uint64) (bool, error) {
	return s.counterOp(key, "crdt_decrement", func(c *crdt.PNCounter) {
		c.Decrement(s.cfg.NodeID, amount)
	})
}

func (s *Server) counterOp(key, opName string, apply func(*crdt.PNCounter)) (bool, error) {
	if err := s.checkWritable(); err != nil {
		return false, s.recordErr(err)
	}
	s.stats.totalOps.Add(1)
	s.metrics.Op(opName)

	err := s.updateValue(key, func(old crdt.Value, exists bool) (crdt.Value, error) {
		var counter *crdt.PNCounter
		switch {
		case !exists:
			counter = crdt.NewPNCounter()
		case old.Kind() == crdt.KindPNCounter:
			counter = old.Clone().(*crdt.PNCounter)
		default:
			return nil, kverr.Newf(kverr.TypeMismatch, "%s on %s value", opName, old.Kind())
		}
		s.tick()
		apply(counter)
		return counter, nil
	})
	if err != nil {
		return false, s.recordErr(err)
	}
	s.keyspaceEvent(key, opName)
	return true, nil
}

// CRDTValue returns the rendered value of the CRDT at key: counter count,
// set elements, register string.
func (s *Server) CRDTValue(key string) (any, bool, error) {
	return s.Get(key)
}

// Merge folds a remote replica's frame into the local value at key. This
// is the replication hook: mismatched kinds fail with TypeMismatch and
// nothing is persisted.
func (s *Server) Merge(key string, frame []byte) error {
	if err := s.checkWritable(); err != nil {
		return s.recordErr(err)
	}
	s.stats.totalOps.Add(1)
	s.metrics.Op("merge")

	remote, err := crdt.Decode(frame)
	if err != nil {
		return s.recordErr(err)
	}
	if reg, ok := remote.(*crdt.LWWRegister); ok && !reg.TS.IsZero() {
		s.hlc.Update(reg.TS)
	}

	err = s.updateValue(key, func(old crdt.Value, exists bool) (crdt.Value, error) {
		if !exists {
			return remote, nil
		}
		return old.Merge(remote)
	})
	if err != nil {
		return s.recordErr(err)
	}
	s.keyspaceEvent(key, "merge")
	return nil
}

// Export returns the encoded frame of the raw CRDT state at key, the
// payload a replica feeds to Merge on its side.
func (s *Server) Export(key string) ([]byte, error) {
	if err := s.checkRunning(); err != nil {
		return nil, s.recordErr(err)
	}
	var frame []byte
	err := s.shards.ExecuteOnShard(key, func(sh *shard.Shard) error {
		v, ok := sh.Peek(key)
		if !ok {
			return kverr.Newf(kverr.NotFound, "no value at %q", key)
		}
		frame = crdt.Encode(v)
		return nil
	})
	if err != nil {
		return nil, s.recordErr(err)
	}
	return frame, nil
}

// updateValue routes an atomic read-modify-write to the owning shard and
// persists the result.
func (s *Server) updateValue(key string, mutate func(old crdt.Value, exists bool) (crdt.Value, error)) error {
	return s.shards.ExecuteOnShard(key, func(sh *shard.Shard) error {
		return sh.Update(key, mutate, func(next crdt.Value) error {
			var expiresAt int64
			if at, ok := sh.TTL().Deadline(key); ok {
				expiresAt = at
			}
			return s.persist.Append(storage.OpSet, key, crdt.Encode(next), expiresAt)
		})
	})
}

// ---- pub/sub ----

// Publish sends payload on channel and returns the subscriber count that
// accepted it.
func (s *Server) Publish(channel, payload string) (int, error) {
	if err := s.checkRunning(); err != nil {
		return 0, s.recordErr(err)
	}
	s.stats.totalOps.Add(1)
	s.metrics.Op("publish")
	return s.notifier.Publish(channel, payload), nil
}

// Subscribe registers handler for clientID on channels.
func (s *Server) Subscribe(clientID string, channels []string, handler pubsub.Handler) error {
	if err := s.checkRunning(); err != nil {
		return s.recordErr(err)
	}
	s.stats.totalOps.Add(1)
	s.metrics.Op("subscribe")
	return s.recordErr(s.notifier.Subscribe(clientID, channels, handler))
}

// Unsubscribe removes clientID from channels (all when empty).
func (s *Server) Unsubscribe(clientID string, channels []string) bool {
	s.stats.totalOps.Add(1)
	s.metrics.Op("unsubscribe")
	return s.notifier.Unsubscribe(clientID, channels)
}
