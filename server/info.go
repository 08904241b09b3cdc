package server

import (
	"time"

	"github.com/hyperkv/hyperkv/cache"
	"github.com/hyperkv/hyperkv/kverr"
	"github.com/hyperkv/hyperkv/ttl"
)

// Info returns a structured view of the server: identity, lifecycle,
// memory, per-subsystem statistics. The protocol collaborator renders it.
func (s *Server) Info() map[string]any {
	s.mu.Lock()
	running := s.running
	degraded := s.degraded
	started := s.started
	s.mu.Unlock()

	var uptime time.Duration
	if running {
		uptime = time.Since(started)
	}

	var cacheStats cache.Stats
	var ttlStats ttl.Stats
	for _, sh := range s.shards.All() {
		cs := sh.Cache().Stats()
		cacheStats.Entries += cs.Entries
		cacheStats.VolatileEntries += cs.VolatileEntries
		cacheStats.MemoryUsage += cs.MemoryUsage
		cacheStats.MaxMemory += cs.MaxMemory
		cacheStats.Hits += cs.Hits
		cacheStats.Misses += cs.Misses
		cacheStats.Evictions += cs.Evictions
		cacheStats.PressureEvictions += cs.PressureEvictions
		cacheStats.VolatileEvictions += cs.VolatileEvictions

		ts := sh.TTL().Stats()
		ttlStats.KeysWithTTL += ts.KeysWithTTL
		ttlStats.HeapSize += ts.HeapSize
		ttlStats.Expired += ts.Expired
		ttlStats.ActiveExpirations += ts.ActiveExpirations
		ttlStats.PassiveExpirations += ts.PassiveExpirations
		ttlStats.SweepCycles += ts.SweepCycles
		ttlStats.HeapRebuilds += ts.HeapRebuilds
	}

	errCounts := make(map[string]uint64, len(kverr.Kinds()))
	for _, kind := range kverr.Kinds() {
		errCounts[kind.String()] = s.stats.errors[kind].Load()
	}

	pubsubStats := s.notifier.Stats()

	return map[string]any{
		"server": map[string]any{
			"version":        Version,
			"node_id":        s.cfg.NodeID,
			"running":        running,
			"degraded":       degraded,
			"uptime_seconds": uptime.Seconds(),
			"num_shards":     s.shards.NumShards(),
			"placement":      string(s.shards.Placement()),
		},
		"keyspace": map[string]any{
			"keys":          s.shards.Len(),
			"keys_with_ttl": ttlStats.KeysWithTTL,
		},
		"memory": map[string]any{
			"used_memory":      cacheStats.MemoryUsage,
			"max_memory":       int64(s.cfg.Cache.MaxMemory),
			"memory_threshold": s.cfg.Cache.MemoryThreshold,
			"eviction_policy":  s.cfg.Cache.EvictionPolicy,
		},
		"stats": map[string]any{
			"total_operations": s.stats.totalOps.Load(),
			"get_operations":   s.stats.getOps.Load(),
			"set_operations":   s.stats.setOps.Load(),
			"del_operations":   s.stats.delOps.Load(),
			"expired_keys":     s.stats.expiredKeys.Load(),
			"evicted_keys":     s.stats.evictedKeys.Load(),
			"skipped_loads":    s.stats.skippedLoad.Load(),
			"errors":           errCounts,
		},
		"cache": cacheStats,
		"ttl":   ttlStats,
		"pubsub": map[string]any{
			"channels":    pubsubStats.Channels,
			"subscribers": pubsubStats.Subscribers,
			"published":   pubsubStats.Published,
			"delivered":   pubsubStats.Delivered,
			"dropped":     pubsubStats.Dropped,
		},
		"persistence": map[string]any{
			"backend":          s.cfg.Storage.Backend,
			"aof_enabled":      s.cfg.Storage.AOFEnabled,
			"aof_fsync_policy": s.cfg.Storage.AOFFsyncPolicy,
			"snapshot_enabled": s.cfg.Storage.SnapshotEnabled,
			"last_seq":         s.persist.Seq(),
		},
		"network": map[string]any{
			"host":            s.cfg.Network.Host,
			"port":            s.cfg.Network.Port,
			"max_connections": s.cfg.Network.MaxConnections,
		},
	}
}

// Stats returns Info with the operation counters flattened to the top
// level, the shape the original stats endpoint exposed.
func (s *Server) Stats() map[string]any {
	info := s.Info()
	if stats, ok := info["stats"].(map[string]any); ok {
		for k, v := range stats {
			info[k] = v
		}
	}
	return info
}
