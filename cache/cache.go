// Package cache implements the per-shard cache manager: entry metadata,
// volatile-key tracking, memory accounting and batch eviction through a
// pluggable strategy (see the policy package).
//
// The cache is a pure accelerator over the shard's authoritative map — a
// miss here is not a miss for the store. Eviction, however, destroys keys:
// the shard deletes every victim the manager reports.
package cache

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/hyperkv/hyperkv/crdt"
	"github.com/hyperkv/hyperkv/policy"
)

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

type systemClock struct{}

func (systemClock) NowUnixNano() int64 { return time.Now().UnixNano() }

// Entry is the cached record for one key.
type Entry struct {
	Key          string
	Value        crdt.Value
	CreatedAt    int64
	LastAccessed int64
	AccessCount  uint64
	HasTTL       bool

	size int64 // estimated bytes, maintained by the manager
}

// Stats is a copy of the manager's counters.
type Stats struct {
	Entries           int
	VolatileEntries   int
	MemoryUsage       int64
	MaxMemory         int64
	Hits              uint64
	Misses            uint64
	Evictions         uint64
	PressureEvictions uint64
	VolatileEvictions uint64
}

// Options configures a Manager.
type Options struct {
	// Strategy builds the eviction bookkeeping. Required: New panics when
	// it is nil (callers pass e.g. policy/lru.New()).
	Strategy policy.Factory
	// VolatileFirst makes eviction prefer keys with a TTL, falling back
	// to the full population when none qualify (volatile-lru/-lfu).
	VolatileFirst bool
	// MaxMemory is the byte budget; 0 disables memory-pressure eviction.
	MaxMemory int64
	// MemoryThreshold is the fill fraction that triggers eviction.
	// Default 0.85.
	MemoryThreshold float64
	// EvictionBatch is how many victims one eviction pass selects.
	// Default 10.
	EvictionBatch int
	// Clock overrides the time source. Nil means the system clock.
	Clock Clock
	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

// Manager owns the cache for one shard. The shard calls in while holding
// its own lock; the manager's mutex only guards against the server's
// stats/monitor goroutines reading concurrently.
type Manager struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	volatile mapset.Set[string]
	strategy policy.Strategy

	volatileFirst bool
	maxMemory     int64
	threshold     float64
	batch         int
	clock         Clock
	log           *zap.Logger

	memUsage          int64
	hits              uint64
	misses            uint64
	evictions         uint64
	pressureEvictions uint64
	volatileEvictions uint64
}

// New constructs a Manager from Options. Strategy must be set.
func New(opts Options) *Manager {
	if opts.Strategy == nil {
		panic("cache: Strategy is required")
	}
	if opts.MemoryThreshold <= 0 || opts.MemoryThreshold > 1 {
		opts.MemoryThreshold = 0.85
	}
	if opts.EvictionBatch <= 0 {
		opts.EvictionBatch = 10
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	m := &Manager{
		entries:       make(map[string]*Entry),
		volatile:      mapset.NewThreadUnsafeSet[string](),
		volatileFirst: opts.VolatileFirst,
		maxMemory:     opts.MaxMemory,
		threshold:     opts.MemoryThreshold,
		batch:         opts.EvictionBatch,
		clock:         opts.Clock,
		log:           opts.Logger,
	}
	m.strategy = opts.Strategy.New(m)
	return m
}

// IsVolatile implements policy.Hooks.
func (m *Manager) IsVolatile(key string) bool { return m.volatile.Contains(key) }

// Get returns the cached value for key, updating access metadata and the
// strategy. A miss is not an error; the caller falls through to the shard.
func (m *Manager) Get(key string) (crdt.Value, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		m.misses++
		return nil, false
	}
	e.LastAccessed = m.clock.NowUnixNano()
	e.AccessCount++
	m.strategy.OnAccess(key)
	m.hits++
	return e.Value, true
}

// Put inserts or updates key and returns the keys evicted to make room, if
// any. The caller (shard) must delete those keys from its authoritative
// map; they are already gone from the cache.
func (m *Manager) Put(key string, value crdt.Value, hasTTL bool) (evicted []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldEvictLocked() {
		evicted = m.evictLocked(m.batch, key)
	}

	now := m.clock.NowUnixNano()
	size := entrySize(key, value)
	if old, ok := m.entries[key]; ok {
		m.memUsage += size - old.size
		old.Value = value
		old.LastAccessed = now
		old.AccessCount++
		old.HasTTL = hasTTL
		old.size = size
	} else {
		m.entries[key] = &Entry{
			Key:          key,
			Value:        value,
			CreatedAt:    now,
			LastAccessed: now,
			AccessCount:  1,
			HasTTL:       hasTTL,
			size:         size,
		}
		m.memUsage += size
	}
	if hasTTL {
		m.volatile.Add(key)
	} else {
		m.volatile.Remove(key)
	}
	m.strategy.OnInsert(key)
	return evicted
}

// WouldOverflow reports whether a single entry is too large to ever fit
// under the memory budget, even with every other entry evicted.
func (m *Manager) WouldOverflow(key string, value crdt.Value) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxMemory > 0 && entrySize(key, value) > m.maxMemory
}

// MarkVolatile flips the TTL flag without replacing the value, for
// EXPIRE/PERSIST on a cached key.
func (m *Manager) MarkVolatile(key string, hasTTL bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return
	}
	e.HasTTL = hasTTL
	if hasTTL {
		m.volatile.Add(key)
	} else {
		m.volatile.Remove(key)
	}
}

// Delete removes key from the cache. Reports whether it was present.
func (m *Manager) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(key)
}

func (m *Manager) deleteLocked(key string) bool {
	e, ok := m.entries[key]
	if !ok {
		return false
	}
	delete(m.entries, key)
	m.volatile.Remove(key)
	m.strategy.OnDelete(key)
	m.memUsage -= e.size
	if m.memUsage < 0 {
		m.memUsage = 0
	}
	return true
}

func (m *Manager) shouldEvictLocked() bool {
	return m.maxMemory > 0 && float64(m.memUsage) > float64(m.maxMemory)*m.threshold
}

// evictLocked selects and removes up to count victims, sparing the key
// currently being written. Volatile-first policies fall back to the whole
// population when no volatile victim exists.
func (m *Manager) evictLocked(count int, spare string) []string {
	victims := m.strategy.SelectVictims(count, m.volatileFirst)
	volatilePass := m.volatileFirst
	if m.volatileFirst && len(victims) == 0 {
		victims = m.strategy.SelectVictims(count, false)
		volatilePass = false
	}

	evicted := make([]string, 0, len(victims))
	for _, key := range victims {
		if key == spare {
			continue
		}
		if m.deleteLocked(key) {
			evicted = append(evicted, key)
		}
	}
	m.evictions += uint64(len(evicted))
	m.pressureEvictions += uint64(len(evicted))
	if volatilePass {
		m.volatileEvictions += uint64(len(evicted))
	}
	if len(evicted) > 0 {
		m.log.Debug("cache evicted keys",
			zap.Int("count", len(evicted)),
			zap.Bool("volatile_only", volatilePass))
	}
	return evicted
}

// ForceEviction selects and removes up to count victims regardless of
// memory pressure, returning their keys.
func (m *Manager) ForceEviction(count int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if count <= 0 {
		count = m.batch
	}
	victims := m.strategy.SelectVictims(count, false)
	evicted := make([]string, 0, len(victims))
	for _, key := range victims {
		if m.deleteLocked(key) {
			evicted = append(evicted, key)
		}
	}
	m.evictions += uint64(len(evicted))
	return evicted
}

// Resize updates the memory budget, evicting as needed until usage fits
// under the new threshold. Returns all evicted keys.
func (m *Manager) Resize(newMax int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxMemory = newMax

	var evicted []string
	for m.shouldEvictLocked() {
		batch := m.evictLocked(m.batch, "")
		if len(batch) == 0 {
			break
		}
		evicted = append(evicted, batch...)
	}
	return evicted
}

// ShouldEvict reports whether usage is past the eviction threshold.
func (m *Manager) ShouldEvict() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shouldEvictLocked()
}

// MemoryUsage returns the current byte estimate.
func (m *Manager) MemoryUsage() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memUsage
}

// Len returns the number of cached entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Entries:           len(m.entries),
		VolatileEntries:   m.volatile.Cardinality(),
		MemoryUsage:       m.memUsage,
		MaxMemory:         m.maxMemory,
		Hits:              m.hits,
		Misses:            m.misses,
		Evictions:         m.evictions,
		PressureEvictions: m.pressureEvictions,
		VolatileEvictions: m.volatileEvictions,
	}
}

// Clear drops every entry and resets the strategy and usage. Hit/miss
// counters survive.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*Entry)
	m.volatile = mapset.NewThreadUnsafeSet[string]()
	m.strategy.Clear()
	m.memUsage = 0
}
