// Package ttl tracks per-key expiration deadlines with a map plus a lazy
// min-heap, and expires keys both actively (background sweep) and passively
// (on access).
//
// The entries map is authoritative. The heap may contain stale records for
// keys whose TTL was replaced or removed; those are skipped during sweeps
// and squeezed out by periodic rebuilds, so removal stays O(1).
package ttl

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperkv/hyperkv/kverr"
)

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

type systemClock struct{}

func (systemClock) NowUnixNano() int64 { return time.Now().UnixNano() }

type entry struct {
	expiresAt int64 // UnixNano
	createdAt int64
}

type heapItem struct {
	expiresAt int64
	key       string
}

// expHeap is a min-heap on expiresAt. Plain slice methods with hand-rolled
// sift-up/sift-down at the bottom of the file; container/heap is not used.
type expHeap []heapItem

// Stats is a copy of the manager's counters.
type Stats struct {
	KeysWithTTL        int
	HeapSize           int
	Expired            uint64
	ActiveExpirations  uint64
	PassiveExpirations uint64
	SweepCycles        uint64
	HeapRebuilds       uint64
}

// Options configures a Manager. Zero values get defaults in New.
type Options struct {
	// CheckInterval is the active sweep period. Default 1s.
	CheckInterval time.Duration
	// MaxPerSweep caps expirations per sweep cycle. Default 100.
	MaxPerSweep int
	// OnExpire is invoked by the active sweeper for each expired key,
	// outside the manager's lock. Passive expiration does NOT call it:
	// the accessing shard already holds its own lock and cleans up inline.
	OnExpire func(key string)
	// Clock overrides the time source. Nil means the system clock.
	Clock Clock
	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

// Manager owns TTL state for one shard.
type Manager struct {
	mu      sync.Mutex
	entries map[string]entry
	heap    expHeap

	checkInterval time.Duration
	maxPerSweep   int
	onExpire      func(string)
	clock         Clock
	log           *zap.Logger

	// counters, guarded by mu
	expired      uint64
	activeExp    uint64
	passiveExp   uint64
	sweepCycles  uint64
	heapRebuilds uint64
}

// New constructs a Manager from Options.
func New(opts Options) *Manager {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Second
	}
	if opts.MaxPerSweep <= 0 {
		opts.MaxPerSweep = 100
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		entries:       make(map[string]entry),
		checkInterval: opts.CheckInterval,
		maxPerSweep:   opts.MaxPerSweep,
		onExpire:      opts.OnExpire,
		clock:         opts.Clock,
		log:           opts.Logger,
	}
}

// SetOnExpire installs the active-sweep callback. Must be called before
// Run; the sweeper reads it without synchronization.
func (m *Manager) SetOnExpire(fn func(key string)) {
	m.onExpire = fn
}

// SetTTL sets or replaces the deadline for key. ttl must be positive.
func (m *Manager) SetTTL(key string, ttl time.Duration) error {
	if ttl <= 0 {
		return kverr.Newf(kverr.InvalidArgument, "ttl must be positive, got %v", ttl)
	}
	now := m.clock.NowUnixNano()
	m.setDeadline(key, now+int64(ttl), now)
	return nil
}

// SetDeadline installs an absolute deadline, used when restoring TTLs from
// a snapshot or log replay. Already-past deadlines are installed as-is and
// picked up by the first sweep.
func (m *Manager) SetDeadline(key string, expiresAt int64) {
	m.setDeadline(key, expiresAt, m.clock.NowUnixNano())
}

func (m *Manager) setDeadline(key string, expiresAt, now int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Replacing an existing entry leaves its old heap record stale;
	// sweeps skip records whose deadline disagrees with the map.
	m.entries[key] = entry{expiresAt: expiresAt, createdAt: now}
	m.heap.push(heapItem{expiresAt: expiresAt, key: key})
}

// TTL returns the remaining time for key. ok is false when the key has no
// TTL or it already expired; an expired entry is dropped on the spot.
func (m *Manager) TTL(key string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return 0, false
	}
	now := m.clock.NowUnixNano()
	if e.expiresAt <= now {
		m.dropLocked(key, true)
		return 0, false
	}
	return time.Duration(e.expiresAt - now), true
}

// Deadline returns the absolute deadline for key, for snapshotting.
func (m *Manager) Deadline(key string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e.expiresAt, ok
}

// RemoveTTL makes key persistent. Reports whether a TTL existed.
func (m *Manager) RemoveTTL(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return false
	}
	delete(m.entries, key)
	return true
}

// IsExpired reports whether key's deadline has passed; an expired entry is
// dropped on the spot (passive expiration). The caller owns the shard-side
// cleanup of the key itself.
func (m *Manager) IsExpired(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return false
	}
	if e.expiresAt <= m.clock.NowUnixNano() {
		m.dropLocked(key, true)
		return true
	}
	return false
}

// ExpiredKeys pops up to max expired keys off the heap, dropping their
// entries. Stale heap records (deadline no longer matching the map) are
// discarded along the way.
func (m *Manager) ExpiredKeys(max int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.NowUnixNano()
	var out []string
	for len(m.heap) > 0 && len(out) < max {
		top := m.heap[0]
		if top.expiresAt > now {
			break
		}
		m.heap.pop()
		e, ok := m.entries[top.key]
		if !ok || e.expiresAt != top.expiresAt {
			continue // stale record
		}
		m.dropLocked(top.key, false)
		out = append(out, top.key)
	}
	return out
}

func (m *Manager) dropLocked(key string, passive bool) {
	delete(m.entries, key)
	m.expired++
	if passive {
		m.passiveExp++
	} else {
		m.activeExp++
	}
}

// Len returns the number of keys with a TTL.
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
		KeysWithTTL:        len(m.entries),
		HeapSize:           len(m.heap),
		Expired:            m.expired,
		ActiveExpirations:  m.activeExp,
		PassiveExpirations: m.passiveExp,
		SweepCycles:        m.sweepCycles,
		HeapRebuilds:       m.heapRebuilds,
	}
}

// Clear drops all TTL state.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]entry)
	m.heap = m.heap[:0]
}

// Run drives active expiration until ctx is done: every CheckInterval it
// expires up to MaxPerSweep keys through OnExpire and rebuilds the heap
// when stale records outnumber live entries.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	keys := m.ExpiredKeys(m.maxPerSweep)
	for _, key := range keys {
		if m.onExpire != nil {
			m.onExpire(key)
		}
		// Yield between expirations so a large expired batch cannot
		// starve foreground operations.
		runtime.Gosched()
	}

	m.mu.Lock()
	m.sweepCycles++
	rebuild := len(m.heap) > 2*len(m.entries)
	if rebuild {
		m.rebuildLocked()
	}
	m.mu.Unlock()

	if len(keys) > 0 {
		m.log.Debug("ttl sweep expired keys", zap.Int("count", len(keys)))
	}
}

// rebuildLocked discards stale heap records by rebuilding from the map.
func (m *Manager) rebuildLocked() {
	fresh := make(expHeap, 0, len(m.entries))
	for key, e := range m.entries {
		fresh = append(fresh, heapItem{expiresAt: e.expiresAt, key: key})
	}
	fresh.init()
	m.heap = fresh
	m.heapRebuilds++
}

// ---- min-heap plumbing (sift-based, no container/heap interface boxing) ----

func (h *expHeap) push(it heapItem) {
	*h = append(*h, it)
	h.up(len(*h) - 1)
}

func (h *expHeap) pop() heapItem {
	s := *h
	top := s[0]
	n := len(s) - 1
	s[0] = s[n]
	*h = s[:n]
	if n > 0 {
		h.down(0)
	}
	return top
}

func (h expHeap) init() {
	for i := len(h)/2 - 1; i >= 0; i-- {
		h.down(i)
	}
}

func (h expHeap) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if h[parent].expiresAt <= h[i].expiresAt {
			break
		}
		h[parent], h[i] = h[i], h[parent]
		i = parent
	}
}

func (h expHeap) down(i int) {
	n := len(h)
	for {
		left := 2*i + 1
		if left >= n {
			return
		}
		least := left
		if right := left + 1; right < n && h[right].expiresAt < h[left].expiresAt {
			least = right
		}
		if h[i].expiresAt <= h[least].expiresAt {
			return
		}
		h[i], h[least] = h[least], h[i]
		i = least
	}
}
