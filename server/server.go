// Package server orchestrates the HyperKV core: it owns the shard
// manager, logical clocks, persistence, the notifier and the background
// task set, and exposes the public operation API consumed by the protocol
// collaborator.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperkv/hyperkv/cache"
	"github.com/hyperkv/hyperkv/config"
	"github.com/hyperkv/hyperkv/crdt"
	"github.com/hyperkv/hyperkv/internal/singleflight"
	"github.com/hyperkv/hyperkv/internal/util"
	"github.com/hyperkv/hyperkv/kverr"
	"github.com/hyperkv/hyperkv/policy"
	"github.com/hyperkv/hyperkv/policy/arc"
	"github.com/hyperkv/hyperkv/policy/lfu"
	"github.com/hyperkv/hyperkv/policy/lru"
	"github.com/hyperkv/hyperkv/policy/random"
	"github.com/hyperkv/hyperkv/pubsub"
	"github.com/hyperkv/hyperkv/shard"
	"github.com/hyperkv/hyperkv/storage"
	"github.com/hyperkv/hyperkv/ttl"
)

// Version is reported through Info.
const Version = "1.0.0"

// taskFailureThreshold is how many consecutive failures of one background
// task flip the server into degraded state.
const taskFailureThreshold = 5

// ticker is the clock driving value timestamps, satisfied by both the HLC
// and the Lamport clock.
type ticker interface {
	Tick() crdt.Timestamp
	Update(crdt.Timestamp) crdt.Timestamp
}

// Options wires a Server together. Every field is optional; a nil Config
// means config.Default().
type Options struct {
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    Metrics
	Leadership Leadership
}

type serverStats struct {
	totalOps    util.PaddedAtomicUint64
	getOps      util.PaddedAtomicUint64
	setOps      util.PaddedAtomicUint64
	delOps      util.PaddedAtomicUint64
	expiredKeys util.PaddedAtomicUint64
	evictedKeys util.PaddedAtomicUint64
	skippedLoad util.PaddedAtomicUint64

	// errors by kverr.Kind; index is the kind value
	errors [8]util.PaddedAtomicUint64
}

// Server is the HyperKV core.
type Server struct {
	cfg        *config.Config
	log        *zap.Logger
	metrics    Metrics
	leadership Leadership

	hlc     *crdt.HLC
	vclock  *crdt.VectorClock
	lamport *crdt.LamportClock
	clock   ticker

	shards   *shard.Manager
	persist  *storage.Persistence
	notifier *pubsub.Manager
	loads    singleflight.Group[string, crdt.Value]

	mu       sync.Mutex // guards start/stop transitions
	running  bool
	stopped  bool
	degraded bool
	started  time.Time
	cancel   context.CancelFunc
	tasks    *errgroup.Group

	stats serverStats
}

// New builds a stopped server from Options. Call Start to recover
// persisted state and begin serving.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	s := &Server{
		cfg:        cfg,
		log:        log,
		metrics:    metrics,
		leadership: opts.Leadership,
		hlc:        crdt.NewHLC(cfg.NodeID, nil),
		vclock:     crdt.NewVectorClock(cfg.NodeID),
		lamport:    crdt.NewLamportClock(cfg.NodeID),
	}
	// The vector clock tracks causality metadata regardless; LWW ordering
	// runs on the HLC unless the lamport clock is selected explicitly.
	if cfg.CRDT.ClockType == "lamport" {
		s.clock = s.lamport
	} else {
		s.clock = s.hlc
	}

	numShards := cfg.NumShards
	if numShards == 0 {
		numShards = util.ReasonableShardCount()
	}

	persist, err := storage.Open(storage.Config{
		DataDir:             cfg.Storage.DataDir,
		Backend:             storage.Backend(cfg.Storage.Backend),
		AOFEnabled:          cfg.Storage.AOFEnabled,
		FsyncPolicy:         storage.FsyncPolicy(cfg.Storage.AOFFsyncPolicy),
		SnapshotEnabled:     cfg.Storage.SnapshotEnabled,
		SnapshotCompression: cfg.Storage.SnapshotCompression,
		Logger:              log.Named("storage"),
	})
	if err != nil {
		return nil, err
	}
	s.persist = persist

	s.notifier = pubsub.New(pubsub.Options{
		MaxChannels:              cfg.PubSub.MaxChannels,
		MaxSubscribersPerChannel: cfg.PubSub.MaxSubscribersPerChannel,
		MessageBufferSize:        cfg.PubSub.MessageBufferSize,
		Logger:                   log.Named("pubsub"),
	})

	perShardMemory := int64(cfg.Cache.MaxMemory) / int64(numShards)
	shards := make([]*shard.Shard, numShards)
	for i := 0; i < numShards; i++ {
		cacheMgr := cache.New(cache.Options{
			Strategy:        s.strategyFactory(perShardMemory),
			VolatileFirst:   volatileFirst(cfg.Cache.EvictionPolicy),
			MaxMemory:       perShardMemory,
			MemoryThreshold: cfg.Cache.MemoryThreshold,
			EvictionBatch:   cfg.Cache.EvictionBatchSize,
			Logger:          log.Named("cache"),
		})
		ttlMgr := ttl.New(ttl.Options{
			CheckInterval: cfg.TTL.CheckInterval.Std(),
			MaxPerSweep:   cfg.TTL.MaxKeysPerCheck,
			Logger:        log.Named("ttl"),
		})
		sh := shard.New(i, cacheMgr, ttlMgr, log)
		shards[i] = sh
	}
	// The sweep and eviction callbacks need the shard; bind them after
	// construction.
	for _, sh := range shards {
		sh := sh
		sh.TTL().SetOnExpire(func(key string) {
			sh.DropExpired(key)
			s.onExpired(key, false)
		})
		sh.SetOnEvict(s.onEvicted)
	}

	placement, _ := shard.ParsePlacement(cfg.PlacementStrategy)
	s.shards = shard.NewManager(shards, placement, log)

	log.Info("server initialized",
		zap.String("node_id", cfg.NodeID),
		zap.Int("shards", numShards),
		zap.String("eviction_policy", cfg.Cache.EvictionPolicy),
		zap.String("backend", cfg.Storage.Backend))
	return s, nil
}

func volatileFirst(policyName string) bool {
	return policyName == "volatile-lru" || policyName == "volatile-lfu"
}

func (s *Server) strategyFactory(perShardMemory int64) policy.Factory {
	switch s.cfg.Cache.EvictionPolicy {
	case "lfu", "volatile-lfu":
		return lfu.New()
	case "arc":
		// ARC wants an entry-count capacity; derive it from the byte
		// budget with a coarse per-entry estimate.
		capacity := int(perShardMemory / 512)
		if capacity < 16 {
			capacity = 16
		}
		return arc.New(capacity)
	case "random":
		return random.New()
	default:
		return lru.New()
	}
}

// Start recovers persisted state and launches the background task set.
// Recovery completes before Start returns, so callers may serve
// operations immediately afterwards.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.log.Warn("server already running")
		return nil
	}
	if s.stopped {
		return kverr.New(kverr.Shutdown, "server already stopped")
	}

	if err := s.loadPersisted(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.tasks, ctx = errgroup.WithContext(ctx)

	for _, sh := range s.shards.All() {
		sh := sh
		s.spawn(ctx, "ttl-sweep", func(ctx context.Context) error {
			sh.TTL().Run(ctx)
			return nil
		})
	}
	s.spawn(ctx, "aof-flusher", func(ctx context.Context) error {
		s.persist.RunFlusher(ctx)
		return nil
	})
	s.spawn(ctx, "stats-monitor", s.statsMonitor)
	s.spawn(ctx, "memory-monitor", s.memoryMonitor)
	if s.cfg.Storage.SnapshotEnabled {
		s.spawn(ctx, "snapshot-scheduler", s.snapshotScheduler)
	}

	s.running = true
	s.started = time.Now()
	s.log.Info("server started",
		zap.String("host", s.cfg.Network.Host),
		zap.Int("port", s.cfg.Network.Port))
	return nil
}

// spawn runs a background task under the group, restarting it with
// exponential backoff when it fails. Past taskFailureThreshold consecutive
// failures the server reports degraded through Info; the task keeps
// retrying regardless.
func (s *Server) spawn(ctx context.Context, name string, fn func(context.Context) error) {
	s.tasks.Go(func() error {
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0 // retry for the server's lifetime
		failures := 0
		for {
			err := fn(ctx)
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				// Background loops only return early on cancellation;
				// a nil return with a live context is a silent death.
				err = kverr.Newf(kverr.Unknown, "task %s exited unexpectedly", name)
			}
			failures++
			s.log.Error("background task failed",
				zap.String("task", name), zap.Int("failures", failures), zap.Error(err))
			if failures >= taskFailureThreshold {
				s.setDegraded(true)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(bo.NextBackOff()):
			}
		}
	})
}

func (s *Server) setDegraded(v bool) {
	s.mu.Lock()
	s.degraded = v
	s.mu.Unlock()
}

// Stop shuts the server down: cancel background tasks, drain the append
// log, write a final snapshot, close storage. Idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	if !wasRunning {
		s.notifier.Close()
		return s.persist.Close()
	}

	s.log.Info("server stopping")
	s.cancel()
	_ = s.tasks.Wait()

	var first error
	if err := s.persist.Sync(); err != nil {
		s.log.Error("final log sync failed", zap.Error(err))
		first = err
	}
	if err := s.createSnapshot(); err != nil {
		s.log.Error("final snapshot failed", zap.Error(err))
		if first == nil {
			first = err
		}
	}
	if err := s.persist.Close(); err != nil {
		if first == nil {
			first = err
		}
	}
	s.notifier.Close()
	s.log.Info("server stopped")
	return first
}

// Running reports whether the server is accepting operations.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// loadPersisted rebuilds shards, TTLs and the HLC from disk. Frames that
// no longer decode are skipped and counted; recovery continues.
func (s *Server) loadPersisted() error {
	state, err := s.persist.Recover()
	if err != nil {
		return err
	}

	loaded := 0
	for key, frame := range state.Frames {
		value, err := crdt.Decode(frame)
		if err != nil {
			s.stats.skippedLoad.Add(1)
			s.log.Warn("skipping undecodable persisted value",
				zap.String("key", key), zap.Error(err))
			continue
		}
		s.shards.ShardFor(key).Restore(key, value)
		loaded++
	}
	for key, deadline := range state.Deadlines {
		s.shards.ShardFor(key).TTL().SetDeadline(key, deadline)
	}
	if !state.HLC.IsZero() {
		s.hlc.Restore(state.HLC)
	}
	if loaded > 0 || state.Seq > 0 {
		s.log.Info("persisted state loaded",
			zap.Int("keys", loaded),
			zap.Uint64("seq", state.Seq),
			zap.Uint64("skipped", s.stats.skippedLoad.Load()))
	}
	return nil
}

// createSnapshot writes a consistent point-in-time view of all shards.
func (s *Server) createSnapshot() error {
	var seq uint64
	items := s.shards.SnapshotView(func() {
		seq = s.persist.Seq()
	})

	records := make([]storage.SnapshotRecord, 0, len(items))
	for _, it := range items {
		records = append(records, storage.SnapshotRecord{
			Key:       it.Key,
			Frame:     crdt.Encode(it.Value),
			ExpiresAt: it.ExpiresAt,
		})
	}
	return s.persist.WriteSnapshot(storage.SnapshotHeader{
		NodeID:    s.cfg.NodeID,
		HLC:       s.hlc.Current(),
		CreatedAt: time.Now().UnixNano(),
		Seq:       seq,
	}, records)
}

// ---- background loops ----

func (s *Server) statsMonitor(ctx context.Context) error {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.metrics.Keys(s.shards.Len())
			s.metrics.MemoryUsage(s.cacheMemoryUsage())
		}
	}
}

func (s *Server) memoryMonitor(ctx context.Context) error {
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			maxMemory := int64(s.cfg.Cache.MaxMemory)
			if maxMemory <= 0 {
				continue
			}
			usage := s.cacheMemoryUsage()
			if float64(usage) <= float64(maxMemory)*s.cfg.Cache.MemoryThreshold {
				continue
			}
			s.log.Warn("memory pressure, forcing eviction",
				zap.Int64("usage", usage), zap.Int64("max", maxMemory))
			// The shard's eviction observer does the counting and logging.
			for _, sh := range s.shards.All() {
				sh.ForceEvict(s.cfg.Cache.EvictionBatchSize)
			}
		}
	}
}

func (s *Server) snapshotScheduler(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Storage.SnapshotInterval.Std())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := s.createSnapshot(); err != nil {
				return err
			}
		}
	}
}

func (s *Server) cacheMemoryUsage() int64 {
	var total int64
	for _, sh := range s.shards.All() {
		total += sh.Cache().MemoryUsage()
	}
	return total
}

// ---- event plumbing ----

// onExpired records an expiration and publishes the keyevent. passive
// marks expirations found on access rather than by the sweeper.
func (s *Server) onExpired(key string, passive bool) {
	s.stats.expiredKeys.Add(1)
	s.metrics.Expired(1)
	s.publishEvent("__keyevent@0__:expired", key)
	if passive {
		s.log.Debug("key expired on access", zap.String("key", key))
	}
}

// onEvicted runs under the evicting shard's lock. Victims are logged as
// deletions so a replayed log does not resurrect them; append failures
// here are logged, not surfaced — eviction cannot be rolled back.
func (s *Server) onEvicted(keys []string) {
	for _, key := range keys {
		if err := s.persist.Append(storage.OpDel, key, nil, 0); err != nil {
			s.log.Error("failed to log eviction", zap.String("key", key), zap.Error(err))
		}
		s.publishEvent("__keyevent@0__:evicted", key)
	}
	s.stats.evictedKeys.Add(uint64(len(keys)))
	s.metrics.Evicted(len(keys))
}

// publishEvent pushes a notification; failures are logged, never
// propagated to the operation that caused them.
func (s *Server) publishEvent(channel, payload string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("notifier publish panic", zap.Any("panic", r))
		}
	}()
	s.notifier.Publish(channel, payload)
}

func (s *Server) keyspaceEvent(key, op string) {
	s.publishEvent("__keyspace@0__:"+key, op)
}

// recordErr classifies and counts err, then returns it.
func (s *Server) recordErr(err error) error {
	if err == nil {
		return nil
	}
	kind := kverr.KindOf(err)
	s.stats.errors[kind].Add(1)
	s.metrics.Error(kind.String())
	return err
}

// checkWritable gates mutations on lifecycle and leadership.
func (s *Server) checkWritable() error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return kverr.New(kverr.Shutdown, "server is not running")
	}
	if s.leadership != nil && !s.leadership.IsLeader() {
		return kverr.New(kverr.NotLeader, "write rejected: node is not the leader")
	}
	return nil
}

func (s *Server) checkRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return kverr.New(kverr.Shutdown, "server is not running")
	}
	return nil
}
