package storage

import (
	"context"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/hyperkv/hyperkv/crdt"
	"github.com/hyperkv/hyperkv/kverr"
)

// Config selects and tunes the persistence stack.
type Config struct {
	DataDir             string
	Backend             Backend
	AOFEnabled          bool
	FsyncPolicy         FsyncPolicy
	SnapshotEnabled     bool
	SnapshotCompression bool
	SnapshotKeep        int // snapshots retained after pruning; default 3
	Logger              *zap.Logger
}

// Persistence bundles the engine, append log and snapshot machinery under
// one handle and serializes recovery before anything else runs.
type Persistence struct {
	cfg    Config
	log    *zap.Logger
	engine Engine
	aof    *Log
	lock   *flock.Flock
}

// RestoredState is the logical state rebuilt by Recover. Values are still
// encoded frames; the caller decodes and routes them to shards, skipping
// (and counting) any frame that no longer parses.
type RestoredState struct {
	Frames    map[string][]byte
	Deadlines map[string]int64 // UnixNano; only keys with a TTL
	HLC       crdt.Timestamp
	Seq       uint64
}

// Open prepares the persistence stack under cfg.DataDir. The directory is
// created if missing and guarded with a lock file against double-open.
func Open(cfg Config) (*Persistence, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.SnapshotKeep <= 0 {
		cfg.SnapshotKeep = 3
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, kverr.Wrap(kverr.StorageIO, err, "create data dir")
	}

	lock := flock.New(filepath.Join(cfg.DataDir, "LOCK"))
	held, err := lock.TryLock()
	if err != nil {
		return nil, kverr.Wrap(kverr.StorageIO, err, "acquire data dir lock")
	}
	if !held {
		return nil, kverr.Newf(kverr.StorageIO, "data dir %s is locked by another process", cfg.DataDir)
	}

	p := &Persistence{cfg: cfg, log: cfg.Logger, lock: lock}

	switch cfg.Backend {
	case BackendBadger:
		p.engine, err = NewBadgerEngine(cfg.DataDir, cfg.Logger)
	default:
		p.engine = NewMemoryEngine()
	}
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	if cfg.AOFEnabled {
		p.aof, err = OpenLog(cfg.DataDir, cfg.FsyncPolicy, cfg.Logger)
		if err != nil {
			p.engine.Close()
			lock.Unlock()
			return nil, err
		}
	}
	return p, nil
}

// Engine exposes the backing engine for fall-through reads.
func (p *Persistence) Engine() Engine { return p.engine }

// Recover rebuilds the logical state: newest valid snapshot first, then
// the append-log suffix with seq beyond the snapshot's. It must complete
// before the server accepts operations; afterwards the log is activated
// for appending.
func (p *Persistence) Recover() (*RestoredState, error) {
	state := &RestoredState{
		Frames:    make(map[string][]byte),
		Deadlines: make(map[string]int64),
	}

	header, records, ok, err := LoadLatestSnapshot(p.cfg.DataDir, p.log)
	if err != nil {
		return nil, err
	}
	if ok {
		state.HLC = header.HLC
		state.Seq = header.Seq
		for _, rec := range records {
			state.Frames[rec.Key] = rec.Frame
			if rec.ExpiresAt > 0 {
				state.Deadlines[rec.Key] = rec.ExpiresAt
			}
		}
		p.log.Info("snapshot restored",
			zap.Int("keys", len(records)), zap.Uint64("seq", header.Seq))
	}

	if p.aof != nil {
		replayed := 0
		err := p.aof.Replay(state.Seq, func(rec Record) error {
			replayed++
			switch rec.Op {
			case OpSet:
				state.Frames[rec.Key] = rec.Frame
				if rec.ExpiresAt > 0 {
					state.Deadlines[rec.Key] = rec.ExpiresAt
				} else {
					delete(state.Deadlines, rec.Key)
				}
			case OpDel:
				delete(state.Frames, rec.Key)
				delete(state.Deadlines, rec.Key)
			case OpExpire:
				if _, exists := state.Frames[rec.Key]; exists {
					state.Deadlines[rec.Key] = rec.ExpiresAt
				}
			case OpPersist:
				delete(state.Deadlines, rec.Key)
			}
			if rec.Seq > state.Seq {
				state.Seq = rec.Seq
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if err := p.aof.Activate(); err != nil {
			return nil, err
		}
		p.log.Info("append log replayed",
			zap.Int("records", replayed), zap.Uint64("seq", state.Seq))
	}
	return state, nil
}

// Append logs a mutation (when AOF is on) and mirrors SET/DEL into the
// engine. Durability of the log record follows the fsync policy.
func (p *Persistence) Append(op Op, key string, frame []byte, expiresAt int64) error {
	switch op {
	case OpSet:
		if err := p.engine.Set(key, frame); err != nil {
			return err
		}
	case OpDel:
		if _, err := p.engine.Delete(key); err != nil {
			return err
		}
	}
	if p.aof == nil {
		return nil
	}
	_, err := p.aof.Append(op, key, frame, expiresAt)
	return err
}

// WriteSnapshot persists a point-in-time view and prunes old snapshots.
func (p *Persistence) WriteSnapshot(header SnapshotHeader, records []SnapshotRecord) error {
	if !p.cfg.SnapshotEnabled {
		return nil
	}
	_, err := WriteSnapshot(p.cfg.DataDir, header, records, p.cfg.SnapshotCompression, p.log)
	if err != nil {
		return err
	}
	PruneSnapshots(p.cfg.DataDir, p.cfg.SnapshotKeep, p.log)
	return nil
}

// Seq returns the last assigned log sequence number (0 when AOF is off).
func (p *Persistence) Seq() uint64 {
	if p.aof == nil {
		return 0
	}
	return p.aof.LastSeq()
}

// Sync drains buffered log records to disk.
func (p *Persistence) Sync() error {
	if p.aof == nil {
		return nil
	}
	return p.aof.Sync()
}

// RunFlusher services the everysec fsync policy until ctx is done.
func (p *Persistence) RunFlusher(ctx context.Context) {
	if p.aof == nil {
		<-ctx.Done()
		return
	}
	p.aof.RunFlusher(ctx)
}

// Close syncs, closes the log and engine, and releases the dir lock.
func (p *Persistence) Close() error {
	var first error
	if p.aof != nil {
		if err := p.aof.Close(); first == nil {
			first = err
		}
	}
	if err := p.engine.Close(); first == nil {
		first = err
	}
	if err := p.lock.Unlock(); first == nil && err != nil {
		first = kverr.Wrap(kverr.StorageIO, err, "release data dir lock")
	}
	return first
}
