// Package storage implements the persistence layer: the pluggable engine
// (memory or badger), the append log with its fsync policies, snapshot
// write/load, and crash recovery that replays the log suffix on top of the
// newest valid snapshot.
package storage

import (
	"github.com/hyperkv/hyperkv/kverr"
)

// Engine is the pluggable key→frame store behind the shards. Frames are
// encoded CRDT values (crdt.Encode); the engine never interprets them.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// Get returns the stored frame for key.
	Get(key string) ([]byte, bool, error)
	// Set stores a frame under key, overwriting any previous one.
	Set(key string, frame []byte) error
	// Delete removes key. Reports whether it was present.
	Delete(key string) (bool, error)
	// Keys lists every stored key.
	Keys() ([]string, error)
	// Close releases engine resources.
	Close() error
}

// Backend names a storage engine implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendBadger Backend = "badger"
)

// ParseBackend validates a backend spelling.
func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case BackendMemory, BackendBadger:
		return Backend(s), nil
	case "rocksdb", "lmdb":
		return "", kverr.Newf(kverr.InvalidArgument,
			"storage backend %q requires cgo bindings; use %q", s, BackendBadger)
	}
	return "", kverr.Newf(kverr.InvalidArgument, "unknown storage backend %q", s)
}
