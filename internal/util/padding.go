package util

import "sync/atomic"

// CacheLineSize is a reasonable default for modern CPUs; 64 works well in
// practice.
const CacheLineSize = 64

// PaddedAtomicUint64 is an atomic uint64 padded to one cache line. The
// server's per-operation counters live side by side in one struct and are
// bumped from many goroutines; padding keeps them off each other's lines.
type PaddedAtomicUint64 struct {
	atomic.Uint64
	_ [CacheLineSize - 8]byte
}
