// Package util contains internal helpers (hashing, sharding, padding).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"github.com/cespare/xxhash/v2"
)

// KeyHash hashes a key for shard routing using 64-bit xxHash.
//
// The hash is deliberately unseeded: the key→shard mapping must be stable
// across process restarts so that append-log replay and snapshot load route
// every key back to the shard that originally owned it.
func KeyHash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// KeyHashBytes is the []byte counterpart of KeyHash.
func KeyHashBytes(key []byte) uint64 {
	return xxhash.Sum64(key)
}
