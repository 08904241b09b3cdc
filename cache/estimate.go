package cache

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/hyperkv/hyperkv/crdt"
)

// Size estimation for memory accounting. Estimates are deliberately rough:
// the budget exists to bound growth, not to model the allocator.
const (
	entryOverhead   = 64 // Entry metadata, map cell
	elementOverhead = 24 // per set element record
	numberSize      = 8
	unknownFallback = 100
	maxDepth        = 8
)

// entrySize estimates the footprint of one cache entry.
func entrySize(key string, value crdt.Value) int64 {
	return int64(len(key)) + EstimateValue(value) + entryOverhead
}

// EstimateValue walks a CRDT value and estimates its footprint in bytes.
func EstimateValue(v crdt.Value) int64 {
	switch val := v.(type) {
	case *crdt.LWWRegister:
		return int64(len(val.Val)+len(val.TS.NodeID)) + 2*numberSize

	case *crdt.LWWSet:
		var total int64
		for e := range val.Els {
			total += int64(len(e)) + elementOverhead + 2*numberSize
		}
		return total

	case *crdt.ORSet:
		return tagMapSize(val.Added) + tagMapSize(val.Removed)

	case *crdt.PNCounter:
		var total int64
		for node := range val.Inc {
			total += int64(len(node)) + numberSize
		}
		for node := range val.Dec {
			total += int64(len(node)) + numberSize
		}
		return total
	}
	return unknownFallback
}

func tagMapSize(m map[string]mapset.Set[string]) int64 {
	var total int64
	for e, tags := range m {
		total += int64(len(e)) + elementOverhead
		tags.Each(func(tag string) bool {
			total += int64(len(tag))
			return false
		})
	}
	return total
}

// Estimate sizes an arbitrary Go value with explicit type dispatch and a
// depth cap. Used for estimating raw payloads before they become CRDT
// state; unknown shapes cost a conservative constant.
func Estimate(v any) int64 {
	return estimate(v, 0)
}

func estimate(v any, depth int) int64 {
	if depth > maxDepth {
		return unknownFallback
	}
	switch val := v.(type) {
	case nil:
		return 0
	case string:
		return int64(len(val))
	case []byte:
		return int64(len(val))
	case bool:
		return 1
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return numberSize
	case []string:
		var total int64
		for _, s := range val {
			total += int64(len(s))
		}
		return total
	case []any:
		var total int64
		for _, item := range val {
			total += estimate(item, depth+1)
		}
		return total
	case map[string]any:
		var total int64
		for k, item := range val {
			total += int64(len(k)) + estimate(item, depth+1)
		}
		return total
	}
	return unknownFallback
}
