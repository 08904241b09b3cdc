package crdt

import (
	"encoding/binary"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/hyperkv/hyperkv/kverr"
)

// Binary frame layout, version 1:
//
//	[0]      frame version
//	[1]      kind tag (Kind)
//	[2:]     variant payload
//
// Strings are uvarint-length-prefixed bytes; counts are uvarint; numeric
// fields are fixed-width big-endian. Map-shaped payloads are written in
// sorted key order so identical states encode identically.
const frameVersion = 1

// Encode serializes a value into its binary frame.
func Encode(v Value) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, frameVersion, byte(v.Kind()))

	switch val := v.(type) {
	case *LWWRegister:
		buf = appendTimestamp(buf, val.TS)
		buf = appendString(buf, val.Val)
		buf = appendBool(buf, val.Tombstone)

	case *LWWSet:
		els := make([]string, 0, len(val.Els))
		for e := range val.Els {
			els = append(els, e)
		}
		sort.Strings(els)
		buf = binary.AppendUvarint(buf, uint64(len(els)))
		for _, e := range els {
			rec := val.Els[e]
			buf = appendString(buf, e)
			buf = appendTimestamp(buf, rec.TS)
			buf = appendBool(buf, rec.Tombstone)
		}

	case *ORSet:
		buf = appendTagMap(buf, val.Added)
		buf = appendTagMap(buf, val.Removed)

	case *PNCounter:
		buf = appendCounts(buf, val.Inc)
		buf = appendCounts(buf, val.Dec)
	}
	return buf
}

// Decode parses a binary frame back into a value. Failures are classified
// as TypeMismatch: the bytes cannot be read as the CRDT they claim to be.
func Decode(frame []byte) (Value, error) {
	r := frameReader{buf: frame}
	version, err := r.byte()
	if err != nil {
		return nil, err
	}
	if version != frameVersion {
		return nil, kverr.Newf(kverr.TypeMismatch, "unsupported crdt frame version %d", version)
	}
	tag, err := r.byte()
	if err != nil {
		return nil, err
	}

	switch Kind(tag) {
	case KindLWWRegister:
		reg := &LWWRegister{}
		if reg.TS, err = r.timestamp(); err != nil {
			return nil, err
		}
		if reg.Val, err = r.str(); err != nil {
			return nil, err
		}
		if reg.Tombstone, err = r.bool(); err != nil {
			return nil, err
		}
		return reg, nil

	case KindLWWSet:
		n, err := r.count()
		if err != nil {
			return nil, err
		}
		set := NewLWWSet()
		for i := uint64(0); i < n; i++ {
			e, err := r.str()
			if err != nil {
				return nil, err
			}
			var rec lwwElement
			if rec.TS, err = r.timestamp(); err != nil {
				return nil, err
			}
			if rec.Tombstone, err = r.bool(); err != nil {
				return nil, err
			}
			set.Els[e] = rec
		}
		return set, nil

	case KindORSet:
		set := NewORSet()
		if err := r.tagMap(set.Added); err != nil {
			return nil, err
		}
		if err := r.tagMap(set.Removed); err != nil {
			return nil, err
		}
		return set, nil

	case KindPNCounter:
		c := NewPNCounter()
		if err := r.counts(c.Inc); err != nil {
			return nil, err
		}
		if err := r.counts(c.Dec); err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, kverr.Newf(kverr.TypeMismatch, "unknown crdt frame tag %d", tag)
}

// ---- encoding helpers ----

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func appendTimestamp(buf []byte, ts Timestamp) []byte {
	buf = binary.BigEndian.AppendUint64(buf, ts.Logical)
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts.Physical))
	return appendString(buf, ts.NodeID)
}

func appendTagMap(buf []byte, m map[string]mapset.Set[string]) []byte {
	els := make([]string, 0, len(m))
	for e := range m {
		els = append(els, e)
	}
	sort.Strings(els)
	buf = binary.AppendUvarint(buf, uint64(len(els)))
	for _, e := range els {
		buf = appendString(buf, e)
		tags := m[e].ToSlice()
		sort.Strings(tags)
		buf = binary.AppendUvarint(buf, uint64(len(tags)))
		for _, t := range tags {
			buf = appendString(buf, t)
		}
	}
	return buf
}

func appendCounts(buf []byte, m map[string]uint64) []byte {
	nodes := make([]string, 0, len(m))
	for n := range m {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	buf = binary.AppendUvarint(buf, uint64(len(nodes)))
	for _, n := range nodes {
		buf = appendString(buf, n)
		buf = binary.BigEndian.AppendUint64(buf, m[n])
	}
	return buf
}

// ---- decoding helpers ----

var errTruncated = kverr.New(kverr.TypeMismatch, "truncated crdt frame")

type frameReader struct {
	buf []byte
	off int
}

func (r *frameReader) byte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, errTruncated
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *frameReader) bool() (bool, error) {
	b, err := r.byte()
	return b != 0, err
}

func (r *frameReader) uint64() (uint64, error) {
	if r.off+8 > len(r.buf) {
		return 0, errTruncated
	}
	n := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return n, nil
}

func (r *frameReader) count() (uint64, error) {
	n, sz := binary.Uvarint(r.buf[r.off:])
	if sz <= 0 {
		return 0, errTruncated
	}
	r.off += sz
	// A count cannot exceed the bytes remaining to carry its entries.
	if n > uint64(len(r.buf)-r.off) {
		return 0, errTruncated
	}
	return n, nil
}

func (r *frameReader) str() (string, error) {
	n, sz := binary.Uvarint(r.buf[r.off:])
	if sz <= 0 {
		return "", errTruncated
	}
	r.off += sz
	if n > uint64(len(r.buf)-r.off) {
		return "", errTruncated
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

func (r *frameReader) timestamp() (Timestamp, error) {
	var ts Timestamp
	logical, err := r.uint64()
	if err != nil {
		return ts, err
	}
	physical, err := r.uint64()
	if err != nil {
		return ts, err
	}
	node, err := r.str()
	if err != nil {
		return ts, err
	}
	return Timestamp{Logical: logical, Physical: int64(physical), NodeID: node}, nil
}

func (r *frameReader) tagMap(dst map[string]mapset.Set[string]) error {
	n, err := r.count()
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		e, err := r.str()
		if err != nil {
			return err
		}
		ntags, err := r.count()
		if err != nil {
			return err
		}
		set := mapset.NewThreadUnsafeSet[string]()
		for j := uint64(0); j < ntags; j++ {
			t, err := r.str()
			if err != nil {
				return err
			}
			set.Add(t)
		}
		dst[e] = set
	}
	return nil
}

func (r *frameReader) counts(dst map[string]uint64) error {
	n, err := r.count()
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		node, err := r.str()
		if err != nil {
			return err
		}
		c, err := r.uint64()
		if err != nil {
			return err
		}
		dst[node] = c
	}
	return nil
}
