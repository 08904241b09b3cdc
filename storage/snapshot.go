package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/snappy"
	"go.uber.org/zap"

	"github.com/hyperkv/hyperkv/crdt"
	"github.com/hyperkv/hyperkv/kverr"
)

// Snapshot file layout:
//
//	[4] magic "HKVS"
//	[1] format version
//	[1] flags (bit0: snappy-compressed payload)
//	[8] payload length (compressed length when compressed)
//	[.] payload: header + records
//	[4] crc32c of the payload bytes as stored
//
// The payload carries the header (node id, HLC state, creation time,
// sequence number) followed by one record per key. Files
// are written under a temporary name and renamed into place, so a
// half-written snapshot never shadows a good one.
const (
	snapshotMagic   = "HKVS"
	snapshotVersion = 1
	snapshotPrefix  = "snapshot-"
	snapshotSuffix  = ".snap"

	flagCompressed = 1 << 0
)

// SnapshotHeader describes a snapshot's provenance.
type SnapshotHeader struct {
	NodeID    string
	HLC       crdt.Timestamp
	CreatedAt int64  // UnixNano
	Seq       uint64 // all log records with seq <= Seq are reflected
}

// SnapshotRecord is one persisted key. ExpiresAt is zero for keys without
// a TTL.
type SnapshotRecord struct {
	Key       string
	Frame     []byte
	ExpiresAt int64
}

// WriteSnapshot serializes records into the next numbered snapshot file in
// dir and returns its index.
func WriteSnapshot(dir string, header SnapshotHeader, records []SnapshotRecord, compress bool, log *zap.Logger) (int, error) {
	if log == nil {
		log = zap.NewNop()
	}

	payload := make([]byte, 0, 1024)
	payload = appendSnapString(payload, header.NodeID)
	payload = binary.BigEndian.AppendUint64(payload, header.HLC.Logical)
	payload = binary.BigEndian.AppendUint64(payload, uint64(header.HLC.Physical))
	payload = appendSnapString(payload, header.HLC.NodeID)
	payload = binary.BigEndian.AppendUint64(payload, uint64(header.CreatedAt))
	payload = binary.BigEndian.AppendUint64(payload, header.Seq)
	payload = binary.AppendUvarint(payload, uint64(len(records)))
	for _, rec := range records {
		payload = appendSnapString(payload, rec.Key)
		payload = binary.AppendUvarint(payload, uint64(len(rec.Frame)))
		payload = append(payload, rec.Frame...)
		payload = binary.BigEndian.AppendUint64(payload, uint64(rec.ExpiresAt))
	}

	var flags byte
	if compress {
		payload = snappy.Encode(nil, payload)
		flags |= flagCompressed
	}

	buf := make([]byte, 0, len(payload)+32)
	buf = append(buf, snapshotMagic...)
	buf = append(buf, snapshotVersion, flags)
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.Checksum(payload, crcTable))

	index := nextSnapshotIndex(dir)
	final := filepath.Join(dir, fmt.Sprintf("%s%d%s", snapshotPrefix, index, snapshotSuffix))
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return 0, kverr.Wrap(kverr.StorageIO, err, "write snapshot")
	}
	if err := syncFile(tmp); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return 0, kverr.Wrap(kverr.StorageIO, err, "rename snapshot")
	}
	if err := syncDir(dir); err != nil {
		return 0, err
	}

	log.Info("snapshot written",
		zap.Int("index", index),
		zap.Int("keys", len(records)),
		zap.Uint64("seq", header.Seq),
		zap.Bool("compressed", compress))
	return index, nil
}

// LoadLatestSnapshot returns the newest snapshot that passes validation,
// or ok=false when none exists. Corrupt candidates are skipped with a
// warning, falling back to older ones.
func LoadLatestSnapshot(dir string, log *zap.Logger) (SnapshotHeader, []SnapshotRecord, bool, error) {
	if log == nil {
		log = zap.NewNop()
	}
	indices := snapshotIndices(dir)
	for i := len(indices) - 1; i >= 0; i-- {
		path := filepath.Join(dir, fmt.Sprintf("%s%d%s", snapshotPrefix, indices[i], snapshotSuffix))
		header, records, err := readSnapshot(path)
		if err != nil {
			log.Warn("skipping invalid snapshot", zap.String("file", filepath.Base(path)), zap.Error(err))
			continue
		}
		return header, records, true, nil
	}
	return SnapshotHeader{}, nil, false, nil
}

func readSnapshot(path string) (SnapshotHeader, []SnapshotRecord, error) {
	var header SnapshotHeader
	buf, err := os.ReadFile(path)
	if err != nil {
		return header, nil, kverr.Wrap(kverr.StorageIO, err, "read snapshot")
	}
	if len(buf) < 4+1+1+8+4 || string(buf[:4]) != snapshotMagic {
		return header, nil, fmt.Errorf("not a snapshot file")
	}
	if buf[4] != snapshotVersion {
		return header, nil, fmt.Errorf("unsupported snapshot version %d", buf[4])
	}
	flags := buf[5]
	n := binary.BigEndian.Uint64(buf[6:14])
	if uint64(len(buf)) != 14+n+4 {
		return header, nil, fmt.Errorf("snapshot length mismatch")
	}
	payload := buf[14 : 14+n]
	if crc32.Checksum(payload, crcTable) != binary.BigEndian.Uint32(buf[14+n:]) {
		return header, nil, fmt.Errorf("snapshot checksum mismatch")
	}
	if flags&flagCompressed != 0 {
		payload, err = snappy.Decode(nil, payload)
		if err != nil {
			return header, nil, fmt.Errorf("snapshot decompress: %w", err)
		}
	}

	r := snapReader{buf: payload}
	if header.NodeID, err = r.str(); err != nil {
		return header, nil, err
	}
	var logical, physical, created uint64
	if logical, err = r.uint64(); err != nil {
		return header, nil, err
	}
	if physical, err = r.uint64(); err != nil {
		return header, nil, err
	}
	hlcNode, err := r.str()
	if err != nil {
		return header, nil, err
	}
	header.HLC = crdt.Timestamp{Logical: logical, Physical: int64(physical), NodeID: hlcNode}
	if created, err = r.uint64(); err != nil {
		return header, nil, err
	}
	header.CreatedAt = int64(created)
	if header.Seq, err = r.uint64(); err != nil {
		return header, nil, err
	}

	count, err := r.count()
	if err != nil {
		return header, nil, err
	}
	records := make([]SnapshotRecord, 0, count)
	for i := uint64(0); i < count; i++ {
		var rec SnapshotRecord
		if rec.Key, err = r.str(); err != nil {
			return header, nil, err
		}
		frameLen, err := r.count()
		if err != nil {
			return header, nil, err
		}
		if rec.Frame, err = r.bytes(int(frameLen)); err != nil {
			return header, nil, err
		}
		at, err := r.uint64()
		if err != nil {
			return header, nil, err
		}
		rec.ExpiresAt = int64(at)
		records = append(records, rec)
	}
	return header, records, nil
}

// PruneSnapshots removes all but the newest keep snapshot files.
func PruneSnapshots(dir string, keep int, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	indices := snapshotIndices(dir)
	if len(indices) <= keep {
		return
	}
	for _, idx := range indices[:len(indices)-keep] {
		path := filepath.Join(dir, fmt.Sprintf("%s%d%s", snapshotPrefix, idx, snapshotSuffix))
		if err := os.Remove(path); err != nil {
			log.Warn("prune snapshot failed", zap.String("file", filepath.Base(path)), zap.Error(err))
		}
	}
}

func snapshotIndices(dir string) []int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotSuffix))
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

func nextSnapshotIndex(dir string) int {
	indices := snapshotIndices(dir)
	if len(indices) == 0 {
		return 1
	}
	return indices[len(indices)-1] + 1
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return kverr.Wrap(kverr.StorageIO, err, "open for sync")
	}
	defer f.Close()
	return kverr.Wrap(kverr.StorageIO, f.Sync(), "sync file")
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return kverr.Wrap(kverr.StorageIO, err, "open dir for sync")
	}
	defer d.Close()
	return kverr.Wrap(kverr.StorageIO, d.Sync(), "sync dir")
}

func appendSnapString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

type snapReader struct {
	buf []byte
	off int
}

func (r *snapReader) uint64() (uint64, error) {
	if r.off+8 > len(r.buf) {
		return 0, fmt.Errorf("truncated snapshot payload")
	}
	n := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return n, nil
}

func (r *snapReader) count() (uint64, error) {
	n, sz := binary.Uvarint(r.buf[r.off:])
	if sz <= 0 {
		return 0, fmt.Errorf("truncated snapshot payload")
	}
	r.off += sz
	if n > uint64(len(r.buf)-r.off) {
		return 0, fmt.Errorf("implausible snapshot count")
	}
	return n, nil
}

func (r *snapReader) bytes(n int) ([]byte, error) {
	if n > len(r.buf)-r.off {
		return nil, fmt.Errorf("truncated snapshot payload")
	}
	out := append([]byte(nil), r.buf[r.off:r.off+n]...)
	r.off += n
	return out, nil
}

func (r *snapReader) str() (string, error) {
	n, err := r.count()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	return string(b), err
}
