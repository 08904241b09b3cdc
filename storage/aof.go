package storage

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperkv/hyperkv/kverr"
)

// FsyncPolicy controls when an append-log record becomes durable.
type FsyncPolicy string

const (
	// FsyncAlways fsyncs after every record.
	FsyncAlways FsyncPolicy = "always"
	// FsyncEverySec fsyncs at most once per second from a background
	// flusher; up to one second of records may be lost on crash.
	FsyncEverySec FsyncPolicy = "everysec"
	// FsyncNo writes through to the OS and lets it schedule the flush.
	FsyncNo FsyncPolicy = "no"
)

// ParseFsyncPolicy validates a policy spelling.
func ParseFsyncPolicy(s string) (FsyncPolicy, error) {
	switch FsyncPolicy(s) {
	case FsyncAlways, FsyncEverySec, FsyncNo:
		return FsyncPolicy(s), nil
	}
	return "", kverr.Newf(kverr.InvalidArgument, "unknown fsync policy %q", s)
}

// Op tags an append-log record.
type Op uint8

const (
	OpSet Op = iota + 1
	OpDel
	OpExpire
	OpPersist
)

// Record is one logged mutation. ExpiresAt is the absolute deadline in
// UnixNano, or zero for none: storing the deadline rather than the
// relative TTL keeps replay exact no matter when it runs.
type Record struct {
	Seq       uint64
	Op        Op
	Key       string
	Frame     []byte // encoded CRDT value; empty for non-SET ops
	ExpiresAt int64
}

const (
	segmentPrefix  = "appendlog-"
	segmentSuffix  = ".log"
	maxSegmentSize = 64 << 20
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Log is the append-only mutation log. Appends are serialized by the
// log's own mutex; per the lock order (shard, clock, persistence) callers
// may hold a shard lock while appending.
type Log struct {
	mu       sync.Mutex
	dir      string
	policy   FsyncPolicy
	log      *zap.Logger
	f        *os.File
	w        *bufio.Writer
	seq      uint64
	segIndex int
	segSize  int64
	dirty    bool
	closed   bool
}

// OpenLog prepares a log over the segments in dir. Appending starts in a
// fresh segment after the highest existing one; call Replay first to
// consume history and seed the sequence counter.
func OpenLog(dir string, policy FsyncPolicy, log *zap.Logger) (*Log, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if _, err := ParseFsyncPolicy(string(policy)); err != nil {
		return nil, err
	}
	return &Log{dir: dir, policy: policy, log: log}, nil
}

// segments lists segment file paths in ascending index order.
func (l *Log) segments() ([]string, []int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, nil, kverr.Wrap(kverr.StorageIO, err, "read log dir")
	}
	var idx []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix))
		if err != nil {
			continue
		}
		idx = append(idx, n)
	}
	sort.Ints(idx)
	paths := make([]string, len(idx))
	for i, n := range idx {
		paths[i] = filepath.Join(l.dir, fmt.Sprintf("%s%d%s", segmentPrefix, n, segmentSuffix))
	}
	return paths, idx, nil
}

// Replay streams every record with Seq > afterSeq to fn, in order. A
// record that fails its checksum ends the replay: everything from the torn
// record on is dropped. The sequence counter is seeded from the last good
// record so new appends continue the numbering.
func (l *Log) Replay(afterSeq uint64, fn func(Record) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	paths, _, err := l.segments()
	if err != nil {
		return err
	}
	for _, path := range paths {
		done, err := l.replaySegment(path, afterSeq, fn)
		if err != nil {
			return err
		}
		if done { // torn tail: ignore any later segments too
			break
		}
	}
	return nil
}

// replaySegment reads one segment. Its boolean result reports a torn
// record, which ends the whole replay.
func (l *Log) replaySegment(path string, afterSeq uint64, fn func(Record) error) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, kverr.Wrap(kverr.StorageIO, err, "open segment")
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		rec, err := readRecord(r)
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			l.log.Warn("append log torn record, dropping tail",
				zap.String("segment", filepath.Base(path)), zap.Error(err))
			return true, nil
		}
		if rec.Seq > l.seq {
			l.seq = rec.Seq
		}
		if rec.Seq <= afterSeq {
			continue
		}
		if err := fn(rec); err != nil {
			return false, err
		}
	}
}

// Activate opens a fresh segment for appending, numbered after the
// highest existing one.
func (l *Log) Activate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, idx, err := l.segments()
	if err != nil {
		return err
	}
	next := 1
	if len(idx) > 0 {
		next = idx[len(idx)-1] + 1
	}
	return l.openSegmentLocked(next)
}

func (l *Log) openSegmentLocked(index int) error {
	path := filepath.Join(l.dir, fmt.Sprintf("%s%d%s", segmentPrefix, index, segmentSuffix))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return kverr.Wrap(kverr.StorageIO, err, "open segment")
	}
	l.f = f
	l.w = bufio.NewWriter(f)
	l.segIndex = index
	l.segSize = 0
	return nil
}

// LastSeq returns the highest sequence number seen or assigned.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Append logs one mutation and applies the fsync policy. It returns the
// record's sequence number.
func (l *Log) Append(op Op, key string, frame []byte, expiresAt int64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, kverr.New(kverr.Shutdown, "append log closed")
	}
	if l.f == nil {
		return 0, kverr.New(kverr.StorageIO, "append log not activated")
	}

	l.seq++
	rec := Record{Seq: l.seq, Op: op, Key: key, Frame: frame, ExpiresAt: expiresAt}
	buf := encodeRecord(rec)

	if _, err := l.w.Write(buf); err != nil {
		return 0, kverr.Wrap(kverr.StorageIO, err, "append record")
	}
	// Push to the OS on every append; fsync is the policy's business.
	if err := l.w.Flush(); err != nil {
		return 0, kverr.Wrap(kverr.StorageIO, err, "flush record")
	}
	l.segSize += int64(len(buf))

	switch l.policy {
	case FsyncAlways:
		if err := l.f.Sync(); err != nil {
			return 0, kverr.Wrap(kverr.StorageIO, err, "fsync record")
		}
	case FsyncEverySec:
		l.dirty = true
	}

	if l.segSize >= maxSegmentSize {
		if err := l.rotateLocked(); err != nil {
			return 0, err
		}
	}
	return rec.Seq, nil
}

func (l *Log) rotateLocked() error {
	if err := l.f.Sync(); err != nil {
		return kverr.Wrap(kverr.StorageIO, err, "fsync before rotate")
	}
	if err := l.f.Close(); err != nil {
		return kverr.Wrap(kverr.StorageIO, err, "close segment")
	}
	l.log.Info("append log segment rotated", zap.Int("segment", l.segIndex+1))
	return l.openSegmentLocked(l.segIndex + 1)
}

// Sync forces buffered records to disk.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncLocked()
}

func (l *Log) syncLocked() error {
	if l.f == nil || l.closed {
		return nil
	}
	if err := l.w.Flush(); err != nil {
		return kverr.Wrap(kverr.StorageIO, err, "flush log")
	}
	if err := l.f.Sync(); err != nil {
		return kverr.Wrap(kverr.StorageIO, err, "fsync log")
	}
	l.dirty = false
	return nil
}

// RunFlusher services the everysec policy until ctx is done. It runs on a
// fixed interval and does not back off under load.
func (l *Log) RunFlusher(ctx context.Context) {
	if l.policy != FsyncEverySec {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			dirty := l.dirty
			var err error
			if dirty {
				err = l.syncLocked()
			}
			l.mu.Unlock()
			if err != nil {
				l.log.Error("append log flush failed", zap.Error(err))
			}
		}
	}
}

// Close syncs and closes the active segment. Idempotent.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	err := l.syncLocked()
	l.closed = true
	if l.f != nil {
		if cerr := l.f.Close(); err == nil {
			err = kverr.Wrap(kverr.StorageIO, cerr, "close log")
		}
	}
	return err
}

// ---- record framing: [uint32 payload len][payload][uint32 crc32c] ----

func encodeRecord(rec Record) []byte {
	payload := make([]byte, 0, 32+len(rec.Key)+len(rec.Frame))
	payload = binary.BigEndian.AppendUint64(payload, rec.Seq)
	payload = append(payload, byte(rec.Op))
	payload = binary.AppendUvarint(payload, uint64(len(rec.Key)))
	payload = append(payload, rec.Key...)
	payload = binary.AppendUvarint(payload, uint64(len(rec.Frame)))
	payload = append(payload, rec.Frame...)
	payload = binary.BigEndian.AppendUint64(payload, uint64(rec.ExpiresAt))

	buf := make([]byte, 0, 8+len(payload))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.Checksum(payload, crcTable))
	return buf
}

func readRecord(r *bufio.Reader) (Record, error) {
	var rec Record
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return rec, fmt.Errorf("torn length prefix")
		}
		return rec, err // io.EOF = clean end
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < 17 || n > 1<<30 {
		return rec, fmt.Errorf("implausible record length %d", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return rec, fmt.Errorf("torn payload: %w", err)
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return rec, fmt.Errorf("torn checksum: %w", err)
	}
	if crc32.Checksum(payload, crcTable) != binary.BigEndian.Uint32(crcBuf[:]) {
		return rec, fmt.Errorf("checksum mismatch")
	}

	off := 0
	rec.Seq = binary.BigEndian.Uint64(payload[off:])
	off += 8
	rec.Op = Op(payload[off])
	off++

	keyLen, sz := binary.Uvarint(payload[off:])
	if sz <= 0 || keyLen > uint64(len(payload)-off-sz) {
		return rec, fmt.Errorf("bad key length")
	}
	off += sz
	rec.Key = string(payload[off : off+int(keyLen)])
	off += int(keyLen)

	frameLen, sz := binary.Uvarint(payload[off:])
	if sz <= 0 || frameLen > uint64(len(payload)-off-sz) {
		return rec, fmt.Errorf("bad frame length")
	}
	off += sz
	if frameLen > 0 {
		rec.Frame = append([]byte(nil), payload[off:off+int(frameLen)]...)
	}
	off += int(frameLen)

	if len(payload)-off != 8 {
		return rec, fmt.Errorf("bad record tail")
	}
	rec.ExpiresAt = int64(binary.BigEndian.Uint64(payload[off:]))
	return rec, nil
}
