package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyperkv/hyperkv/kverr"
)

func openActiveLog(t *testing.T, dir string, policy FsyncPolicy) *Log {
	t.Helper()
	l, err := OpenLog(dir, policy, nil)
	require.NoError(t, err)
	require.NoError(t, l.Replay(0, func(Record) error { return nil }))
	require.NoError(t, l.Activate())
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLog_AppendReplay(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := openActiveLog(t, dir, FsyncAlways)

	seq1, err := l.Append(OpSet, "a", []byte("frame-a"), 0)
	require.NoError(t, err)
	seq2, err := l.Append(OpSet, "b", []byte("frame-b"), 12345)
	require.NoError(t, err)
	_, err = l.Append(OpDel, "a", nil, 0)
	require.NoError(t, err)
	require.Equal(t, seq1+1, seq2)
	require.NoError(t, l.Close())

	replay, err := OpenLog(dir, FsyncAlways, nil)
	require.NoError(t, err)
	var recs []Record
	require.NoError(t, replay.Replay(0, func(r Record) error {
		recs = append(recs, r)
		return nil
	}))
	require.Len(t, recs, 3)
	require.Equal(t, OpSet, recs[0].Op)
	require.Equal(t, "a", recs[0].Key)
	require.Equal(t, []byte("frame-a"), recs[0].Frame)
	require.Equal(t, int64(12345), recs[1].ExpiresAt)
	require.Equal(t, OpDel, recs[2].Op)
	require.Equal(t, uint64(3), replay.LastSeq())
}

func TestLog_ReplayAfterSeq(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := openActiveLog(t, dir, FsyncNo)
	for _, key := range []string{"a", "b", "c", "d"} {
		_, err := l.Append(OpSet, key, []byte("v"), 0)
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	replay, err := OpenLog(dir, FsyncNo, nil)
	require.NoError(t, err)
	var keys []string
	require.NoError(t, replay.Replay(2, func(r Record) error {
		keys = append(keys, r.Key)
		return nil
	}))
	require.Equal(t, []string{"c", "d"}, keys)
	// Sequence counter still reflects the whole history.
	require.Equal(t, uint64(4), replay.LastSeq())
}

func TestLog_TornTailDropped(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := openActiveLog(t, dir, FsyncAlways)
	_, err := l.Append(OpSet, "good", []byte("v"), 0)
	require.NoError(t, err)
	_, err = l.Append(OpSet, "torn", []byte("vvvvvvvv"), 0)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Chop bytes off the tail to simulate a torn write.
	seg := filepath.Join(dir, "appendlog-1.log")
	buf, err := os.ReadFile(seg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(seg, buf[:len(buf)-5], 0o644))

	replay, err := OpenLog(dir, FsyncAlways, nil)
	require.NoError(t, err)
	var keys []string
	require.NoError(t, replay.Replay(0, func(r Record) error {
		keys = append(keys, r.Key)
		return nil
	}))
	require.Equal(t, []string{"good"}, keys, "the torn record must be dropped")
}

func TestLog_CorruptRecordDropped(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := openActiveLog(t, dir, FsyncAlways)
	_, err := l.Append(OpSet, "good", []byte("v"), 0)
	require.NoError(t, err)
	_, err = l.Append(OpSet, "flipped", []byte("v"), 0)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	seg := filepath.Join(dir, "appendlog-1.log")
	buf, err := os.ReadFile(seg)
	require.NoError(t, err)
	buf[len(buf)-6] ^= 0xFF // flip a payload byte of the last record
	require.NoError(t, os.WriteFile(seg, buf, 0o644))

	replay, err := OpenLog(dir, FsyncAlways, nil)
	require.NoError(t, err)
	var keys []string
	require.NoError(t, replay.Replay(0, func(r Record) error {
		keys = append(keys, r.Key)
		return nil
	}))
	require.Equal(t, []string{"good"}, keys)
}

func TestLog_FreshSegmentPerBoot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := openActiveLog(t, dir, FsyncNo)
	_, err := l.Append(OpSet, "a", []byte("v"), 0)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2 := openActiveLog(t, dir, FsyncNo)
	_, err = l2.Append(OpSet, "b", []byte("v"), 0)
	require.NoError(t, err)
	require.NoError(t, l2.Close())

	_, err = os.Stat(filepath.Join(dir, "appendlog-1.log"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "appendlog-2.log"))
	require.NoError(t, err, "each boot must append into a fresh segment")

	// Both segments replay in order with continuous sequence numbers.
	replay, err := OpenLog(dir, FsyncNo, nil)
	require.NoError(t, err)
	var seqs []uint64
	require.NoError(t, replay.Replay(0, func(r Record) error {
		seqs = append(seqs, r.Seq)
		return nil
	}))
	require.Equal(t, []uint64{1, 2}, seqs)
}

func TestLog_AppendAfterClose(t *testing.T) {
	t.Parallel()

	l := openActiveLog(t, t.TempDir(), FsyncNo)
	require.NoError(t, l.Close())
	_, err := l.Append(OpSet, "k", nil, 0)
	require.Error(t, err)
	require.Equal(t, kverr.Shutdown, kverr.KindOf(err))
}

func TestParseFsyncPolicy(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"always", "everysec", "no"} {
		_, err := ParseFsyncPolicy(s)
		require.NoError(t, err)
	}
	_, err := ParseFsyncPolicy("sometimes")
	require.Error(t, err)
}
