package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyperkv/hyperkv/crdt"
)

func openPersistence(t *testing.T, dir string, backend Backend) *Persistence {
	t.Helper()
	p, err := Open(Config{
		DataDir:         dir,
		Backend:         backend,
		AOFEnabled:      true,
		FsyncPolicy:     FsyncAlways,
		SnapshotEnabled: true,
	})
	require.NoError(t, err)
	return p
}

func TestPersistence_RecoverFromLogOnly(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := openPersistence(t, dir, BackendMemory)
	_, err := p.Recover()
	require.NoError(t, err)

	require.NoError(t, p.Append(OpSet, "k1", []byte("f1"), 0))
	require.NoError(t, p.Append(OpSet, "k2", []byte("f2"), 5_000))
	require.NoError(t, p.Append(OpDel, "k1", nil, 0))
	require.NoError(t, p.Append(OpExpire, "k2", nil, 9_000))
	require.NoError(t, p.Close())

	p2 := openPersistence(t, dir, BackendMemory)
	defer p2.Close()
	state, err := p2.Recover()
	require.NoError(t, err)

	require.NotContains(t, state.Frames, "k1", "deleted key must not survive")
	require.Equal(t, []byte("f2"), state.Frames["k2"])
	require.Equal(t, int64(9_000), state.Deadlines["k2"], "EXPIRE must override the SET deadline")
	require.Equal(t, uint64(4), state.Seq)
}

func TestPersistence_RecoverSnapshotPlusSuffix(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := openPersistence(t, dir, BackendMemory)
	_, err := p.Recover()
	require.NoError(t, err)

	require.NoError(t, p.Append(OpSet, "snap", []byte("old"), 0))
	require.NoError(t, p.Append(OpSet, "both", []byte("v0"), 0))

	header := SnapshotHeader{
		NodeID: "n",
		HLC:    crdt.Timestamp{Logical: 1, Physical: 2, NodeID: "n"},
		Seq:    p.Seq(),
	}
	require.NoError(t, p.WriteSnapshot(header, []SnapshotRecord{
		{Key: "snap", Frame: []byte("old")},
		{Key: "both", Frame: []byte("v0")},
	}))

	// Mutations after the snapshot land only in the log suffix.
	require.NoError(t, p.Append(OpSet, "both", []byte("v1"), 0))
	require.NoError(t, p.Append(OpSet, "fresh", []byte("new"), 0))
	require.NoError(t, p.Append(OpPersist, "snap", nil, 0))
	require.NoError(t, p.Close())

	p2 := openPersistence(t, dir, BackendMemory)
	defer p2.Close()
	state, err := p2.Recover()
	require.NoError(t, err)

	require.Equal(t, []byte("old"), state.Frames["snap"])
	require.Equal(t, []byte("v1"), state.Frames["both"], "log suffix must win over snapshot")
	require.Equal(t, []byte("new"), state.Frames["fresh"])
	require.Equal(t, crdt.Timestamp{Logical: 1, Physical: 2, NodeID: "n"}, state.HLC)
}

func TestPersistence_EngineMirror(t *testing.T) {
	t.Parallel()

	p := openPersistence(t, t.TempDir(), BackendMemory)
	defer p.Close()
	_, err := p.Recover()
	require.NoError(t, err)

	require.NoError(t, p.Append(OpSet, "k", []byte("f"), 0))
	frame, ok, err := p.Engine().Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("f"), frame)

	require.NoError(t, p.Append(OpDel, "k", nil, 0))
	_, ok, err = p.Engine().Get("k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPersistence_DirLock(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := openPersistence(t, dir, BackendMemory)
	defer p.Close()

	_, err := Open(Config{DataDir: dir, Backend: BackendMemory})
	require.Error(t, err, "second open of the same data dir must fail")
}

func TestPersistence_BadgerBackend(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := openPersistence(t, dir, BackendBadger)
	_, err := p.Recover()
	require.NoError(t, err)

	require.NoError(t, p.Append(OpSet, "k", []byte("frame"), 0))
	require.NoError(t, p.Close())

	p2 := openPersistence(t, dir, BackendBadger)
	defer p2.Close()
	frame, ok, err := p2.Engine().Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("frame"), frame)
}

func TestParseBackend(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"memory", "badger"} {
		_, err := ParseBackend(s)
		require.NoError(t, err)
	}
	for _, s := range []string{"rocksdb", "lmdb", "tape"} {
		_, err := ParseBackend(s)
		require.Error(t, err, s)
	}
}
