package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyperkv/hyperkv/crdt"
)

func sampleSnapshot() (SnapshotHeader, []SnapshotRecord) {
	header := SnapshotHeader{
		NodeID:    "node-a",
		HLC:       crdt.Timestamp{Logical: 7, Physical: 170_000_000, NodeID: "node-a"},
		CreatedAt: 1_700_000_000_000_000_000,
		Seq:       42,
	}
	records := []SnapshotRecord{
		{Key: "a", Frame: []byte("frame-a")},
		{Key: "b", Frame: []byte("frame-b"), ExpiresAt: 9_000_000_000},
		{Key: "empty", Frame: nil},
	}
	return header, records
}

func TestSnapshot_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, compress := range []bool{false, true} {
		dir := t.TempDir()
		header, records := sampleSnapshot()

		idx, err := WriteSnapshot(dir, header, records, compress, nil)
		require.NoError(t, err)
		require.Equal(t, 1, idx)

		got, gotRecords, ok, err := LoadLatestSnapshot(dir, nil)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, header, got)
		require.Len(t, gotRecords, len(records))
		for i := range records {
			require.Equal(t, records[i].Key, gotRecords[i].Key)
			require.Equal(t, records[i].ExpiresAt, gotRecords[i].ExpiresAt)
			if len(records[i].Frame) == 0 {
				require.Empty(t, gotRecords[i].Frame)
			} else {
				require.Equal(t, records[i].Frame, gotRecords[i].Frame)
			}
		}
	}
}

func TestSnapshot_NewestWins(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	header, records := sampleSnapshot()

	_, err := WriteSnapshot(dir, header, records, false, nil)
	require.NoError(t, err)

	header.Seq = 99
	idx, err := WriteSnapshot(dir, header, records[:1], false, nil)
	require.NoError(t, err)
	require.Equal(t, 2, idx)

	got, gotRecords, ok, err := LoadLatestSnapshot(dir, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(99), got.Seq)
	require.Len(t, gotRecords, 1)
}

func TestSnapshot_CorruptFallsBack(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	header, records := sampleSnapshot()

	_, err := WriteSnapshot(dir, header, records, false, nil)
	require.NoError(t, err)
	_, err = WriteSnapshot(dir, header, records, false, nil)
	require.NoError(t, err)

	// Corrupt the newest file: loading falls back to the older one.
	newest := filepath.Join(dir, "snapshot-2.snap")
	buf, err := os.ReadFile(newest)
	require.NoError(t, err)
	buf[len(buf)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(newest, buf, 0o644))

	_, gotRecords, ok, err := LoadLatestSnapshot(dir, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, gotRecords, len(records))
}

func TestSnapshot_NoneIsNotAnError(t *testing.T) {
	t.Parallel()

	_, _, ok, err := LoadLatestSnapshot(t.TempDir(), nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSnapshot_NoTempLeftBehind(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	header, records := sampleSnapshot()
	_, err := WriteSnapshot(dir, header, records, true, nil)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp")
	}
}

func TestSnapshot_Prune(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	header, records := sampleSnapshot()
	for i := 0; i < 5; i++ {
		_, err := WriteSnapshot(dir, header, records, false, nil)
		require.NoError(t, err)
	}
	PruneSnapshots(dir, 2, nil)
	require.Equal(t, []int{4, 5}, snapshotIndices(dir))
}
