package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitTrackerTracksDirtyPartitions(t *testing.T) {
	tr := NewSplitTracker()
	require.True(t, tr.IsEmpty())

	tr.MarkDirty(5)
	tr.MarkDirty(70000)

	parts := tr.DirtyPartitions(1 << 16)
	require.ElementsMatch(t, []uint32{0, 1}, parts)
	require.False(t, tr.IsEmpty())

	tr.ClearPartition(0, 1<<16)
	parts = tr.DirtyPartitions(1 << 16)
	require.Equal(t, []uint32{1}, parts)

	tr.ClearPartition(1, 1<<16)
	require.True(t, tr.IsEmpty())
}

func TestCreatePartitionDirLaysOutHeaderAndParts(t *testing.T) {
	dir := t.TempDir()
	header := Header{DPBits: 24, TotalCount: 1}

	require.NoError(t, CreatePartitionDir(dir, header, 1<<18))

	_, err := os.Stat(filepath.Join(dir, "header"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "part00"))
	require.NoError(t, err)
}

func TestFlushPartitionsClearsDirtyOnSuccess(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, CreatePartitionDir(dir, Header{}, 1<<16))

	tr := NewSplitTracker()
	tr.MarkDirty(3)

	err := FlushPartitions(dir, nil, tr, 1<<16)
	require.NoError(t, err)
	require.True(t, tr.IsEmpty())

	_, statErr := os.Stat(filepath.Join(dir, "part00"))
	require.NoError(t, statErr)
}
