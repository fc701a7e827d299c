package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/secp-kangaroo/kangaroo/internal/hashtable"
	"github.com/secp-kangaroo/kangaroo/internal/herd"
)

func writeWorkFile(t *testing.T, path string, header Header, entry hashtable.Entry, bucketIdx uint32) {
	t.Helper()
	tbl := hashtable.New()
	tbl.AddAtBucket(bucketIdx, entry)
	buckets, count := tbl.CaptureBucketHeaders()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, WriteBinary(f, Payload{Header: header, Buckets: buckets, BucketCnt: count}))
}

func TestMergeDetectsCrossFileCollision(t *testing.T) {
	dir := t.TempDir()
	header := Header{DPBits: 16, TotalCount: 10}

	shared := hashtable.Entry{FPHi: 0xaa, FPLo: 0xbb, DHi: 0, DLo: 1, Kind: herd.Tame}
	other := hashtable.Entry{FPHi: 0xaa, FPLo: 0xbb, DHi: 0, DLo: 2, Kind: herd.Wild}

	pathA := filepath.Join(dir, "a.work")
	pathB := filepath.Join(dir, "b.work")
	pathDest := filepath.Join(dir, "merged.work")

	writeWorkFile(t, pathA, header, shared, 7)
	writeWorkFile(t, pathB, header, other, 7)

	var collided bool
	onCollision := func(tame, wild hashtable.Entry) {
		collided = true
		require.Equal(t, herd.Tame, tame.Kind)
		require.Equal(t, herd.Wild, wild.Kind)
	}

	require.NoError(t, Merge(pathA, pathB, pathDest, onCollision))
	require.True(t, collided)

	merged, err := LoadWork(pathDest)
	require.NoError(t, err)
	require.Equal(t, uint64(20), merged.Header.TotalCount)
	require.Equal(t, uint64(1), merged.BucketCnt, "the colliding entry from b is not re-inserted")
}

func TestMergeRejectsMismatchedHeaders(t *testing.T) {
	dir := t.TempDir()
	entry := hashtable.Entry{FPHi: 1, FPLo: 2, DHi: 0, DLo: 1, Kind: herd.Tame}

	pathA := filepath.Join(dir, "a.work")
	pathB := filepath.Join(dir, "b.work")
	writeWorkFile(t, pathA, Header{DPBits: 16}, entry, 0)
	writeWorkFile(t, pathB, Header{DPBits: 20}, entry, 0)

	err := Merge(pathA, pathB, filepath.Join(dir, "out.work"), nil)
	require.Error(t, err)
}

func TestMergeDirSingleFileCopiesThrough(t *testing.T) {
	dir := t.TempDir()
	entry := hashtable.Entry{FPHi: 1, FPLo: 2, DHi: 0, DLo: 1, Kind: herd.Tame}
	path := filepath.Join(dir, "only.work")
	writeWorkFile(t, path, Header{DPBits: 16}, entry, 0)

	dest := filepath.Join(dir, "dest.work")
	require.NoError(t, MergeDir(dir, dest))

	got, err := LoadWork(dest)
	require.NoError(t, err)
	require.Equal(t, uint32(16), got.Header.DPBits)
}
