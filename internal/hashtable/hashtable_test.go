package hashtable

import (
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/secp-kangaroo/kangaroo/internal/herd"
	"github.com/secp-kangaroo/kangaroo/internal/secp"
)

func fieldFromInt(v int64) secp.Field {
	s := secp.ScalarFromBig(big.NewInt(v))
	b := secp.ScalarBytes(&s)
	return secp.FieldFromBytes(&b)
}

func TestAddFreshEntryIsOK(t *testing.T) {
	tbl := New()
	x := fieldFromInt(12345)
	d := secp.ScalarFromBig(big.NewInt(1))
	status, _ := tbl.Add(&x, &d, herd.Tame, 0)
	require.Equal(t, StatusOK, status)
	require.Equal(t, uint64(1), tbl.Count())
}

func TestAddSameKindIsDup(t *testing.T) {
	tbl := New()
	x := fieldFromInt(54321)
	d1 := secp.ScalarFromBig(big.NewInt(1))
	d2 := secp.ScalarFromBig(big.NewInt(2))

	status, _ := tbl.Add(&x, &d1, herd.Tame, 0)
	require.Equal(t, StatusOK, status)

	status, prev := tbl.Add(&x, &d2, herd.Tame, 0)
	require.Equal(t, StatusDup, status)
	require.Equal(t, uint64(1), tbl.Count())
	hi, lo := secp.ScalarToUint128(&d1)
	require.Equal(t, hi, prev.DHi)
	require.Equal(t, lo, prev.DLo)
}

func TestAddOppositeKindIsCollision(t *testing.T) {
	tbl := New()
	x := fieldFromInt(999)
	d1 := secp.ScalarFromBig(big.NewInt(7))
	d2 := secp.ScalarFromBig(big.NewInt(9))

	status, _ := tbl.Add(&x, &d1, herd.Tame, 0)
	require.Equal(t, StatusOK, status)

	status, prev := tbl.Add(&x, &d2, herd.Wild, 0)
	require.Equal(t, StatusCollision, status)
	require.Equal(t, herd.Tame, prev.Kind)
	require.Equal(t, uint64(1), tbl.Count(), "a collision does not insert a second entry")
}

func TestSeekFindsAndMisses(t *testing.T) {
	tbl := New()
	x := fieldFromInt(42)
	d := secp.ScalarFromBig(big.NewInt(3))
	tbl.Add(&x, &d, herd.Tame, 0)

	entry, ok := tbl.Seek(&x)
	require.True(t, ok)
	require.Equal(t, herd.Tame, entry.Kind)

	miss := fieldFromInt(43)
	_, ok = tbl.Seek(&miss)
	require.False(t, ok)
}

func TestResetClearsTable(t *testing.T) {
	tbl := New()
	x := fieldFromInt(1)
	d := secp.ScalarFromBig(big.NewInt(1))
	tbl.Add(&x, &d, herd.Tame, 0)
	require.Equal(t, uint64(1), tbl.Count())

	tbl.Reset()
	require.Equal(t, uint64(0), tbl.Count())
	_, ok := tbl.Seek(&x)
	require.False(t, ok)
}

func TestCaptureBucketHeadersSafeUnderConcurrentAppend(t *testing.T) {
	tbl := New()
	for i := int64(0); i < 500; i++ {
		x := fieldFromInt(i)
		d := secp.ScalarFromBig(big.NewInt(i))
		tbl.Add(&x, &d, herd.Tame, 0)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(500); i < 1500; i++ {
			x := fieldFromInt(i)
			d := secp.ScalarFromBig(big.NewInt(i))
			tbl.Add(&x, &d, herd.Tame, 0)
		}
	}()

	buckets, count := tbl.CaptureBucketHeaders()
	require.GreaterOrEqual(t, count, uint64(500))
	total := 0
	for _, b := range buckets {
		total += len(b.Items)
	}
	require.Equal(t, int(count), total)

	wg.Wait()
	require.Equal(t, uint64(1500), tbl.Count())
}

func TestAddAtBucketRoundTrip(t *testing.T) {
	tbl := New()
	x := fieldFromInt(77)
	idx := BucketIndexOf(&x)
	d := secp.ScalarFromBig(big.NewInt(5))
	hi, lo := secp.ScalarToUint128(&d)
	fpHi, fpLo := secp.FieldLimb1(&x), secp.FieldLimb0(&x)

	entry := Entry{FPHi: fpHi, FPLo: fpLo, DHi: hi, DLo: lo, Kind: herd.Tame}
	status, _ := tbl.AddAtBucket(idx, entry)
	require.Equal(t, StatusOK, status)

	got, ok := tbl.Seek(&x)
	require.True(t, ok)
	require.Equal(t, entry, got)
}

func TestLoadBucketsReplacesContents(t *testing.T) {
	tbl := New()
	buckets := make([]Bucket, HashSize)
	x := fieldFromInt(8)
	idx := BucketIndexOf(&x)
	buckets[idx] = Bucket{Items: []Entry{{FPHi: secp.FieldLimb1(&x), FPLo: secp.FieldLimb0(&x)}}}

	tbl.LoadBuckets(buckets, 1)
	require.Equal(t, uint64(1), tbl.Count())
	_, ok := tbl.Seek(&x)
	require.True(t, ok)
}
