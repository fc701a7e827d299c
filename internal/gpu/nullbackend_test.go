package gpu

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/secp-kangaroo/kangaroo/internal/herd"
	"github.com/secp-kangaroo/kangaroo/internal/jump"
	"github.com/secp-kangaroo/kangaroo/internal/secp"
)

func TestSelectEmptyReturnsNullBackend(t *testing.T) {
	b, err := Select("")
	require.NoError(t, err)
	_, ok := b.(*NullBackend)
	require.True(t, ok)
}

func TestSelectUnknownIsUnavailable(t *testing.T) {
	_, err := Select("cuda-9000")
	require.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestNullBackendAllocateRejectsBadConfig(t *testing.T) {
	b := NewNullBackend()
	require.Error(t, b.Allocate(Config{Groups: 0, ThreadsPerGroup: 32}))
}

func TestNullBackendRunOnceRequiresJumps(t *testing.T) {
	b := NewNullBackend()
	require.NoError(t, b.Allocate(Config{Groups: 1, ThreadsPerGroup: herd.GroupSize, IterationsPerDispatch: 1, MaxFound: 64}))
	require.Error(t, b.RunOnce())
}

func TestNullBackendProducesDistinguishedPoints(t *testing.T) {
	b := NewNullBackend()
	require.NoError(t, b.Allocate(Config{Groups: 2, ThreadsPerGroup: herd.GroupSize, IterationsPerDispatch: 1, MaxFound: 2 * herd.GroupSize}))

	table, err := jump.Build(40, false)
	require.NoError(t, err)
	require.NoError(t, b.UploadJumps(table))

	bound := new(big.Int).Lsh(big.NewInt(1), 40)
	herdState := make([]herd.Kangaroo, 2*herd.GroupSize)
	g := herd.NewGroup(false)
	for i := range herdState {
		g.SeedTame(i%herd.GroupSize, bound)
		herdState[i] = g.K[i%herd.GroupSize]
	}
	require.NoError(t, b.UploadKangaroos(herdState))

	require.NoError(t, b.RunOnce())
	items, dropped, err := b.ReadDP()
	require.NoError(t, err)
	require.Equal(t, 0, dropped)
	// dpMask defaults to 0, which herd.Group.Step treats as "every lane is
	// a DP" — so every uploaded lane should have produced exactly one item.
	require.Len(t, items, 2*herd.GroupSize)

	items2, _, _ := b.ReadDP()
	require.Empty(t, items2, "ReadDP must drain the ring")
}

func TestNullBackendUploadKangaroosRejectsOverflow(t *testing.T) {
	b := NewNullBackend()
	require.NoError(t, b.Allocate(Config{Groups: 1, ThreadsPerGroup: herd.GroupSize, IterationsPerDispatch: 1, MaxFound: 64}))

	herdState := make([]herd.Kangaroo, herd.GroupSize+1)
	require.Error(t, b.UploadKangaroos(herdState))
}

func TestFieldToLimbsPutsLowBytesInLimbZero(t *testing.T) {
	x := secp.FieldFromBytes(&[32]byte{0: 0xAB, 31: 0xCD})
	limbs := fieldToLimbs(&x)
	require.Equal(t, uint64(0xCD), limbs[0]&0xff)
}
