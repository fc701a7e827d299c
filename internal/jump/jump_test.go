package jump

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/secp-kangaroo/kangaroo/internal/secp"
)

func TestBuildIsDeterministic(t *testing.T) {
	a, err := Build(64, false)
	require.NoError(t, err)
	b, err := Build(64, false)
	require.NoError(t, err)

	for i := 0; i < NBJump; i++ {
		require.Equal(t, secp.ScalarBytes(&a.Entries[i].Dist), secp.ScalarBytes(&b.Entries[i].Dist), "entry %d differs between builds", i)
	}
}

func TestBuildEntriesMatchDistTimesG(t *testing.T) {
	table, err := Build(64, false)
	require.NoError(t, err)
	for i, e := range table.Entries {
		want := secp.ScalarBaseMul(&e.Dist)
		require.True(t, want.Equals(e.P), "entry %d: P != Dist*G", i)
	}
}

func TestBuildJumpBitClamp(t *testing.T) {
	table, err := Build(512, false)
	require.NoError(t, err)
	require.LessOrEqual(t, table.JumpBit, 128)
}

func TestBuildSymmetryPartition(t *testing.T) {
	table, err := Build(64, true)
	require.NoError(t, err)
	require.True(t, table.UseSymmetry)
	require.Len(t, table.Entries, NBJump)
}

func TestBuildDifferentRangeBitsDifferentJumpBit(t *testing.T) {
	small, err := Build(32, false)
	require.NoError(t, err)
	large, err := Build(128, false)
	require.NoError(t, err)
	require.Less(t, small.JumpBit, large.JumpBit)
}
