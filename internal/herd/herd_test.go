package herd

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/secp-kangaroo/kangaroo/internal/jump"
	"github.com/secp-kangaroo/kangaroo/internal/secp"
)

func testBound(t *testing.T) *big.Int {
	t.Helper()
	return new(big.Int).Lsh(big.NewInt(1), 40)
}

func testTable(t *testing.T) *jump.Table {
	t.Helper()
	tbl, err := jump.Build(40, false)
	require.NoError(t, err)
	return tbl
}

func TestSeedTameInvariant(t *testing.T) {
	g := NewGroup(false)
	bound := testBound(t)
	for i := 0; i < 8; i++ {
		g.SeedTame(i, bound)
		k := g.K[i]
		require.Equal(t, Tame, k.Kind)
		want := secp.ScalarBaseMul(&k.D)
		got := secp.Point{X: k.X, Y: k.Y}
		require.True(t, want.Equals(got), "tame kangaroo %d: X,Y != D*G", i)
	}
}

func TestSeedWildInvariant(t *testing.T) {
	g := NewGroup(false)
	bound := testBound(t)
	q := secp.G()
	for i := 0; i < 8; i++ {
		g.SeedWild(i, q, bound)
		k := g.K[i]
		require.Equal(t, Wild, k.Kind)
		offset := secp.ScalarBaseMul(&k.D)
		want := secp.AddAffine(q, offset)
		got := secp.Point{X: k.X, Y: k.Y}
		require.True(t, want.Equals(got), "wild kangaroo %d: X,Y != Q+D*G", i)
	}
}

func TestStepPreservesTameInvariant(t *testing.T) {
	g := NewGroup(false)
	bound := testBound(t)
	for i := range g.K {
		g.SeedTame(i, bound)
	}
	table := testTable(t)

	for step := 0; step < 5; step++ {
		g.Step(table, 0)
		for i := range g.K {
			k := g.K[i]
			want := secp.ScalarBaseMul(&k.D)
			got := secp.Point{X: k.X, Y: k.Y}
			require.True(t, want.Equals(got), "step %d lane %d: invariant broken", step, i)
		}
	}
}

func TestStepPreservesWildInvariant(t *testing.T) {
	g := NewGroup(false)
	bound := testBound(t)
	q := secp.G()
	for i := range g.K {
		g.SeedWild(i, q, bound)
	}
	table := testTable(t)

	for step := 0; step < 5; step++ {
		g.Step(table, 0)
		for i := range g.K {
			k := g.K[i]
			offset := secp.ScalarBaseMul(&k.D)
			want := secp.AddAffine(q, offset)
			got := secp.Point{X: k.X, Y: k.Y}
			require.True(t, want.Equals(got), "step %d lane %d: invariant broken", step, i)
		}
	}
}

func TestStepDPMaskZeroFlagsEveryLane(t *testing.T) {
	g := NewGroup(false)
	bound := testBound(t)
	for i := range g.K {
		g.SeedTame(i, bound)
	}
	table := testTable(t)

	dps := g.Step(table, 0)
	require.Len(t, dps, GroupSize, "dpMask=0 should flag every lane as a distinguished point")
}

func TestStepDPMaskAllOnesFlagsNothing(t *testing.T) {
	g := NewGroup(false)
	bound := testBound(t)
	for i := range g.K {
		g.SeedTame(i, bound)
	}
	table := testTable(t)

	dps := g.Step(table, ^uint64(0))
	require.Empty(t, dps, "an all-ones mask should essentially never flag a lane")
}

func TestResetPreservesKind(t *testing.T) {
	g := NewGroup(false)
	bound := testBound(t)
	q := secp.G()
	g.SeedTame(0, bound)
	g.SeedWild(1, q, bound)

	g.Reset(0, bound, q)
	g.Reset(1, bound, q)

	require.Equal(t, Tame, g.K[0].Kind)
	require.Equal(t, Wild, g.K[1].Kind)

	wantTame := secp.ScalarBaseMul(&g.K[0].D)
	require.True(t, wantTame.Equals(secp.Point{X: g.K[0].X, Y: g.K[0].Y}))

	offset := secp.ScalarBaseMul(&g.K[1].D)
	wantWild := secp.AddAffine(q, offset)
	require.True(t, wantWild.Equals(secp.Point{X: g.K[1].X, Y: g.K[1].Y}))
}

func TestRandScalarBelowNeverZeroOnWidthOne(t *testing.T) {
	bound := big.NewInt(1)
	for i := 0; i < 64; i++ {
		d := randScalarBelow(bound)
		require.False(t, d.IsZero(), "randScalarBelow(1) must never draw the identity scalar")
	}
}

func TestSeedTameOnWidthOneStaysOnCurve(t *testing.T) {
	g := NewGroup(false)
	bound := big.NewInt(1)
	for i := 0; i < 8; i++ {
		g.SeedTame(i, bound)
		k := g.K[i]
		want := secp.ScalarBaseMul(&k.D)
		got := secp.Point{X: k.X, Y: k.Y}
		require.True(t, want.Equals(got), "tame kangaroo %d on a width-1 range: X,Y != D*G", i)
	}
}

func TestJumpIndexRangeWithSymmetry(t *testing.T) {
	g := NewGroup(true)
	bound := testBound(t)
	for i := range g.K {
		g.SeedTame(i, bound)
		g.K[i].SymClass = uint8(i % 2)
	}
	for i := range g.K {
		idx := g.jumpIndex(i)
		require.GreaterOrEqual(t, idx, 0)
		require.Less(t, idx, jump.NBJump)
		half := jump.NBJump / 2
		if g.K[i].SymClass == 0 {
			require.Less(t, idx, half)
		} else {
			require.GreaterOrEqual(t, idx, half)
		}
	}
}
