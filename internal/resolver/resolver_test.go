package resolver

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/secp-kangaroo/kangaroo/internal/secp"
)

// buildCollision constructs a tame distance and a wild distance that
// collide at the same point: tame walks dTame*G, wild walks
// target + dWild*G, and they meet exactly when dTame - dWild == k (the
// discrete log of target). Resolve must recover k via the matching sign
// combination.
func buildCollision(t *testing.T, k int64) (dTame, dWild secp.Scalar, target secp.Point) {
	t.Helper()
	kScalar := secp.ScalarFromBig(big.NewInt(k))
	target = secp.ScalarBaseMul(&kScalar)

	dTame = secp.ScalarFromBig(big.NewInt(500))
	// dTame - dWild == k  =>  dWild == dTame - k
	dWildBig := new(big.Int).Sub(big.NewInt(500), big.NewInt(k))
	dWildBig.Mod(dWildBig, secp.N)
	dWild = secp.ScalarFromBig(dWildBig)
	return
}

func TestResolveFindsMatchingSignCombination(t *testing.T) {
	dTame, dWild, target := buildCollision(t, 777)
	res := Resolve(&dTame, &dWild, target, big.NewInt(0), big.NewInt(0), nil)
	require.True(t, res.Found)
	require.Equal(t, int64(777), res.K.Int64())
}

func TestResolveAppliesRangeStartAndSymmetryOffset(t *testing.T) {
	dTame, dWild, target := buildCollision(t, 42)
	res := Resolve(&dTame, &dWild, target, big.NewInt(1000), big.NewInt(5), nil)
	require.True(t, res.Found)
	require.Equal(t, int64(1000+5+42), res.K.Int64())
}

func TestResolveRejectsUnrelatedDistances(t *testing.T) {
	kScalar := secp.ScalarFromBig(big.NewInt(123))
	target := secp.ScalarBaseMul(&kScalar)

	dTame := secp.ScalarFromBig(big.NewInt(1))
	dWild := secp.ScalarFromBig(big.NewInt(2))

	res := Resolve(&dTame, &dWild, target, big.NewInt(0), big.NewInt(0), nil)
	require.False(t, res.Found)
}

func TestResolveUsesDedupCache(t *testing.T) {
	dTame, dWild, target := buildCollision(t, 99)
	cache := NewDedupCache()

	res1 := Resolve(&dTame, &dWild, target, big.NewInt(0), big.NewInt(0), cache)
	require.True(t, res1.Found)

	res2 := Resolve(&dTame, &dWild, target, big.NewInt(0), big.NewInt(0), cache)
	require.True(t, res2.Found)
	require.Equal(t, res1.K, res2.K)
}
