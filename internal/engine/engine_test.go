package engine

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/secp-kangaroo/kangaroo/internal/secp"
)

func TestNewComputesTargetBoundAndDPMask(t *testing.T) {
	kScalar := secp.ScalarFromBig(big.NewInt(500))
	pub := secp.ScalarBaseMul(&kScalar)

	cfg := Config{
		RangeStart: big.NewInt(100),
		RangeEnd:   big.NewInt(100 + 1<<20),
		PubKey:     pub,
		DPBits:     8,
		NumWorkers: 2,
	}
	e, err := New(cfg)
	require.NoError(t, err)

	require.Equal(t, uint64(0xff)<<56, e.dpMask)
	require.Equal(t, int64(1<<20), e.bound.Int64())

	// target must equal PubKey - rangeStart*G, so adding rangeStart*G back
	// recovers the original public key.
	shift := secp.ScalarFromBig(big.NewInt(100))
	shiftPoint := secp.ScalarBaseMul(&shift)
	recovered := secp.AddAffine(e.target, shiftPoint)
	require.True(t, recovered.Equals(pub))
}

func TestNewAppliesSymmetryShift(t *testing.T) {
	kScalar := secp.ScalarFromBig(big.NewInt(12345))
	pub := secp.ScalarBaseMul(&kScalar)

	cfg := Config{
		RangeStart:  big.NewInt(0),
		RangeEnd:    big.NewInt(1 << 20),
		PubKey:      pub,
		DPBits:      8,
		UseSymmetry: true,
		NumWorkers:  2,
	}
	e, err := New(cfg)
	require.NoError(t, err)
	require.Equal(t, int64(1<<19), e.symmetryOffset.Int64())
}

func TestRunFindsKeyOnWidthOneRange(t *testing.T) {
	k := big.NewInt(2)
	kScalar := secp.ScalarFromBig(k)
	pub := secp.ScalarBaseMul(&kScalar)

	cfg := Config{
		RangeStart: big.NewInt(1),
		RangeEnd:   big.NewInt(2),
		PubKey:     pub,
		DPBits:     0,
		NumWorkers: 2,
	}
	e, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	outcome := e.Run(ctx)
	require.True(t, outcome.Found, "a width-1 range must complete in one step regardless of dpBits")
	require.Equal(t, k, outcome.Key)
}

func TestRunFindsKeyOnSmallRange(t *testing.T) {
	const rangeBits = 24
	k := big.NewInt(912733)
	kScalar := secp.ScalarFromBig(k)
	pub := secp.ScalarBaseMul(&kScalar)

	cfg := Config{
		RangeStart: big.NewInt(0),
		RangeEnd:   new(big.Int).Lsh(big.NewInt(1), rangeBits),
		PubKey:     pub,
		DPBits:     6,
		NumWorkers: 2,
	}
	e, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	outcome := e.Run(ctx)
	require.True(t, outcome.Found, "expected the walkers to collide and recover the key within the timeout")
	require.Equal(t, k, outcome.Key)
}
