// Package jump builds the kangaroo walking function's fixed jump set.
// Ported from original_source/Kangaroo.cpp's CreateJumpTable, which draws
// NB_JUMP distances from a seeded PRNG and retries until their mean
// distance lands in the target band.
package jump

import (
	"fmt"
	"math"
	"math/big"
	"math/rand"

	"github.com/secp-kangaroo/kangaroo/internal/log"
	"github.com/secp-kangaroo/kangaroo/internal/secp"
)

// NBJump is the fixed jump-table size, matching the original's NB_JUMP.
const NBJump = 32

// seed is a fixed PRNG seed so two peers building a jump table for the
// same rangeBits/symmetry setting get bit-identical results and can
// therefore share a work file.
const seed = 0x600DCAFE

const maxRetry = 100

// ErrJumpTableBad reports that maxRetry redraws failed to produce a jump
// set whose mean distance lands in the target band.
var ErrJumpTableBad = fmt.Errorf("jump: %d redraws failed to meet mean-distance constraint", maxRetry)

// Entry is one precomputed (distance, distance*G) pair.
type Entry struct {
	Dist secp.Scalar
	P    secp.Point
}

// Table is the fixed NBJump-entry jump set shared read-only by every
// walker.
type Table struct {
	Entries    [NBJump]Entry
	JumpBit    int
	UseSymmetry bool
}

// Build constructs the jump table for a search over a range rangeBits wide.
// When useSymmetry is true the jump set is partitioned into two residue
// classes so the symmetry-switch walk doesn't fall into short two-cycles.
func Build(rangeBits int, useSymmetry bool) (*Table, error) {
	jumpBit := rangeBits / 2
	if !useSymmetry {
		jumpBit++
	}
	if jumpBit > 128 {
		jumpBit = 128
	}

	rng := rand.New(rand.NewSource(seed))

	var u, v *big.Int
	if useSymmetry {
		u = nextPrimeFrom(new(big.Int).Lsh(big.NewInt(1), uint(jumpBit/2)).Add(
			new(big.Int).Lsh(big.NewInt(1), uint(jumpBit/2)), big.NewInt(1)))
		v = nextPrimeFrom(new(big.Int).Add(u, big.NewInt(2)))
		log.JumpLog.Debugf("symmetry partition primes U=%s V=%s", u.Text(16), v.Text(16))
	}

	maxAvg := new(big.Float).SetFloat64(math.Exp2(float64(jumpBit) - 0.95))
	minAvg := new(big.Float).SetFloat64(math.Exp2(float64(jumpBit) - 1.05))

	var dists [NBJump]*big.Int
	ok := false
	for attempt := 0; attempt < maxRetry && !ok; attempt++ {
		total := new(big.Int)
		if useSymmetry {
			half := jumpBit / 2
			for i := 0; i < NBJump/2; i++ {
				dists[i] = drawNonZero(rng, half, u)
				total.Add(total, dists[i])
			}
			for i := NBJump / 2; i < NBJump; i++ {
				dists[i] = drawNonZero(rng, half, v)
				total.Add(total, dists[i])
			}
		} else {
			for i := 0; i < NBJump; i++ {
				dists[i] = drawNonZero(rng, jumpBit, nil)
				total.Add(total, dists[i])
			}
		}

		avg := new(big.Float).Quo(new(big.Float).SetInt(total), big.NewFloat(float64(NBJump)))
		ok = avg.Cmp(minAvg) > 0 && avg.Cmp(maxAvg) < 0
	}
	if !ok {
		return nil, ErrJumpTableBad
	}

	t := &Table{JumpBit: jumpBit, UseSymmetry: useSymmetry}
	for i := 0; i < NBJump; i++ {
		d := secp.ScalarFromBig(dists[i])
		t.Entries[i] = Entry{Dist: d, P: secp.ScalarBaseMul(&d)}
	}
	log.JumpLog.Infof("jump table built: %d entries, jumpBit=%d symmetry=%v", NBJump, jumpBit, useSymmetry)
	return t, nil
}

// drawNonZero draws a uniform value in [1, 2^bits), multiplying by mult
// (when non-nil) the way the symmetry partition scales each half of the
// jump set by a distinct prime.
func drawNonZero(rng *rand.Rand, bits int, mult *big.Int) *big.Int {
	max := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	v := new(big.Int).Rand(rng, max)
	if mult != nil {
		v.Mul(v, mult)
	}
	if v.Sign() == 0 {
		v.SetInt64(1)
	}
	return v
}

func nextPrimeFrom(start *big.Int) *big.Int {
	c := new(big.Int).Set(start)
	for !c.ProbablyPrime(20) {
		c.Add(c, big.NewInt(2))
	}
	return c
}

