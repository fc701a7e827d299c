// Package resolver turns a tame/wild distance collision into a candidate
// private key and verifies it by recomputing k·G. Ported from
// original_source/Kangaroo.cpp's collision handling, which tries all four
// sign combinations of the two distances against both the target and its
// negation.
package resolver

import (
	"math/big"

	lru "github.com/hashicorp/golang-lru"

	"github.com/secp-kangaroo/kangaroo/internal/log"
	"github.com/secp-kangaroo/kangaroo/internal/secp"
)

// Result is the outcome of a collision resolution attempt.
type Result struct {
	// Found reports whether one of the 8 sign/target checks verified.
	Found bool
	// K is the recovered private key, already shifted back into
	// [rangeStart, rangeEnd] — only valid when Found is true.
	K *big.Int
}

// DedupCacheSize bounds the resolver's "already tried this exact pair"
// cache: small, since a spurious collision re-delivered in the same
// ingestion batch is the only realistic repeat.
const DedupCacheSize = 256

// NewDedupCache builds the LRU the orchestrator should pass into Resolve.
func NewDedupCache() *lru.Cache {
	c, err := lru.New(DedupCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// DedupCacheSize never is.
		panic(err)
	}
	return c
}

// dedupKey builds a cache key for a (dTame, dWild) pair that is symmetric
// only in the sense that the same pair always produces the same key; order
// matters because tame and wild are never interchangeable.
func dedupKey(dTame, dWild *secp.Scalar) [64]byte {
	var key [64]byte
	tb := dTame.Bytes()
	wb := dWild.Bytes()
	copy(key[:32], tb[:])
	copy(key[32:], wb[:])
	return key
}

// Resolve tries each of the 4 sign combinations of (dTame, dWild), forming
// k0 = ±dTame ± dWild mod n and checking k0*G against target and -target.
// target is Q already shifted the way internal/engine.New shifts it
// before handing it to internal/herd.SeedWild (Q minus rangeStart*G, and minus an
// extra rangeWidth/2*G under symmetry), so a hit's k0 plus that same offset
// plus rangeStart is the real private key.
//
// If dedup is non-nil and this exact (dTame, dWild) pair was already
// resolved (successfully or not) since it was last evicted, Resolve skips
// the recomputation and returns the cached outcome.
func Resolve(dTame, dWild *secp.Scalar, target secp.Point, rangeStart *big.Int, symmetryOffset *big.Int, dedup *lru.Cache) Result {
	key := dedupKey(dTame, dWild)
	if dedup != nil {
		if cached, ok := dedup.Get(key); ok {
			return cached.(Result)
		}
	}

	negTame := secp.NegScalar(dTame)
	negWild := secp.NegScalar(dWild)

	tameOpts := [2]*secp.Scalar{dTame, &negTame}
	wildOpts := [2]*secp.Scalar{dWild, &negWild}

	negTarget := target.Negate()

	result := Result{Found: false}

checks:
	for _, t := range tameOpts {
		for _, w := range wildOpts {
			k0 := secp.AddScalars(t, w)
			p := secp.ScalarBaseMul(&k0)

			if p.Equals(target) {
				result = Result{Found: true, K: finalize(&k0, rangeStart, symmetryOffset, false)}
				break checks
			}
			if p.Equals(negTarget) {
				result = Result{Found: true, K: finalize(&k0, rangeStart, symmetryOffset, true)}
				break checks
			}
		}
	}

	if !result.Found {
		log.RslvLog.Warnf("spurious collision: dTame=%x dWild=%x did not verify against target", dTame.Bytes(), dWild.Bytes())
	} else {
		log.RslvLog.Infof("collision resolved: k=0x%x", result.K)
	}

	if dedup != nil {
		dedup.Add(key, result)
	}
	return result
}

// finalize converts a raw k0 into the real private key: negate if the hit
// was against -target, add the symmetry centring offset, then add back
// rangeStart.
func finalize(k0 *secp.Scalar, rangeStart, symmetryOffset *big.Int, negated bool) *big.Int {
	k := secp.ScalarToBig(k0)
	if negated {
		k.Neg(k)
		k.Mod(k, secp.N)
	}
	k.Add(k, symmetryOffset)
	k.Add(k, rangeStart)
	k.Mod(k, secp.N)
	return k
}
