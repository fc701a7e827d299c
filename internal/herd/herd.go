// Package herd implements the per-worker random-walk loop: a group of
// kangaroos stepped together so one batched field inversion
// (internal/secp.BatchInvert) amortises across the whole group, ported from
// original_source/Kangaroo.cpp's SolveKeyCPU inner loop.
package herd

import (
	"crypto/rand"
	"math/big"

	"github.com/secp-kangaroo/kangaroo/internal/jump"
	"github.com/secp-kangaroo/kangaroo/internal/secp"
)

// GroupSize is CPU_GRP_SIZE: the number of kangaroos stepped together per
// outer iteration.
const GroupSize = 1024

// Kind distinguishes the tame herd (starts from a known multiple of G) from
// the wild herd (starts from Q plus a known multiple of G).
type Kind uint8

const (
	Tame Kind = 0
	Wild Kind = 1
)

func (k Kind) String() string {
	if k == Tame {
		return "tame"
	}
	return "wild"
}

// Kangaroo is one walker. The invariant holds throughout: if Kind==Tame,
// (X,Y) == D*G; if Kind==Wild, (X,Y) == Q+D*G (modulo the symmetry sign
// class).
type Kangaroo struct {
	X, Y     secp.Field
	D        secp.Scalar
	Kind     Kind
	SymClass uint8
	LastJump int
}

// DP is one distinguished point emitted by a step, ready for hash-table
// ingestion.
type DP struct {
	X        secp.Field
	D        secp.Scalar
	Kind     Kind
	SymClass uint8
	LaneIdx  int // index into the producing Group.K, for resetting that kangaroo alone.
}

// Group is GroupSize kangaroos walked together.
type Group struct {
	K        [GroupSize]Kangaroo
	UseSym   bool
	deltaX   [GroupSize]secp.Field
	jumpIdx  [GroupSize]int
}

// NewGroup allocates a zeroed group; callers seed it with SeedTame/SeedWild
// before the first Step.
func NewGroup(useSymmetry bool) *Group {
	return &Group{UseSym: useSymmetry}
}

// randScalarBelow draws a cryptographically random scalar uniformly in
// [1, bound] using crypto/rand — the walker's starting distances need not
// be reproducible the way the jump table does, so there is no reason to
// use the weaker seeded PRNG here. The original's CreateHerd draws over
// 2^rangePower rather than the exact (possibly tiny) width, and never
// lands on the identity scalar; this mirrors both: it samples inclusive
// of bound (giving a narrow range like width=1 more than one outcome)
// and excludes zero outright, since a zero distance multiplies G into
// the point at infinity and nothing downstream of SeedTame/SeedWild
// handles a kangaroo starting there.
func randScalarBelow(bound *big.Int) secp.Scalar {
	if bound.Sign() <= 0 {
		return secp.ScalarFromBig(big.NewInt(1))
	}
	upper := new(big.Int).Add(bound, big.NewInt(1))
	v, err := rand.Int(rand.Reader, upper)
	if err != nil {
		// crypto/rand failure is only possible if the OS entropy source
		// is broken; fall back to 1 rather than panic mid-search.
		return secp.ScalarFromBig(big.NewInt(1))
	}
	if v.Sign() == 0 {
		v.SetInt64(1)
	}
	return secp.ScalarFromBig(v)
}

// SeedTame initializes kangaroo i as a tame walker at distance d0*G for a
// random d0 in [1, bound].
func (g *Group) SeedTame(i int, bound *big.Int) {
	d := randScalarBelow(bound)
	p := secp.ScalarBaseMul(&d)
	g.K[i] = Kangaroo{X: p.X, Y: p.Y, D: d, Kind: Tame}
}

// SeedWild initializes kangaroo i as a wild walker at Qshifted + d0*G for a
// random d0 in [1, bound]. Qshifted is Q with the range's lower bound (and,
// under symmetry, the range's centre) already subtracted out by the caller,
// so the walk here always starts from an offset in [1, bound].
func (g *Group) SeedWild(i int, qShifted secp.Point, bound *big.Int) {
	d := randScalarBelow(bound)
	offset := secp.ScalarBaseMul(&d)
	p := secp.AddAffine(qShifted, offset)
	g.K[i] = Kangaroo{X: p.X, Y: p.Y, D: d, Kind: Wild}
}

// Rehydrate restores kangaroo i from a persisted (x, y, d) triple loaded
// from a work file. Kind and SymClass are not inferred from the point; the
// caller (internal/engine, from a snapshot.KangarooState) passes them in.
func (g *Group) Rehydrate(i int, x, y secp.Field, d secp.Scalar, kind Kind, symClass uint8) {
	g.K[i] = Kangaroo{X: x, Y: y, D: d, Kind: kind, SymClass: symClass}
}

// jumpIndex picks the branch of the jump table kangaroo i takes this
// step.
func (g *Group) jumpIndex(i int) int {
	k := &g.K[i]
	limb0 := secp.FieldLimb0(&k.X)
	if g.UseSym {
		half := jump.NBJump / 2
		return int(limb0%uint64(half)) + half*int(k.SymClass)
	}
	return int(limb0 % jump.NBJump)
}

// Step advances every kangaroo in the group by one jump and returns the
// distinguished points produced. dpMask selects a DP when
// (x.limb3 & dpMask) == 0.
func (g *Group) Step(table *jump.Table, dpMask uint64) []DP {
	var sameX [GroupSize]bool
	for i := range g.K {
		g.jumpIdx[i] = g.jumpIndex(i)
		j := &table.Entries[g.jumpIdx[i]]
		var dx secp.Field
		dx.Set(&g.K[i].X)
		negPx := j.P.X
		negPx.Negate(1)
		dx.Add(&negPx).Normalize()
		if dx.IsZero() {
			// The walker shares x with its jump point, so the chord slope is
			// undefined; a placeholder keeps the batch inversion valid and
			// the lane is added with full point addition below.
			dx.SetInt(1)
			sameX[i] = true
		}
		g.deltaX[i] = dx
	}

	secp.BatchInvert(g.deltaX[:])

	var dps []DP
	for i := range g.K {
		k := &g.K[i]
		j := &table.Entries[g.jumpIdx[i]]

		var negJy secp.Field
		negJy.Set(&j.P.Y).Negate(1)
		var numerator secp.Field
		numerator.Set(&k.Y).Add(&negJy).Normalize()

		var s secp.Field
		s.Mul2(&numerator, &g.deltaX[i]).Normalize()

		var s2 secp.Field
		s2.SquareVal(&s).Normalize()

		var negJx, negX secp.Field
		negJx.Set(&j.P.X).Negate(1)
		negX.Set(&k.X).Negate(1)

		var rx secp.Field
		rx.Set(&s2).Add(&negJx).Add(&negX).Normalize()

		var negRx secp.Field
		negRx.Set(&rx).Negate(1)
		var xMinusRx secp.Field
		xMinusRx.Set(&k.X).Add(&negRx).Normalize()

		var sxr secp.Field
		sxr.Mul2(&s, &xMinusRx).Normalize()
		var negY secp.Field
		negY.Set(&k.Y).Negate(1)
		var ry secp.Field
		ry.Set(&sxr).Add(&negY).Normalize()
		if sameX[i] {
			p := secp.AddAffine(secp.Point{X: k.X, Y: k.Y}, j.P)
			rx, ry = p.X, p.Y
		}

		k.X = rx
		k.Y = ry
		newD := secp.AddScalars(&k.D, &j.Dist)
		k.D = newD
		k.LastJump = g.jumpIdx[i]

		if g.UseSym && ry.IsOdd() {
			negD := secp.NegScalar(&k.D)
			k.D = negD
			k.SymClass ^= 1
		}

		if secp.FieldLimb3(&k.X)&dpMask == 0 {
			dps = append(dps, DP{X: k.X, D: k.D, Kind: k.Kind, SymClass: k.SymClass, LaneIdx: i})
		}
	}
	return dps
}

// Reset redraws kangaroo i's position from scratch, preserving its Kind:
// a fresh (x, y, d) is drawn using the same kind, rather than surfacing a
// solution, since a same-herd collision carries no information about the
// target.
func (g *Group) Reset(i int, bound *big.Int, qShifted secp.Point) {
	kind := g.K[i].Kind
	if kind == Tame {
		g.SeedTame(i, bound)
	} else {
		g.SeedWild(i, qShifted, bound)
	}
}
