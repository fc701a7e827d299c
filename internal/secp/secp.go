// Package secp provides the curve arithmetic the kangaroo walk needs:
// modular scalar arithmetic mod the curve order n, batched field inversion,
// affine point addition and scalar multiplication. It is a thin wrapper
// around github.com/decred/dcrd/dcrec/secp256k1/v4 — the same
// curve-arithmetic dependency btcd itself pulls in through btcec — rather
// than a hand-rolled bignum implementation.
package secp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// N is the secp256k1 group order, exported for range-width computations
// that the engine does in plain big.Int math (range bounds are read from
// hex config lines long before any scalar arithmetic is needed).
var N, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEBAAEDCE6AF48A03BBFD25E8CD0364141", 16)

// Scalar is an integer mod the curve order n, carried as the library's
// native 8x32-bit limb representation.
type Scalar = secp256k1.ModNScalar

// Field is an element of the secp256k1 base field.
type Field = secp256k1.FieldVal

// Point is an affine point on the curve. Kangaroo walkers only ever need
// affine coordinates (the jump-add formula is affine), so unlike the
// underlying library's own JacobianPoint this carries no Z.
type Point struct {
	X, Y Field
}

// ErrNotOnCurve is returned by ParsePubKey when the
// recovered point does not satisfy the curve equation. Callers loading a
// public key from a config file should treat it as a fatal configuration
// error.
var ErrNotOnCurve = errors.New("secp: point is not on the curve")

// G returns the secp256k1 base point in affine form.
func G() Point {
	var j secp256k1.JacobianPoint
	one := new(Scalar).SetInt(1)
	secp256k1.ScalarBaseMultNonConst(one, &j)
	j.ToAffine()
	return Point{X: j.X, Y: j.Y}
}

// ScalarBaseMul computes k*G in affine coordinates. It is the jump-table
// builder's only use of scalar multiplication.
func ScalarBaseMul(k *Scalar) Point {
	var j secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(k, &j)
	j.ToAffine()
	return Point{X: j.X, Y: j.Y}
}

// ScalarMul computes k*P in affine coordinates.
func ScalarMul(k *Scalar, p Point) Point {
	var in, out secp256k1.JacobianPoint
	in.X, in.Y = p.X, p.Y
	in.Z.SetInt(1)
	secp256k1.ScalarMultNonConst(k, &in, &out)
	out.ToAffine()
	return Point{X: out.X, Y: out.Y}
}

// AddAffine adds two affine points using full Jacobian addition and
// converts back. It is used off the hot walking path (collision
// verification, target negation) where the walker's slope shortcut does not
// apply because p1 and p2 are not known to be distinct from a jump-table
// entry.
func AddAffine(p1, p2 Point) Point {
	var j1, j2, out secp256k1.JacobianPoint
	j1.X, j1.Y = p1.X, p1.Y
	j1.Z.SetInt(1)
	j2.X, j2.Y = p2.X, p2.Y
	j2.Z.SetInt(1)
	secp256k1.AddNonConst(&j1, &j2, &out)
	out.ToAffine()
	return Point{X: out.X, Y: out.Y}
}

// Negate returns -P (same x, negated y).
func (p Point) Negate() Point {
	var y Field
	y.Set(&p.Y).Negate(1).Normalize()
	return Point{X: p.X, Y: y}
}

// Equals reports whether p and q are the same affine point.
func (p Point) Equals(q Point) bool {
	px, py, qx, qy := p.X, p.Y, q.X, q.Y
	px.Normalize()
	py.Normalize()
	qx.Normalize()
	qy.Normalize()
	return px.Equals(&qx) && py.Equals(&qy)
}

// AddScalars returns (a+b) mod n.
func AddScalars(a, b *Scalar) Scalar {
	var out Scalar
	out.Add2(a, b)
	return out
}

// SubScalars returns (a-b) mod n.
func SubScalars(a, b *Scalar) Scalar {
	var nb Scalar
	nb.Set(b).Negate()
	var out Scalar
	out.Add2(a, &nb)
	return out
}

// NegScalar returns (-a) mod n.
func NegScalar(a *Scalar) Scalar {
	var out Scalar
	out.Set(a).Negate()
	return out
}

// BatchInvert inverts every element of vals in place using one field
// inversion and O(len(vals)) multiplications — the Montgomery trick. This
// is the batched inversion the herd walker's group step relies on to
// amortise the single expensive Inverse() call across the whole group.
func BatchInvert(vals []Field) {
	n := len(vals)
	if n == 0 {
		return
	}
	if n == 1 {
		vals[0].Inverse()
		return
	}

	prefix := make([]Field, n)
	acc := new(Field).SetInt(1)
	for i := 0; i < n; i++ {
		prefix[i] = *acc
		acc.Mul(&vals[i])
	}

	accInv := new(Field)
	*accInv = *acc
	accInv.Inverse()

	for i := n - 1; i >= 0; i-- {
		orig := vals[i]
		vals[i] = prefix[i]
		vals[i].Mul(accInv)
		vals[i].Normalize()
		accInv.Mul(&orig)
	}
}

// ParsePubKey parses a compressed (33-byte) or uncompressed (65-byte) SEC1
// public key, the two pubkey forms the config file accepts.
func ParsePubKey(b []byte) (Point, error) {
	pk, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return Point{}, fmt.Errorf("%w: %v", ErrNotOnCurve, err)
	}
	var j secp256k1.JacobianPoint
	pk.AsJacobian(&j)
	return Point{X: j.X, Y: j.Y}, nil
}

// SerializeCompressed returns the 33-byte SEC1 compressed encoding of p.
func SerializeCompressed(p Point) []byte {
	pk := secp256k1.NewPublicKey(&p.X, &p.Y)
	return pk.SerializeCompressed()
}

// ScalarFromBytes reduces a 32-byte big-endian integer mod n. The overflow
// return mirrors the library's ModNScalar.SetBytes so callers that must
// reject out-of-range values (e.g. a rangeStart) can detect it.
func ScalarFromBytes(b *[32]byte) (Scalar, bool) {
	var s Scalar
	overflow := s.SetBytes(b)
	return s, overflow != 0
}

// ScalarBytes returns the 32-byte big-endian encoding of s.
func ScalarBytes(s *Scalar) [32]byte {
	return s.Bytes()
}

// ScalarToBig converts s to a big.Int in [0, n).
func ScalarToBig(s *Scalar) *big.Int {
	b := s.Bytes()
	return new(big.Int).SetBytes(b[:])
}

// ScalarFromBig reduces v mod n and returns it as a Scalar. v must be
// non-negative.
func ScalarFromBig(v *big.Int) Scalar {
	var reduced big.Int
	reduced.Mod(v, N)
	var buf [32]byte
	reduced.FillBytes(buf[:])
	var s Scalar
	s.SetBytes(&buf)
	return s
}

// FieldLimb0 returns the low 64 bits of f, i.e. the original C++
// implementation's x.bits64[0] — used by the walker to pick a jump index.
func FieldLimb0(f *Field) uint64 {
	var fc Field
	fc.Set(f).Normalize()
	b := fc.Bytes()
	return binary.BigEndian.Uint64(b[24:32])
}

// FieldLimb3 returns the high 64 bits of f, i.e. x.bits64[3] — used by the
// distinguished-point filter.
func FieldLimb3(f *Field) uint64 {
	var fc Field
	fc.Set(f).Normalize()
	b := fc.Bytes()
	return binary.BigEndian.Uint64(b[0:8])
}

// FieldLimb1 returns bits 64..127 of f, x.bits64[1] in the original's
// naming.
func FieldLimb1(f *Field) uint64 {
	var fc Field
	fc.Set(f).Normalize()
	b := fc.Bytes()
	return binary.BigEndian.Uint64(b[16:24])
}

// FieldLimb2 returns bits 128..191 of f, x.bits64[2] — the hash table's
// bucket selector (the 22 high bits of limb2 index the bucket).
func FieldLimb2(f *Field) uint64 {
	var fc Field
	fc.Set(f).Normalize()
	b := fc.Bytes()
	return binary.BigEndian.Uint64(b[8:16])
}

// ScalarToUint128 splits s into (hi, lo) 64-bit halves, valid when s fits in
// 128 bits — true for every distance the engine computes, since rangeBits
// is capped at 125.
func ScalarToUint128(s *Scalar) (hi, lo uint64) {
	b := s.Bytes()
	hi = binary.BigEndian.Uint64(b[16:24])
	lo = binary.BigEndian.Uint64(b[24:32])
	return hi, lo
}

// Uint128ToScalar reassembles a scalar from the (hi, lo) halves produced by
// ScalarToUint128.
func Uint128ToScalar(hi, lo uint64) Scalar {
	var buf [32]byte
	binary.BigEndian.PutUint64(buf[16:24], hi)
	binary.BigEndian.PutUint64(buf[24:32], lo)
	var s Scalar
	s.SetBytes(&buf)
	return s
}

// FieldBytes returns the 32-byte big-endian encoding of f.
func FieldBytes(f *Field) [32]byte {
	var fc Field
	fc.Set(f).Normalize()
	return *fc.Bytes()
}

// FieldFromBytes parses a 32-byte big-endian field element, reducing mod p.
func FieldFromBytes(b *[32]byte) Field {
	var f Field
	f.SetBytes(b)
	f.Normalize()
	return f
}
