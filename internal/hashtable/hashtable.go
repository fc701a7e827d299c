// Package hashtable is the distinguished-point store: a bucketed,
// open-addressed-by-bucket table keyed on a fingerprint of a walker's
// x-coordinate, detecting collisions between the tame and wild herds. The
// original_source/Kangaroo.cpp table is a pointer-rich linked structure
// (HASH_ENTRY -> ENTRY*); here each bucket is its own plain Go slice of
// value Entry structs that grows geometrically through append, without any
// of the manual pointer bookkeeping.
package hashtable

import (
	"sync"

	"github.com/secp-kangaroo/kangaroo/internal/herd"
	"github.com/secp-kangaroo/kangaroo/internal/log"
	"github.com/secp-kangaroo/kangaroo/internal/secp"
)

// BucketBits is log2(HASH_SIZE): the bucket index is the top BucketBits
// bits of x's third 64-bit limb.
const BucketBits = 22

// HashSize is the fixed bucket count, 2^22, matching the original's
// HASH_SIZE.
const HashSize = 1 << BucketBits

// AddStatus is the three-way result of Add.
type AddStatus int

const (
	// StatusOK means a brand-new entry was inserted.
	StatusOK AddStatus = iota
	// StatusDup means an identical (fingerprint, kind) entry already
	// existed; no new entry was stored.
	StatusDup
	// StatusCollision means an entry with the same fingerprint but the
	// opposite kind tag was found — a candidate inter-herd collision.
	StatusCollision
)

func (s AddStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusDup:
		return "DUP"
	case StatusCollision:
		return "COLLISION"
	default:
		return "?"
	}
}

// Entry is one stored distinguished point, kept as an explicit
// {d_abs, flags} representation instead of packing tag bits into the
// stored distance's high limb. Packing only happens at the snapshot
// binary-format boundary (internal/snapshot).
type Entry struct {
	FPHi, FPLo uint64 // low 128 bits of x — the stored fingerprint.
	DHi, DLo   uint64 // absolute distance, unpacked.
	Kind       herd.Kind
	SymClass   uint8
}

// Bucket holds every DP whose bucket index matches. Growth is whatever
// append() does: geometric capacity doubling, bounding amortised insert to
// O(1).
type Bucket struct {
	Items []Entry
}

// Table is the shared distinguished-point store. All of its exported
// methods are safe for concurrent use. The lock is an implementation
// detail of the type rather than a field the orchestrator reaches into,
// which is more idiomatic Go but preserves the same hold-time discipline
// as the original's hashMutex.
type Table struct {
	mu      sync.Mutex
	buckets []Bucket
	count   uint64
}

// New allocates an empty table with HashSize buckets.
func New() *Table {
	return &Table{buckets: make([]Bucket, HashSize)}
}

// bucketIndex and fingerprint split an x-coordinate: the top BucketBits
// bits of limb2 select the bucket, and the low 128 bits of x (limb1,
// limb0) are the fingerprint stored in it. Collisions between unrelated
// x's sharing a fingerprint are possible for very wide ranges and are not
// guarded against here, matching the original.
func bucketIndex(x *secp.Field) uint32 {
	limb2 := secp.FieldLimb2(x)
	return uint32(limb2 >> (64 - BucketBits))
}

func fingerprint(x *secp.Field) (hi, lo uint64) {
	return secp.FieldLimb1(x), secp.FieldLimb0(x)
}

// BucketIndexOf exposes bucketIndex to callers outside the package (the
// orchestrator's split-mode dirty tracker needs the same bucket index Add
// just used, without re-deriving its own copy of the rule).
func BucketIndexOf(x *secp.Field) uint32 {
	return bucketIndex(x)
}

// Add inserts a distinguished point, returning StatusOK/StatusDup/
// StatusCollision. On StatusCollision, prevEntry is the entry already in
// the table that collided — its distance and tag bits are what the
// collision resolver needs.
func (t *Table) Add(x *secp.Field, d *secp.Scalar, kind herd.Kind, symClass uint8) (AddStatus, Entry) {
	idx := bucketIndex(x)
	fpHi, fpLo := fingerprint(x)
	dHi, dLo := secp.ScalarToUint128(d)

	t.mu.Lock()
	defer t.mu.Unlock()

	b := &t.buckets[idx]
	for i := range b.Items {
		e := &b.Items[i]
		if e.FPHi == fpHi && e.FPLo == fpLo {
			if e.Kind == kind {
				return StatusDup, *e
			}
			return StatusCollision, *e
		}
	}

	b.Items = append(b.Items, Entry{
		FPHi: fpHi, FPLo: fpLo,
		DHi: dHi, DLo: dLo,
		Kind: kind, SymClass: symClass,
	})
	t.count++
	return StatusOK, Entry{}
}

// AddAtBucket inserts entry directly into bucket idx, skipping the
// x-coordinate-to-bucket derivation Add performs. It exists for
// internal/snapshot's work-file merge, where the bucket index is already
// known (it's the loaded file's bucket slot) and only the fingerprint,
// not the full x-coordinate, survived serialisation.
func (t *Table) AddAtBucket(idx uint32, entry Entry) (AddStatus, Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := &t.buckets[idx]
	for i := range b.Items {
		e := &b.Items[i]
		if e.FPHi == entry.FPHi && e.FPLo == entry.FPLo {
			if e.Kind == entry.Kind {
				return StatusDup, *e
			}
			return StatusCollision, *e
		}
	}

	b.Items = append(b.Items, entry)
	t.count++
	return StatusOK, Entry{}
}

// Seek looks up x without inserting, for validation paths only.
func (t *Table) Seek(x *secp.Field) (Entry, bool) {
	idx := bucketIndex(x)
	fpHi, fpLo := fingerprint(x)

	t.mu.Lock()
	defer t.mu.Unlock()

	b := &t.buckets[idx]
	for i := range b.Items {
		if b.Items[i].FPHi == fpHi && b.Items[i].FPLo == fpLo {
			return b.Items[i], true
		}
	}
	return Entry{}, false
}

// Reset releases every entry. Used by the snapshot engine's split mode
// after a successful partition flush.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.buckets {
		t.buckets[i].Items = nil
	}
	t.count = 0
	log.HashLog.Debugf("hash table reset")
}

// Count returns the total number of stored entries, read under the lock
// since it is only updated there; callers on the progress-ticker path tend
// to prefer the coarser per-worker counters instead, which are lock-free.
func (t *Table) Count() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// CaptureBucketHeaders copies the table's bucket slice headers (pointer,
// length, capacity) into a fresh slice and returns it, holding the lock for
// only that O(HashSize) copy — just long enough to copy bucket sizes and
// entry pointers. Because buckets only ever grow by appending new elements
// past the captured length, the snapshot's view of the already-captured
// prefix can never be mutated by concurrent inserts; the flusher can
// safely read it without holding the lock.
func (t *Table) CaptureBucketHeaders() ([]Bucket, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := make([]Bucket, len(t.buckets))
	copy(snap, t.buckets)
	return snap, t.count
}

// LoadBuckets replaces the table's contents wholesale — used when
// rehydrating from a work file. The caller is responsible for ensuring no
// walkers are active yet.
func (t *Table) LoadBuckets(buckets []Bucket, count uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets = buckets
	t.count = count
}

// NumBuckets returns the fixed bucket count (HashSize), exposed for
// snapshot serialisation loops that must iterate 0..NumBuckets-1 with no
// lock held (they operate on a prior CaptureBucketHeaders result).
func (t *Table) NumBuckets() int {
	return len(t.buckets)
}
