// Package snapshot implements the work-file format and the asynchronous
// flush protocol, ported from original_source/Backup.cpp. A Flusher
// captures a consistent view of the hash table (and, optionally, the live
// herd) while workers keep stepping, then writes it to disk on a
// background goroutine so the search never stalls on I/O.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/secp-kangaroo/kangaroo/internal/hashtable"
	"github.com/secp-kangaroo/kangaroo/internal/herd"
	"github.com/secp-kangaroo/kangaroo/internal/log"
	"github.com/secp-kangaroo/kangaroo/internal/secp"
)

// Magic values. The original names these HEADW (work file: header + table +
// optional herd) and HEADK (kangaroos-only file). The literal 32-bit values
// only need to be self-consistent within this implementation; they exist so
// LoadWork/LoadKangaroos can reject the wrong file kind before trying to
// parse it.
const (
	MagicWork     uint32 = 0x5752474B // mnemonic "KGRW"
	MagicKangaroo uint32 = 0x4B52474B // mnemonic "KGRK"
	Version       uint32 = 1
)

// ErrFormatMismatch reports a work file whose magic or version does not
// match what this build writes.
var ErrFormatMismatch = fmt.Errorf("snapshot: header magic or version mismatch")

// Header is the fixed-size preamble of a HEADW work file.
type Header struct {
	DPBits     uint32
	RangeStart [32]byte
	RangeEnd   [32]byte
	Qx, Qy     [32]byte
	TotalCount uint64
	TotalTime  float64
}

// KangarooState is one persisted walker: (x, y, d) plus the tag bits the
// herd needs to resume it exactly.
type KangarooState struct {
	X, Y     secp.Field
	D        secp.Scalar
	Kind     herd.Kind
	SymClass uint8
}

// Payload is a captured, self-contained snapshot ready to be written. Once
// Capture returns one, it is exclusively owned by the flusher — nothing
// else touches it.
type Payload struct {
	Header     Header
	Buckets    []hashtable.Bucket
	BucketCnt  uint64
	Kangaroos  []KangarooState // nil unless herd persistence was requested.
}

// Capture takes a consistent view of the table (and, if herdState is
// non-nil, the live herd) without blocking walkers for longer than the
// O(HashSize) bucket-header copy, since internal/hashtable.Table.
// CaptureBucketHeaders already does the minimal-hold-time copy. The
// save-request/isWaiting barrier lives in internal/engine, which calls
// Capture only once every walker has acknowledged.
func Capture(table *hashtable.Table, header Header, herdState []KangarooState) Payload {
	buckets, count := table.CaptureBucketHeaders()
	return Payload{
		Header:    header,
		Buckets:   buckets,
		BucketCnt: count,
		Kangaroos: herdState,
	}
}

// WriteBinary serialises p to w in the HEADW binary layout: magic,
// version, header fields, then per-bucket {nbItem, maxItem, entries}, then
// nbLoadedWalk and optionally the herd.
func WriteBinary(w io.Writer, p Payload) error {
	bw := bufio.NewWriter(w)

	if err := writeU32(bw, MagicWork); err != nil {
		return err
	}
	if err := writeU32(bw, Version); err != nil {
		return err
	}
	if err := writeU32(bw, p.Header.DPBits); err != nil {
		return err
	}
	for _, b := range [][32]byte{p.Header.RangeStart, p.Header.RangeEnd, p.Header.Qx, p.Header.Qy} {
		if _, err := bw.Write(b[:]); err != nil {
			return err
		}
	}
	if err := writeU64(bw, p.Header.TotalCount); err != nil {
		return err
	}
	if err := writeF64(bw, p.Header.TotalTime); err != nil {
		return err
	}

	for h := 0; h < hashtable.HashSize; h++ {
		var items []hashtable.Entry
		if h < len(p.Buckets) {
			items = p.Buckets[h].Items
		}
		if err := writeU32(bw, uint32(len(items))); err != nil {
			return err
		}
		if err := writeU32(bw, uint32(cap(items))); err != nil {
			return err
		}
		for _, e := range items {
			if err := writeEntry(bw, e); err != nil {
				return err
			}
		}
	}

	if err := writeU64(bw, uint64(len(p.Kangaroos))); err != nil {
		return err
	}
	for _, k := range p.Kangaroos {
		if err := writeKangaroo(bw, k); err != nil {
			return err
		}
	}

	return bw.Flush()
}

func writeEntry(w io.Writer, e hashtable.Entry) error {
	var fp, d [32]byte
	binary.BigEndian.PutUint64(fp[0:8], 0)
	binary.BigEndian.PutUint64(fp[8:16], 0)
	binary.BigEndian.PutUint64(fp[16:24], e.FPHi)
	binary.BigEndian.PutUint64(fp[24:32], e.FPLo)

	// Tag bits packed into the high limb of d: bit 63 = kind, bit 62 =
	// negation/symClass flag. The decoded API (internal/hashtable.Entry)
	// keeps these explicit; packing only happens here, at the
	// serialisation boundary, to avoid sign-extension bugs.
	dHi := e.DHi
	dHi |= uint64(e.Kind) << 63
	dHi |= uint64(e.SymClass&1) << 62
	binary.BigEndian.PutUint64(d[0:8], 0)
	binary.BigEndian.PutUint64(d[8:16], 0)
	binary.BigEndian.PutUint64(d[16:24], dHi)
	binary.BigEndian.PutUint64(d[24:32], e.DLo)

	if _, err := w.Write(fp[:]); err != nil {
		return err
	}
	if _, err := w.Write(d[:]); err != nil {
		return err
	}
	return writeU32(w, uint32(e.Kind))
}

func readEntry(r io.Reader) (hashtable.Entry, error) {
	var fp, d [32]byte
	if _, err := io.ReadFull(r, fp[:]); err != nil {
		return hashtable.Entry{}, err
	}
	if _, err := io.ReadFull(r, d[:]); err != nil {
		return hashtable.Entry{}, err
	}
	kindWord, err := readU32(r)
	if err != nil {
		return hashtable.Entry{}, err
	}

	e := hashtable.Entry{
		FPHi: binary.BigEndian.Uint64(fp[16:24]),
		FPLo: binary.BigEndian.Uint64(fp[24:32]),
		Kind: herd.Kind(kindWord),
	}
	dHi := binary.BigEndian.Uint64(d[16:24])
	e.SymClass = uint8((dHi >> 62) & 1)
	e.DHi = dHi &^ (uint64(1) << 63) &^ (uint64(1) << 62)
	e.DLo = binary.BigEndian.Uint64(d[24:32])
	return e, nil
}

func writeKangaroo(w io.Writer, k KangarooState) error {
	xb := secp.FieldBytes(&k.X)
	yb := secp.FieldBytes(&k.Y)
	db := secp.ScalarBytes(&k.D)
	for _, b := range [][32]byte{xb, yb, db} {
		if _, err := w.Write(b[:]); err != nil {
			return err
		}
	}
	// Kind/SymClass get two explicit trailing bytes rather than stolen
	// bits of D: D is a canonical scalar encoding and valid distances can
	// use any of its 256 bits, so there is no safe place to hide tag
	// bits inside it the way writeEntry does with the hash table's
	// unpacked DHi/DLo limbs.
	tag := [2]byte{byte(k.Kind), k.SymClass}
	_, err := w.Write(tag[:])
	return err
}

func readKangaroo(r io.Reader) (KangarooState, error) {
	var xb, yb, db [32]byte
	if _, err := io.ReadFull(r, xb[:]); err != nil {
		return KangarooState{}, err
	}
	if _, err := io.ReadFull(r, yb[:]); err != nil {
		return KangarooState{}, err
	}
	if _, err := io.ReadFull(r, db[:]); err != nil {
		return KangarooState{}, err
	}
	var tag [2]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return KangarooState{}, err
	}
	d, _ := secp.ScalarFromBytes(&db)
	return KangarooState{
		X:        secp.FieldFromBytes(&xb),
		Y:        secp.FieldFromBytes(&yb),
		D:        d,
		Kind:     herd.Kind(tag[0]),
		SymClass: tag[1],
	}, nil
}

// ReadBinary parses a HEADW file from r.
func ReadBinary(r io.Reader) (Payload, error) {
	br := bufio.NewReader(r)

	magic, err := readU32(br)
	if err != nil {
		return Payload{}, err
	}
	version, err := readU32(br)
	if err != nil {
		return Payload{}, err
	}
	if magic != MagicWork || version != Version {
		return Payload{}, ErrFormatMismatch
	}

	var p Payload
	p.Header.DPBits, err = readU32(br)
	if err != nil {
		return Payload{}, err
	}
	for _, dst := range []*[32]byte{&p.Header.RangeStart, &p.Header.RangeEnd, &p.Header.Qx, &p.Header.Qy} {
		if _, err := io.ReadFull(br, dst[:]); err != nil {
			return Payload{}, err
		}
	}
	p.Header.TotalCount, err = readU64(br)
	if err != nil {
		return Payload{}, err
	}
	p.Header.TotalTime, err = readF64(br)
	if err != nil {
		return Payload{}, err
	}

	p.Buckets = make([]hashtable.Bucket, hashtable.HashSize)
	var total uint64
	for h := 0; h < hashtable.HashSize; h++ {
		nbItem, err := readU32(br)
		if err != nil {
			return Payload{}, err
		}
		if _, err := readU32(br); err != nil { // maxItem, informational only
			return Payload{}, err
		}
		items := make([]hashtable.Entry, nbItem)
		for i := uint32(0); i < nbItem; i++ {
			e, err := readEntry(br)
			if err != nil {
				return Payload{}, err
			}
			items[i] = e
		}
		p.Buckets[h] = hashtable.Bucket{Items: items}
		total += uint64(nbItem)
	}
	p.BucketCnt = total

	nbWalk, err := readU64(br)
	if err != nil {
		return Payload{}, err
	}
	if nbWalk > 0 {
		p.Kangaroos = make([]KangarooState, nbWalk)
		for i := uint64(0); i < nbWalk; i++ {
			k, err := readKangaroo(br)
			if err != nil {
				return Payload{}, err
			}
			p.Kangaroos[i] = k
		}
	}

	return p, nil
}

// WriteKangaroosOnly writes a HEADK file — just the herd, no table.
func WriteKangaroosOnly(w io.Writer, kangaroos []KangarooState) error {
	bw := bufio.NewWriter(w)
	if err := writeU32(bw, MagicKangaroo); err != nil {
		return err
	}
	if err := writeU32(bw, Version); err != nil {
		return err
	}
	if err := writeU64(bw, uint64(len(kangaroos))); err != nil {
		return err
	}
	for _, k := range kangaroos {
		if err := writeKangaroo(bw, k); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadKangaroosOnly parses a HEADK file.
func ReadKangaroosOnly(r io.Reader) ([]KangarooState, error) {
	br := bufio.NewReader(r)
	magic, err := readU32(br)
	if err != nil {
		return nil, err
	}
	version, err := readU32(br)
	if err != nil {
		return nil, err
	}
	if magic != MagicKangaroo || version != Version {
		return nil, ErrFormatMismatch
	}
	n, err := readU64(br)
	if err != nil {
		return nil, err
	}
	out := make([]KangarooState, n)
	for i := uint64(0); i < n; i++ {
		k, err := readKangaroo(br)
		if err != nil {
			return nil, err
		}
		out[i] = k
	}
	return out, nil
}

func writeU32(w io.Writer, v uint32) error { return binary.Write(w, binary.LittleEndian, v) }
func writeU64(w io.Writer, v uint64) error { return binary.Write(w, binary.LittleEndian, v) }
func writeF64(w io.Writer, v float64) error {
	return binary.Write(w, binary.LittleEndian, math.Float64bits(v))
}
func readU32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
func readU64(r io.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
func readF64(r io.Reader) (float64, error) {
	var bits uint64
	if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
		return 0, err
	}
	return math.Float64frombits(bits), nil
}

// Flusher owns the single-flight discipline: exactly one flush may be in
// flight at a time; a new request issued while a flush is running is
// dropped with a log line and the caller retries at the next save tick.
type Flusher struct {
	running atomic.Bool
	path    string
	mu      sync.Mutex // serialises writes to path's tmp file
}

// NewFlusher returns a flusher that writes work files atomically to path
// (write to path+".tmp", then rename) so a crash mid-write never corrupts
// the previous good snapshot; a partial file is unlinked rather than left
// behind.
func NewFlusher(path string) *Flusher {
	return &Flusher{path: path}
}

// TryFlush enqueues an asynchronous write of p. It returns false without
// starting a goroutine if a flush is already running.
func (f *Flusher) TryFlush(p Payload) bool {
	if !f.running.CompareAndSwap(false, true) {
		log.SnapLog.Warnf("save requested while a flush is already running; dropping, will retry next tick")
		return false
	}
	go f.flush(p)
	return true
}

func (f *Flusher) flush(p Payload) {
	defer f.running.Store(false)

	f.mu.Lock()
	defer f.mu.Unlock()

	tmpPath := f.path + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		log.SnapLog.Errorf("save failed: create %s: %v", tmpPath, err)
		return
	}

	writeFn := WriteBinary
	if isTextPath(f.path) {
		writeFn = WriteText
	}
	if err := writeFn(out, p); err != nil {
		out.Close()
		os.Remove(tmpPath)
		log.SnapLog.Errorf("save failed: write %s: %v", tmpPath, err)
		return
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		log.SnapLog.Errorf("save failed: close %s: %v", tmpPath, err)
		return
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		log.SnapLog.Errorf("save failed: rename to %s: %v", f.path, err)
		return
	}

	log.SnapLog.Infof("saved work file %s (%d DPs)", f.path, p.BucketCnt)
}

// LoadWork reads a work file from disk, in either the binary HEADW layout
// or the textual one, dispatching on the ".txt" extension the same way
// Flusher picks the format to save in.
func LoadWork(path string) (Payload, error) {
	f, err := os.Open(path)
	if err != nil {
		return Payload{}, err
	}
	defer f.Close()
	if isTextPath(path) {
		return ReadText(f)
	}
	return ReadBinary(f)
}

// isTextPath reports whether path names a textual, rather than binary,
// work file.
func isTextPath(path string) bool {
	return filepath.Ext(path) == ".txt"
}

// InfoString renders a work file's header for the -winfo command —
// original_source/Backup.cpp's info dump. It loads the whole file (table
// and herd included) so it can also report the DP and kangaroo counts.
func InfoString(path string) (string, error) {
	p, err := LoadWork(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"file=%s dpBits=%d rangeStart=%x rangeEnd=%x Qx=%x totalCount=%d totalTime=%.0fs dpCount=%d kangaroos=%d",
		filepath.Base(path), p.Header.DPBits, p.Header.RangeStart, p.Header.RangeEnd,
		p.Header.Qx, p.Header.TotalCount, p.Header.TotalTime, p.BucketCnt, len(p.Kangaroos),
	), nil
}
