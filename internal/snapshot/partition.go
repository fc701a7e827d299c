// Partitioned work-file support: a header file plus partNN files, each
// covering H_PER_PART contiguous bucket indices, written under "split"
// mode for tables too large to hold, or flush, in one file.
//
// The dirty set is tracked in a roaring.Bitmap (github.com/RoaringBitmap/
// roaring) and hashTable.Reset() is deferred until every dirtied
// partition has been durably written — a failed flush leaves the dirty
// bits set so the next save tick retries exactly the buckets that didn't
// make it, rather than silently losing them.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/secp-kangaroo/kangaroo/internal/hashtable"
	"github.com/secp-kangaroo/kangaroo/internal/log"
)

// HPerPart is the default number of buckets per partition file;
// CreatePartitionDir allows overriding it.
const HPerPart = 1 << 16

// SplitTracker records which buckets have been written to since the hash
// table was last reset under split mode.
type SplitTracker struct {
	mu    sync.Mutex
	dirty *roaring.Bitmap
}

// NewSplitTracker returns an empty tracker.
func NewSplitTracker() *SplitTracker {
	return &SplitTracker{dirty: roaring.New()}
}

// MarkDirty records that bucket idx received a new entry since the last
// successful partition flush.
func (s *SplitTracker) MarkDirty(idx uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty.Add(idx)
}

// DirtyPartitions returns the set of partition indices (bucket idx /
// hPerPart) that contain at least one dirty bucket.
func (s *SplitTracker) DirtyPartitions(hPerPart uint32) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[uint32]bool)
	var parts []uint32
	it := s.dirty.Iterator()
	for it.HasNext() {
		idx := it.Next()
		part := idx / hPerPart
		if !seen[part] {
			seen[part] = true
			parts = append(parts, part)
		}
	}
	return parts
}

// ClearPartition removes every dirty bit belonging to partition part,
// called once that partition's file has been durably written.
func (s *SplitTracker) ClearPartition(part, hPerPart uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lo := uint64(part) * uint64(hPerPart)
	hi := lo + uint64(hPerPart)
	s.dirty.RemoveRange(lo, hi)
}

// IsEmpty reports whether any bucket is still dirty.
func (s *SplitTracker) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty.IsEmpty()
}

// CreatePartitionDir lays out an empty partitioned work directory: a
// "header" file (header only, no table body) plus one empty "partNN" file
// per H_PER_PART-sized slice of the bucket space, for the -wpartcreate
// command.
func CreatePartitionDir(dir string, header Header, hPerPart uint32) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	hf, err := os.Create(filepath.Join(dir, "header"))
	if err != nil {
		return err
	}
	defer hf.Close()
	if err := writeHeaderOnly(hf, header); err != nil {
		return err
	}

	numParts := (hashtable.HashSize + int(hPerPart) - 1) / int(hPerPart)
	for i := 0; i < numParts; i++ {
		pf, err := os.Create(filepath.Join(dir, fmt.Sprintf("part%02d", i)))
		if err != nil {
			return err
		}
		if err := writePartition(pf, nil, uint32(i)*hPerPart, hPerPart); err != nil {
			pf.Close()
			return err
		}
		pf.Close()
	}
	log.SnapLog.Infof("created partitioned work dir %s: %d partitions of %d buckets", dir, numParts, hPerPart)
	return nil
}

func writeHeaderOnly(w *os.File, h Header) error {
	if err := writeU32(w, MagicWork); err != nil {
		return err
	}
	if err := writeU32(w, Version); err != nil {
		return err
	}
	if err := writeU32(w, h.DPBits); err != nil {
		return err
	}
	for _, b := range [][32]byte{h.RangeStart, h.RangeEnd, h.Qx, h.Qy} {
		if _, err := w.Write(b[:]); err != nil {
			return err
		}
	}
	if err := writeU64(w, h.TotalCount); err != nil {
		return err
	}
	return writeF64(w, h.TotalTime)
}

// writePartition writes the bucket range [start, start+count) of buckets
// (nil entries for any index beyond len(buckets)) to w, in the same
// per-bucket {nbItem, maxItem, entries} layout WriteBinary uses for the
// whole table.
func writePartition(w *os.File, buckets []hashtable.Bucket, start, count uint32) error {
	for h := start; h < start+count; h++ {
		var items []hashtable.Entry
		if int(h) < len(buckets) {
			items = buckets[h].Items
		}
		if err := writeU32(w, uint32(len(items))); err != nil {
			return err
		}
		if err := writeU32(w, uint32(cap(items))); err != nil {
			return err
		}
		for _, e := range items {
			if err := writeEntry(w, e); err != nil {
				return err
			}
		}
	}
	return nil
}

// FlushPartitions writes every dirty partition in tracker to dir, clearing
// each partition's dirty bits only after its file is durably renamed into
// place. A partition whose write fails keeps its dirty bits set, so the
// caller's next save tick retries it.
func FlushPartitions(dir string, buckets []hashtable.Bucket, tracker *SplitTracker, hPerPart uint32) error {
	parts := tracker.DirtyPartitions(hPerPart)
	for _, part := range parts {
		start := part * hPerPart
		tmpPath := filepath.Join(dir, fmt.Sprintf("part%02d.tmp", part))
		finalPath := filepath.Join(dir, fmt.Sprintf("part%02d", part))

		f, err := os.Create(tmpPath)
		if err != nil {
			log.SnapLog.Errorf("split flush: create %s: %v", tmpPath, err)
			continue
		}
		if err := writePartition(f, buckets, start, hPerPart); err != nil {
			f.Close()
			os.Remove(tmpPath)
			log.SnapLog.Errorf("split flush: write partition %d: %v", part, err)
			continue
		}
		if err := f.Close(); err != nil {
			os.Remove(tmpPath)
			log.SnapLog.Errorf("split flush: close partition %d: %v", part, err)
			continue
		}
		if err := os.Rename(tmpPath, finalPath); err != nil {
			os.Remove(tmpPath)
			log.SnapLog.Errorf("split flush: rename partition %d: %v", part, err)
			continue
		}
		tracker.ClearPartition(part, hPerPart)
	}
	if !tracker.IsEmpty() {
		return fmt.Errorf("split flush: %d partitions still dirty after flush attempt", len(tracker.DirtyPartitions(hPerPart)))
	}
	return nil
}
