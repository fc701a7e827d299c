package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/secp-kangaroo/kangaroo/internal/hashtable"
)

// CollisionFunc is supplied by the caller (cmd/kangaroo's --wm, which logs
// it) to be told of any tame/wild collision Merge discovers — Merge itself
// has no opinion on what a collision means, only on reconciling two
// tables.
type CollisionFunc func(tame, wild hashtable.Entry)

// Merge combines two work files sharing the same range/pubkey/dpBits into
// one, replaying every entry of b into a's table so any inter-file
// collision (one herd's DP landed in file a, the other's in file b) is
// still caught — original_source/Backup.cpp's -wm.
func Merge(pathA, pathB, pathDest string, onCollision CollisionFunc) error {
	a, err := LoadWork(pathA)
	if err != nil {
		return fmt.Errorf("merge: load %s: %w", pathA, err)
	}
	b, err := LoadWork(pathB)
	if err != nil {
		return fmt.Errorf("merge: load %s: %w", pathB, err)
	}

	if a.Header.DPBits != b.Header.DPBits ||
		a.Header.RangeStart != b.Header.RangeStart ||
		a.Header.RangeEnd != b.Header.RangeEnd ||
		a.Header.Qx != b.Header.Qx || a.Header.Qy != b.Header.Qy {
		return fmt.Errorf("merge: %s and %s do not share range/pubkey/dpBits", pathA, pathB)
	}

	merged := hashtable.New()
	loadEntries(merged, a.Buckets)
	mergeEntries(merged, b.Buckets, onCollision)

	buckets, count := merged.CaptureBucketHeaders()
	out := Payload{
		Header: Header{
			DPBits:     a.Header.DPBits,
			RangeStart: a.Header.RangeStart,
			RangeEnd:   a.Header.RangeEnd,
			Qx:         a.Header.Qx,
			Qy:         a.Header.Qy,
			TotalCount: a.Header.TotalCount + b.Header.TotalCount,
			TotalTime:  a.Header.TotalTime + b.Header.TotalTime,
		},
		Buckets:   buckets,
		BucketCnt: count,
	}

	f, err := os.Create(pathDest)
	if err != nil {
		return fmt.Errorf("merge: create %s: %w", pathDest, err)
	}
	defer f.Close()
	return WriteBinary(f, out)
}

// MergeDir merges every work file in dir into dest, in directory order.
func MergeDir(dir, dest string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".work") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return fmt.Errorf("mergedir: no .work files in %s", dir)
	}
	if len(files) == 1 {
		data, err := os.ReadFile(files[0])
		if err != nil {
			return err
		}
		return os.WriteFile(dest, data, 0o644)
	}

	cur := files[0]
	for i := 1; i < len(files); i++ {
		next := dest
		if i < len(files)-1 {
			next = dest + fmt.Sprintf(".step%d", i)
		}
		if err := Merge(cur, files[i], next, nil); err != nil {
			return err
		}
		if cur != files[0] {
			os.Remove(cur)
		}
		cur = next
	}
	return nil
}

func loadEntries(t *hashtable.Table, buckets []hashtable.Bucket) {
	for idx, b := range buckets {
		for _, e := range b.Items {
			t.AddAtBucket(uint32(idx), e)
		}
	}
}

func mergeEntries(t *hashtable.Table, buckets []hashtable.Bucket, onCollision CollisionFunc) {
	for idx, b := range buckets {
		for _, e := range b.Items {
			status, prev := t.AddAtBucket(uint32(idx), e)
			if status == hashtable.StatusCollision && onCollision != nil {
				tame, wild := e, prev
				if tame.Kind != 0 {
					tame, wild = prev, e
				}
				onCollision(tame, wild)
			}
		}
	}
}
