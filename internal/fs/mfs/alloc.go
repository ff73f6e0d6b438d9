package mfs

import (
	"sync"

	"github.com/google/btree"
	"github.com/justanotherdot/mello/internal/common"
)

// extent is a run of free blocks [Start, Start+Len).
type extent struct {
	Start uint64
	Len   uint64
}

func extentLess(a, b extent) bool { return a.Start < b.Start }

// Allocator is the block allocator's in-memory free-extent index: a
// google/btree.BTreeG keyed by starting block. Free coalesces with its
// neighbours through ordered lookups; Alloc is first-fit, scanning
// extents in block order. The index is not persisted: no on-disk
// allocator tree exists, and Mount rebuilds the index from the blocks
// reachable through the inode and directory trees (see Mount in fs.go).
type Allocator struct {
	mu   sync.Mutex
	free *btree.BTreeG[extent]
}

// NewAllocator seeds the free list with a single extent covering
// [reservedBlocks, totalBlocks).
func NewAllocator(totalBlocks, reservedBlocks uint64) *Allocator {
	free := btree.NewG(32, extentLess)
	if totalBlocks > reservedBlocks {
		free.ReplaceOrInsert(extent{Start: reservedBlocks, Len: totalBlocks - reservedBlocks})
	}
	return &Allocator{free: free}
}

// Alloc reserves n contiguous blocks, first-fit, returning the starting
// LBA. Returns ENOSPC if no extent is large enough (spec 4.13: "ENOSPC
// on allocation failure").
func (a *Allocator) Alloc(n uint64) (uint64, common.Err_t) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var found *extent
	a.free.Ascend(func(e extent) bool {
		if e.Len >= n {
			cp := e
			found = &cp
			return false
		}
		return true
	})
	if found == nil {
		return 0, common.ENOSPC
	}
	a.free.Delete(*found)
	if found.Len > n {
		a.free.ReplaceOrInsert(extent{Start: found.Start + n, Len: found.Len - n})
	}
	return found.Start, 0
}

// NewAllocatorFromUsed seeds the free list with every extent in
// [reservedBlocks, totalBlocks) not present in used, coalescing adjacent
// free runs as it scans. Mount calls this instead of NewAllocator so a
// remounted filesystem's free-block count reflects blocks actually
// reachable from durable metadata (spec 4.13/testable property 7)
// rather than treating everything beyond reservedBlocks as free.
func NewAllocatorFromUsed(totalBlocks, reservedBlocks uint64, used map[uint64]bool) *Allocator {
	free := btree.NewG(32, extentLess)
	start := reservedBlocks
	for lba := reservedBlocks; lba < totalBlocks; lba++ {
		if used[lba] {
			if lba > start {
				free.ReplaceOrInsert(extent{Start: start, Len: lba - start})
			}
			start = lba + 1
		}
	}
	if start < totalBlocks {
		free.ReplaceOrInsert(extent{Start: start, Len: totalBlocks - start})
	}
	return &Allocator{free: free}
}

// Free releases [lba, lba+n) back to the index, coalescing with an
// adjacent extent on either side so the index doesn't fragment into an
// ever-growing set of single-block entries.
func (a *Allocator) Free(lba, n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start, length := lba, n

	// merge with a preceding extent that ends exactly at start
	var before *extent
	a.free.DescendLessOrEqual(extent{Start: start}, func(e extent) bool {
		cp := e
		before = &cp
		return false
	})
	if before != nil && before.Start+before.Len == start {
		a.free.Delete(*before)
		start = before.Start
		length += before.Len
	}

	// merge with a following extent that starts exactly at start+length
	var after *extent
	a.free.AscendGreaterOrEqual(extent{Start: start + length}, func(e extent) bool {
		cp := e
		after = &cp
		return false
	})
	if after != nil && after.Start == start+length {
		a.free.Delete(*after)
		length += after.Len
	}

	a.free.ReplaceOrInsert(extent{Start: start, Len: length})
}

// FreeBlocks reports the total number of free blocks currently indexed.
func (a *Allocator) FreeBlocks() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	a.free.Ascend(func(e extent) bool {
		total += e.Len
		return true
	})
	return total
}
