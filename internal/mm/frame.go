// Package mm implements the virtual memory subsystem: the physical frame
// allocator, the 4-level page-table walker/editor, the COW refcount
// table, the kernel heap, and TLB shootdown. It is grounded on spec
// sections 3, 4.2, 4.3, 4.7 and on the teacher's refpg_new_nozero /
// refup / refdown vocabulary in main.go, generalized from a single global
// allocator into an explicit FrameAllocator value so tests can run many
// independent instances without shared global state.
package mm

import (
	"sync"

	"github.com/justanotherdot/mello/internal/common"
	"github.com/justanotherdot/mello/internal/kerrors"
)

// FrameAllocator hands out page-aligned physical frames from a fixed pool.
// The teacher's bitmap scheme is kept: one bit per frame, a free-count so
// OOM is an O(1) check rather than a full bitmap scan.
type FrameAllocator struct {
	mu       sync.Mutex
	base     common.Pa_t
	nframes  int
	bitmap   []uint64 // 1 = allocated
	freeCnt  int
	lastHint int
}

// NewFrameAllocator creates an allocator governing nframes frames starting
// at base (must be page-aligned).
func NewFrameAllocator(base common.Pa_t, nframes int) *FrameAllocator {
	if uintptr(base)%common.PGSIZE != 0 {
		panic("frame allocator base not page-aligned")
	}
	words := (nframes + 63) / 64
	return &FrameAllocator{
		base:    base,
		nframes: nframes,
		bitmap:  make([]uint64, words),
		freeCnt: nframes,
	}
}

// AllocFrame returns one frame, or ENOMEM. The frame's contents are not
// cleared here; callers that need a zeroed page clear it through
// PhysMem. The kernel never panics
// on user-driven allocation failure (spec 4.1); callers propagate the
// error.
func (a *FrameAllocator) AllocFrame() (common.Pa_t, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freeCnt == 0 {
		return 0, kerrors.New(kerrors.OutOfMemory)
	}
	idx := a.findFreeLocked()
	if idx < 0 {
		return 0, kerrors.New(kerrors.OutOfMemory)
	}
	a.setLocked(idx, true)
	a.freeCnt--
	a.lastHint = idx
	return a.base + common.Pa_t(idx*common.PGSIZE), nil
}

// AllocContig allocates n physically contiguous frames, or ENOMEM.
func (a *FrameAllocator) AllocContig(n int) (common.Pa_t, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 {
		return 0, kerrors.New(kerrors.InvalidArgument)
	}
	run := 0
	start := -1
	for i := 0; i < a.nframes; i++ {
		if !a.testLocked(i) {
			if run == 0 {
				start = i
			}
			run++
			if run == n {
				for j := start; j < start+n; j++ {
					a.setLocked(j, true)
				}
				a.freeCnt -= n
				return a.base + common.Pa_t(start*common.PGSIZE), nil
			}
		} else {
			run = 0
		}
	}
	return 0, kerrors.New(kerrors.OutOfMemory)
}

// FreeFrame releases a previously allocated frame back to the pool.
func (a *FrameAllocator) FreeFrame(pa common.Pa_t) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.idxOf(pa)
	if idx < 0 || idx >= a.nframes {
		panic("free of frame outside pool")
	}
	if !a.testLocked(idx) {
		panic("double free of frame")
	}
	a.setLocked(idx, false)
	a.freeCnt++
}

func (a *FrameAllocator) idxOf(pa common.Pa_t) int {
	if pa < a.base {
		return -1
	}
	off := uintptr(pa - a.base)
	if off%common.PGSIZE != 0 {
		return -1
	}
	return int(off / common.PGSIZE)
}

func (a *FrameAllocator) testLocked(idx int) bool {
	return a.bitmap[idx/64]&(1<<uint(idx%64)) != 0
}

func (a *FrameAllocator) setLocked(idx int, v bool) {
	w, b := idx/64, uint(idx%64)
	if v {
		a.bitmap[w] |= 1 << b
	} else {
		a.bitmap[w] &^= 1 << b
	}
}

// findFreeLocked scans starting after the last allocation for locality,
// wrapping once.
func (a *FrameAllocator) findFreeLocked() int {
	for i := a.lastHint + 1; i < a.nframes; i++ {
		if !a.testLocked(i) {
			return i
		}
	}
	for i := 0; i <= a.lastHint && i < a.nframes; i++ {
		if !a.testLocked(i) {
			return i
		}
	}
	return -1
}

// FreeCount reports the number of unallocated frames, for /proc/meminfo.
func (a *FrameAllocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeCnt
}

func (a *FrameAllocator) TotalCount() int { return a.nframes }
