package mm

import (
	"sync"

	"github.com/justanotherdot/mello/internal/common"
	"github.com/justanotherdot/mello/internal/kerrors"
)

// Heap serves sub-page kernel allocations out of frames obtained from a
// FrameAllocator. It is a simple bump-then-freelist heap: good enough for
// kernel metadata (TCBs, port buffers) which are small and relatively
// short-lived compared to what a full slab allocator would target,
// matching the spec's "heap is a separate allocator... serves <=
// page-sized kernel allocations" requirement (4.1). Stack and page-table
// frames bypass this and go directly through the FrameAllocator, also per
// spec.
type Heap struct {
	mu     sync.Mutex
	frames *FrameAllocator
	mem    *PhysMem
	free   []span // free spans across all slabs owned by this heap
}

type span struct {
	slab common.Pa_t
	off  int
	size int
}

func NewHeap(frames *FrameAllocator, mem *PhysMem) *Heap {
	return &Heap{frames: frames, mem: mem}
}

// Alloc returns n bytes of kernel memory, n <= PGSIZE. OOM returns
// ENOMEM rather than panicking (spec 4.1).
func (h *Heap) Alloc(n int) ([]byte, error) {
	if n <= 0 || n > common.PGSIZE {
		return nil, kerrors.New(kerrors.InvalidArgument)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, s := range h.free {
		if s.size >= n {
			out := h.mem.Page(s.slab)[s.off : s.off+n]
			if s.size == n {
				h.free = append(h.free[:i], h.free[i+1:]...)
			} else {
				h.free[i].off += n
				h.free[i].size -= n
			}
			return out, nil
		}
	}

	pa, err := h.frames.AllocFrame()
	if err != nil {
		return nil, err
	}
	if common.PGSIZE > n {
		h.free = append(h.free, span{slab: pa, off: n, size: common.PGSIZE - n})
	}
	return h.mem.Page(pa)[:n], nil
}

// Free returns a span previously obtained from Alloc to the free list. The
// heap never coalesces adjacent spans back into whole frames for release
// to the FrameAllocator -- kernel metadata churns fast enough that whole
// page reclamation isn't worth the bookkeeping this core needs.
func (h *Heap) Free(slabFrame common.Pa_t, off, size int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.free = append(h.free, span{slab: slabFrame, off: off, size: size})
}
