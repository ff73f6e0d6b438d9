package mm

import (
	"sync"
	"sync/atomic"

	"github.com/justanotherdot/mello/internal/common"
)

// COWTable is the process-wide (really, system-wide: frames can be shared
// across process address spaces once fork has run) mapping from physical
// frame to a small atomic refcount. Invariant (spec testable property 1):
// for every user PTE with the COW bit set, refcount[frame] >= 1.
//
// Per the spec's open question on swap: this table is documented as the
// authoritative owner of frame lifetime, not the PTE. A future swap
// subsystem would consult this table to decide whether a frame can be
// paged out, not scan PTEs across every address space.
type COWTable struct {
	mu    sync.Mutex
	count map[common.Pa_t]*int32
}

func NewCOWTable() *COWTable {
	return &COWTable{count: make(map[common.Pa_t]*int32)}
}

// Share marks pa as newly copy-on-write shared: a frame that was
// exclusively owned (untracked, refcount implicitly 1) now has two
// owners -- the original mapping and the one clone_hierarchy just
// created -- both with their writable bit cleared and COW bit set, so
// the count jumps straight to 2. A frame already tracked (a grandchild
// fork sharing a frame that's already shared) just gains one more owner.
func (t *COWTable) Share(pa common.Pa_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.count[pa]
	if !ok {
		two := int32(2)
		t.count[pa] = &two
		return
	}
	atomic.AddInt32(c, 1)
}

// Up increments the refcount for an already-tracked frame and panics on
// an untracked one. Fork's clone path and private mmap faults register
// owners through Share instead.
func (t *COWTable) Up(pa common.Pa_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.count[pa]
	if !ok {
		panic("cow: Up on untracked frame; call Share to establish sharing")
	}
	atomic.AddInt32(c, 1)
}

// Down decrements the refcount, removing the entry once it reaches zero,
// and reports the resulting count.
func (t *COWTable) Down(pa common.Pa_t) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.count[pa]
	if !ok {
		panic("cow: refcount down on untracked frame")
	}
	n := atomic.AddInt32(c, -1)
	if n <= 0 {
		delete(t.count, pa)
	}
	return n
}

// Get returns the current refcount, or 0 if untracked (an exclusively
// owned, non-COW frame).
func (t *COWTable) Get(pa common.Pa_t) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.count[pa]
	if !ok {
		return 0
	}
	return atomic.LoadInt32(c)
}
