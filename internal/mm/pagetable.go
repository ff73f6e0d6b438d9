package mm

import (
	"encoding/binary"

	"github.com/go-logr/logr"

	"github.com/justanotherdot/mello/internal/common"
	"github.com/justanotherdot/mello/internal/kerrors"
)

// entriesPerTable is the fixed 512 entries per page-table level.
const entriesPerTable = common.PGSIZE / 8

// kernelHalfStart is the PML4 index (256) where the kernel half of the
// address space begins; indices below it are process-private user space,
// spec 4.2.
const kernelHalfStart = 256

// PageTable is the process-page-table manager: it creates and destroys
// hierarchies, maps/unmaps ranges, translates addresses, and clones or
// frees whole hierarchies for fork/exit. One PageTable instance is shared
// across all processes in the kernel (it is the editor, not the tree
// itself -- the tree root is a Pa_t the caller holds).
type PageTable struct {
	mem    *PhysMem
	frames *FrameAllocator
	cow    *COWTable
	sd     Shootdowner
	log    logr.Logger

	// kernelTemplate holds the 256 upper-half PML4 entries established
	// at boot; every new process PML4 copies them verbatim so the kernel
	// virtual address space is globally shared (spec 4.2).
	kernelTemplate [kernelHalfStart]PTE
	templateSet    bool
}

func NewPageTable(mem *PhysMem, frames *FrameAllocator, cow *COWTable, sd Shootdowner, log logr.Logger) *PageTable {
	return &PageTable{mem: mem, frames: frames, cow: cow, sd: sd, log: log}
}

// Mem exposes the backing PhysMem, for callers outside this package that
// need to read/write the bytes a Translate call resolved to (internal/syscall's
// UserBuf, internal/vfs's page cache).
func (pt *PageTable) Mem() *PhysMem { return pt.mem }

// Cow exposes the backing COWTable so callers outside this package that
// install COW mappings of their own (internal/proc's private file-backed
// mmap faults) can register the frame the same way fork's clone_hierarchy
// does, instead of mm re-implementing their caller's refcount bookkeeping.
func (pt *PageTable) Cow() *COWTable { return pt.cow }

// BootstrapKernelHalf allocates a boot PML4 with empty (but present)
// kernel-half tables and installs it as the kernel template via
// SetKernelTemplate. Every real kernel fills these tables with the
// actual kernel mapping before any user process starts (cmd/mellokernel's
// boot sequence); this entry point exists so packages outside internal/mm
// (tests in internal/proc, internal/syscall) can get a valid PageTable
// without duplicating the unexported table-walking helpers.
func (pt *PageTable) BootstrapKernelHalf() (common.Pa_t, error) {
	boot, err := pt.newTable()
	if err != nil {
		return 0, err
	}
	for i := kernelHalfStart; i < entriesPerTable; i++ {
		child, err := pt.newTable()
		if err != nil {
			return 0, err
		}
		pt.writeEntry(boot, i, mkpte(child, PTE_P|PTE_W))
	}
	pt.SetKernelTemplate(boot)
	return boot, nil
}

// SetKernelTemplate remembers the boot-time PML4 upper half (spec 4.2).
// Must be called once, after the kernel's own address space is mapped and
// before any user process PML4 is created.
func (pt *PageTable) SetKernelTemplate(bootPml4 common.Pa_t) {
	ents := pt.readTable(bootPml4)
	copy(pt.kernelTemplate[:], ents[kernelHalfStart:])
	pt.templateSet = true
}

func (pt *PageTable) readTable(pa common.Pa_t) []PTE {
	raw := pt.mem.Page(pa)
	out := make([]PTE, entriesPerTable)
	for i := range out {
		out[i] = PTE(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return out
}

func (pt *PageTable) writeEntry(table common.Pa_t, idx int, e PTE) {
	raw := pt.mem.Page(table)
	binary.LittleEndian.PutUint64(raw[idx*8:], uint64(e))
}

func (pt *PageTable) readEntry(table common.Pa_t, idx int) PTE {
	raw := pt.mem.Page(table)
	return PTE(binary.LittleEndian.Uint64(raw[idx*8:]))
}

func (pt *PageTable) newTable() (common.Pa_t, error) {
	pa, err := pt.frames.AllocFrame()
	if err != nil {
		return 0, err
	}
	clear(pt.mem.Page(pa))
	return pa, nil
}

func pml4idx(va common.Va_t) int { return int((va >> 39) & 0x1FF) }
func pdptidx(va common.Va_t) int { return int((va >> 30) & 0x1FF) }
func pdidx(va common.Va_t) int   { return int((va >> 21) & 0x1FF) }
func ptidx(va common.Va_t) int   { return int((va >> 12) & 0x1FF) }

// walkCreate descends PML4->PDPT->PD->PT, creating intermediate tables as
// needed, and returns the PT frame plus the index of the leaf entry.
func (pt *PageTable) walkCreate(pml4 common.Pa_t, va common.Va_t) (common.Pa_t, int, error) {
	cur := pml4
	for _, idx := range []int{pml4idx(va), pdptidx(va), pdidx(va)} {
		e := pt.readEntry(cur, idx)
		if !e.Has(PTE_P) {
			child, err := pt.newTable()
			if err != nil {
				return 0, 0, err
			}
			flags := PTE_P | PTE_W | PTE_U
			pt.writeEntry(cur, idx, mkpte(child, flags))
			cur = child
		} else {
			cur = e.Addr()
		}
	}
	return cur, ptidx(va), nil
}

// walkLookup descends without creating; ok is false if any level along
// the path is not present. Also reports the level at which a huge page
// was found (PDPT = 1, PD = 2, 0 = normal 4 KiB leaf at PT).
func (pt *PageTable) walkLookup(pml4 common.Pa_t, va common.Va_t) (table common.Pa_t, idx int, hugeLevel int, ok bool) {
	cur := pml4
	levels := []int{pml4idx(va), pdptidx(va), pdidx(va)}
	for i, lvlidx := range levels {
		e := pt.readEntry(cur, lvlidx)
		if !e.Has(PTE_P) {
			return 0, 0, 0, false
		}
		// huge pages are only meaningful at PDPT (i==1) and PD (i==2)
		if i >= 1 && e.Has(PTE_PS) {
			return cur, lvlidx, i, true
		}
		cur = e.Addr()
	}
	return cur, ptidx(va), 0, true
}

// MapPage installs a page-aligned va->pa mapping with flags. Fails if va
// or pa are not page-aligned. If the PTE was already present, a TLB
// shootdown is scheduled for va (spec 4.2).
func (pt *PageTable) MapPage(pml4 common.Pa_t, va common.Va_t, pa common.Pa_t, flags PTE) error {
	if uintptr(va)%common.PGSIZE != 0 || uintptr(pa)%common.PGSIZE != 0 {
		return kerrors.New(kerrors.InvalidArgument)
	}
	if flags.Has(PTE_W) && !flags.Has(PTE_NX) {
		// W^X: never install a simultaneously writable+executable leaf.
		return kerrors.New(kerrors.InvalidArgument)
	}
	table, idx, err := pt.walkCreate(pml4, va)
	if err != nil {
		return err
	}
	old := pt.readEntry(table, idx)
	pt.writeEntry(table, idx, mkpte(pa, flags|PTE_P))
	if old.Has(PTE_P) {
		pt.sd.Shootdown(ShootdownRange{Start: va, End: va + common.PGSIZE, Initiator: -1})
	}
	return nil
}

// UnmapPage clears a mapping and schedules a shootdown (spec 4.2).
func (pt *PageTable) UnmapPage(pml4 common.Pa_t, va common.Va_t) error {
	table, idx, _, ok := pt.walkLookup(pml4, va)
	if !ok {
		return kerrors.New(kerrors.InvalidArgument)
	}
	pt.writeEntry(table, idx, 0)
	pt.sd.Shootdown(ShootdownRange{Start: va, End: va + common.PGSIZE, Initiator: -1})
	return nil
}

// Translate returns the physical address and flags for va, honoring huge
// pages at the PDPT/PD levels.
func (pt *PageTable) Translate(pml4 common.Pa_t, va common.Va_t) (common.Pa_t, PTE, error) {
	table, idx, hugeLevel, ok := pt.walkLookup(pml4, va)
	if !ok {
		return 0, 0, kerrors.New(kerrors.BadAddress)
	}
	e := pt.readEntry(table, idx)
	if !e.Has(PTE_P) {
		return 0, 0, kerrors.New(kerrors.BadAddress)
	}
	base := e.Addr()
	if hugeLevel == 1 { // 1 GiB page
		mask := common.Pa_t(1<<30 - 1)
		return base + (common.Pa_t(va) & mask), e, nil
	}
	if hugeLevel == 2 { // 2 MiB page
		mask := common.Pa_t(1<<21 - 1)
		return base + (common.Pa_t(va) & mask), e, nil
	}
	mask := common.Pa_t(common.PGOFFSET)
	return base + (common.Pa_t(va) & mask), e, nil
}

// SetFlags rewrites the flags of an existing present PTE (used by
// internal/proc's Mprotect; the COW fault handler rewrites its PTE
// directly).
func (pt *PageTable) SetFlags(pml4 common.Pa_t, va common.Va_t, flags PTE) error {
	table, idx, _, ok := pt.walkLookup(pml4, va)
	if !ok {
		return kerrors.New(kerrors.BadAddress)
	}
	e := pt.readEntry(table, idx)
	if !e.Has(PTE_P) {
		return kerrors.New(kerrors.BadAddress)
	}
	pt.writeEntry(table, idx, mkpte(e.Addr(), flags|PTE_P))
	return nil
}

// NewHierarchy allocates a fresh PML4 whose upper half is the kernel
// template.
func (pt *PageTable) NewHierarchy() (common.Pa_t, error) {
	if !pt.templateSet {
		panic("page table: kernel template not set")
	}
	pml4, err := pt.newTable()
	if err != nil {
		return 0, err
	}
	for i := kernelHalfStart; i < entriesPerTable; i++ {
		pt.writeEntry(pml4, i, pt.kernelTemplate[i-kernelHalfStart])
	}
	return pml4, nil
}

// CloneHierarchy implements spec 4.2's clone_hierarchy: for the user half
// (indices < 256), it recursively copies PDPT/PD/PT entries; every
// writable leaf becomes read-only+COW and the target frame's refcount is
// incremented. The kernel half is copied verbatim (shared, not cloned).
func (pt *PageTable) CloneHierarchy(src common.Pa_t) (common.Pa_t, error) {
	dst, err := pt.newTable()
	if err != nil {
		return 0, err
	}
	for i := 0; i < kernelHalfStart; i++ {
		e := pt.readEntry(src, i)
		if !e.Has(PTE_P) {
			continue
		}
		childDst, err := pt.cloneTable(e.Addr(), 2)
		if err != nil {
			pt.freeUserHalf(dst)
			pt.frames.FreeFrame(dst)
			return 0, err
		}
		pt.writeEntry(dst, i, mkpte(childDst, e&^pteAddrMask))
	}
	for i := kernelHalfStart; i < entriesPerTable; i++ {
		pt.writeEntry(dst, i, pt.readEntry(src, i))
	}
	return dst, nil
}

// cloneTable recursively duplicates one PDPT/PD/PT subtree. level counts
// down from 2 (PDPT) to 0 (PT, leaf level) so the recursion knows when an
// entry names a leaf PTE (eligible for COW) vs. an intermediate table
// (always duplicated, never shared, to keep refcounting simple: each
// process gets its own table frames, only data frames are shared).
func (pt *PageTable) cloneTable(src common.Pa_t, level int) (common.Pa_t, error) {
	dst, err := pt.newTable()
	if err != nil {
		return 0, err
	}
	for i := 0; i < entriesPerTable; i++ {
		e := pt.readEntry(src, i)
		if !e.Has(PTE_P) {
			continue
		}
		if level == 0 || e.Has(PTE_PS) {
			// leaf entry: share the frame. If it was exclusively
			// writable, both the source PTE and the new copy must
			// become read-only+COW -- a write by either side must now
			// fault and trigger a private copy (spec 4.2, 4.7).
			flags := e &^ pteAddrMask
			if e.Has(PTE_W) {
				flags = (flags &^ PTE_W) | PTE_COW
				pt.writeEntry(src, i, mkpte(e.Addr(), flags))
				pt.cow.Share(e.Addr())
			} else if e.Has(PTE_COW) {
				// already COW-shared (a re-fork): the copy is one more owner.
				pt.cow.Share(e.Addr())
			}
			pt.writeEntry(dst, i, mkpte(e.Addr(), flags))
			continue
		}
		child, err := pt.cloneTable(e.Addr(), level-1)
		if err != nil {
			return 0, err
		}
		pt.writeEntry(dst, i, mkpte(child, e&^pteAddrMask))
	}
	return dst, nil
}

// FreeHierarchy recursively frees the user-half page tables and drops one
// COW reference for every COW-marked leaf. It does not free the leaf data
// frames themselves, and never touches the kernel half.
func (pt *PageTable) FreeHierarchy(pml4 common.Pa_t) {
	pt.freeUserHalf(pml4)
	pt.frames.FreeFrame(pml4)
}

func (pt *PageTable) freeUserHalf(pml4 common.Pa_t) {
	for i := 0; i < kernelHalfStart; i++ {
		e := pt.readEntry(pml4, i)
		if !e.Has(PTE_P) {
			continue
		}
		pt.freeTableRec(e.Addr(), 2)
	}
}

func (pt *PageTable) freeTableRec(table common.Pa_t, level int) {
	for i := 0; i < entriesPerTable; i++ {
		e := pt.readEntry(table, i)
		if !e.Has(PTE_P) {
			continue
		}
		if level == 0 || e.Has(PTE_PS) {
			if e.Has(PTE_COW) {
				pt.cow.Down(e.Addr())
			}
			continue
		}
		pt.freeTableRec(e.Addr(), level-1)
		pt.frames.FreeFrame(e.Addr())
	}
}

// Convenience entry points applying conservative W^X defaults (spec 4.2).
func (pt *PageTable) MapCode(pml4 common.Pa_t, va common.Va_t, pa common.Pa_t) error {
	return pt.MapPage(pml4, va, pa, PTE_U) // present added by MapPage; read+exec, not writable
}
func (pt *PageTable) MapData(pml4 common.Pa_t, va common.Va_t, pa common.Pa_t) error {
	return pt.MapPage(pml4, va, pa, PTE_U|PTE_W|PTE_NX)
}
func (pt *PageTable) MapStack(pml4 common.Pa_t, va common.Va_t, pa common.Pa_t) error {
	return pt.MapPage(pml4, va, pa, PTE_U|PTE_W|PTE_NX)
}
func (pt *PageTable) MapRO(pml4 common.Pa_t, va common.Va_t, pa common.Pa_t) error {
	return pt.MapPage(pml4, va, pa, PTE_U|PTE_NX)
}
