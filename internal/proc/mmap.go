package proc

import (
	"github.com/justanotherdot/mello/internal/common"
	"github.com/justanotherdot/mello/internal/kerrors"
	"github.com/justanotherdot/mello/internal/mm"
	"github.com/justanotherdot/mello/internal/sched"
)

// Prot is spec 3's mmap prot bits (R/W/X), independent of mm.Perm so the
// syscall boundary can validate the user-visible PROT_* combination before
// it ever reaches a PTE.
type Prot struct {
	R, W, X bool
}

func (p Prot) perm() mm.Perm {
	var m mm.Perm
	if p.R {
		m |= mm.PermR
	}
	if p.W {
		m |= mm.PermW
	}
	if p.X {
		m |= mm.PermX
	}
	return m
}

// MapFlags is spec 3's mmap flags field.
type MapFlags struct {
	Shared    bool // MAP_SHARED vs MAP_PRIVATE
	Fixed     bool
	Anonymous bool
	GrowsDown bool
}

// Mapping is spec 3's "Memory mapping (mmap descriptor)".
type Mapping struct {
	VA         common.Va_t
	Length     int
	Prot       Prot
	Flags      MapFlags
	Fd         *common.Fd_t // nil when Flags.Anonymous
	FileOffset int64
	Valid      bool
}

func (m *Mapping) contains(va common.Va_t) bool {
	return m.Valid && va >= m.VA && va < m.VA+common.Va_t(m.Length)
}

// mmapBase is where Mmap starts placing non-FIXED mappings. Each new one
// goes just above the highest existing mapping, so the region grows
// upward from this address toward the exec stack at the top of user
// space.
const mmapBase = common.Va_t(0x0000_7000_0000_0000)

// Mmap implements spec 4's mmap data flow for the non-fault-time half:
// reserve the virtual range (recording a Mapping), and for MAP_PRIVATE
// file-backed or MAP_SHARED mappings leave every page not-present so the
// first touch takes a major fault that HandleMmapFault resolves -- the
// spec's "on miss, inode read_at into a freshly allocated frame" path.
// Anonymous MAP_SHARED|MAP_PRIVATE pages are populated eagerly with
// zero-filled frames since there is no backing file to fault in from.
func (t *Table) Mmap(p *Process, va common.Va_t, length int, prot Prot, flags MapFlags, fd *common.Fd_t, offset int64) (common.Va_t, error) {
	if length <= 0 {
		return 0, kerrors.New(kerrors.InvalidArgument)
	}
	if !flags.Anonymous && fd == nil {
		return 0, kerrors.New(kerrors.InvalidArgument)
	}
	length = int(common.PGROUNDUP(common.Va_t(length)))

	p.mu.Lock()
	if flags.Fixed {
		if va%common.PGSIZE != 0 {
			p.mu.Unlock()
			return 0, kerrors.New(kerrors.InvalidArgument)
		}
	} else {
		va = p.nextMmapVA(common.Va_t(length))
	}
	if va+common.Va_t(length) >= common.USER_LIMIT {
		p.mu.Unlock()
		return 0, kerrors.New(kerrors.InvalidArgument)
	}
	for _, m := range p.Mappings {
		if m.Valid && va < m.VA+common.Va_t(m.Length) && m.VA < va+common.Va_t(length) {
			p.mu.Unlock()
			return 0, kerrors.New(kerrors.InvalidArgument)
		}
	}
	mapping := &Mapping{VA: va, Length: length, Prot: prot, Flags: flags, Fd: fd, FileOffset: offset, Valid: true}
	p.Mappings = append(p.Mappings, mapping)
	p.mu.Unlock()

	permFlags, ok := mm.ToPTEFlags(prot.perm(), true)
	if !ok {
		return 0, kerrors.New(kerrors.InvalidArgument)
	}

	if flags.Anonymous {
		for off := 0; off < length; off += common.PGSIZE {
			frame, err := t.frames.AllocFrame()
			if err != nil {
				return 0, err
			}
			clear(t.mem.Page(frame))
			if err := t.mmu.MapPage(p.Pml4, va+common.Va_t(off), frame, permFlags); err != nil {
				return 0, err
			}
		}
		return va, nil
	}
	// file-backed: leave unmapped, resolved lazily by HandleMmapFault.
	return va, nil
}

// nextMmapVA returns the next unused page-aligned range of the given
// length above every existing mapping, growing the mmap region upward
// from mmapBase -- called with p.mu already held.
func (p *Process) nextMmapVA(length common.Va_t) common.Va_t {
	top := mmapBase
	for _, m := range p.Mappings {
		if !m.Valid {
			continue
		}
		if end := m.VA + common.Va_t(m.Length); end > top {
			top = end
		}
	}
	return top
}

func (p *Process) findMapping(va common.Va_t) *Mapping {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.Mappings {
		if m.contains(va) {
			return m
		}
	}
	return nil
}

// HandleMmapFault resolves a major fault (not-present PTE) inside a
// file-backed mapping: spec 4's "fault in user mode -> fault handler
// identifies file-backed mapping -> page cache checked -> on miss, inode
// read_at into a freshly allocated frame -> PTE installed". The page
// cache is already consulted inside Fd.Fops.Read (internal/vfs's file
// type backs every regular-file Fd_t with a PageCache), so reading
// through the fd here gets cache-on-miss for free instead of this
// package re-implementing it.
func (t *Table) HandleMmapFault(p *Process, va common.Va_t) error {
	m := p.findMapping(va)
	if m == nil {
		return kerrors.New(kerrors.BadAddress)
	}
	pageVA := common.PGROUNDDOWN(va)
	frame, err := t.frames.AllocFrame()
	if err != nil {
		return err
	}
	buf := t.mem.Page(frame)
	clear(buf)
	if m.Fd != nil {
		pageOffset := m.FileOffset + int64(pageVA-m.VA)
		// A short or zero read past EOF is a valid BSS-style tail -- only
		// a genuine I/O error aborts the fault; buf is already
		// zero-filled for whatever the read didn't cover.
		if _, errno := m.Fd.Fops.Read(buf, pageOffset); errno == common.EIO {
			t.frames.FreeFrame(frame)
			return kerrors.New(kerrors.IoError)
		}
	}
	permFlags, ok := mm.ToPTEFlags(m.Prot.perm(), true)
	if !ok {
		t.frames.FreeFrame(frame)
		return kerrors.New(kerrors.InvalidArgument)
	}
	if !m.Flags.Shared {
		// MAP_PRIVATE: installed read-only+COW so the first write forks
		// a private copy, exactly like a fork'd page -- the fault-time
		// frame is shared with nobody yet, but the refcount table still
		// needs an entry so a later fork of this process sees refcount 2.
		cow := t.mmu.Cow()
		cow.Share(frame)
		cow.Down(frame) // one owner so far: Share starts a new entry at 2
		permFlags = (permFlags &^ mm.PTE_W) | mm.PTE_COW
	}
	if err := t.mmu.MapPage(p.Pml4, pageVA, frame, permFlags); err != nil {
		t.frames.FreeFrame(frame)
		return err
	}
	return nil
}

// HandlePageFault is the single entry the platform layer's page-fault
// trap (IST index ISTPageFault) calls into: it distinguishes a COW fault
// (write to a present, COW-marked page -- resolved by mm.PageTable itself)
// from a major file-backed mmap fault (not-present page inside a
// Mapping), and otherwise reports the fault as attributable to the task
// (spec 7's "unrecoverable kernel faults that can be attributed to a task
// terminate only that task" -- the caller terminates p on a non-nil
// error from here, never panics).
func (t *Table) HandlePageFault(p *Process, va common.Va_t, isWrite bool) error {
	_, flags, err := t.mmu.Translate(p.Pml4, va)
	if err == nil {
		if isWrite && flags.Has(mm.PTE_COW) && !flags.Has(mm.PTE_W) {
			return t.mmu.HandleCOWFault(p.Pml4, va)
		}
		return kerrors.New(kerrors.PermissionDenied)
	}
	if p.findMapping(va) != nil {
		return t.HandleMmapFault(p, va)
	}
	return kerrors.New(kerrors.BadAddress)
}

// Munmap removes a mapping and unmaps every page in its range -- spec
// doesn't name an unmap syscall explicitly but Mmap without a counterpart
// would leak both virtual space and frames across repeated mmap calls.
func (t *Table) Munmap(p *Process, va common.Va_t, length int) error {
	p.mu.Lock()
	var m *Mapping
	for _, cand := range p.Mappings {
		if cand.Valid && cand.VA == va {
			m = cand
			break
		}
	}
	p.mu.Unlock()
	if m == nil {
		return kerrors.New(kerrors.InvalidArgument)
	}
	if m.Flags.Shared {
		if err := t.msyncMapping(p, m, 0, m.Length); err != nil {
			return err
		}
	}
	for off := 0; off < m.Length; off += common.PGSIZE {
		_ = t.mmu.UnmapPage(p.Pml4, m.VA+common.Va_t(off))
	}
	p.mu.Lock()
	m.Valid = false
	p.mu.Unlock()
	return nil
}

// Msync implements spec 4.12's msync: MS_SYNC walks the range and writes
// every dirty page back synchronously before returning; MS_ASYNC (async =
// true) only needs to have scheduled the write, which here is the same
// synchronous call since there is no background writeback worker in this
// core -- a correct, if conservative, reading of "schedules the writes
// and returns" when there is nothing to schedule onto.
func (t *Table) Msync(p *Process, va common.Va_t, length int, async bool) error {
	m := p.findMapping(va)
	if m == nil {
		return kerrors.New(kerrors.InvalidArgument)
	}
	return t.msyncMapping(p, m, 0, length)
}

func (t *Table) msyncMapping(p *Process, m *Mapping, rangeOff, rangeLen int) error {
	if !m.Flags.Shared || m.Fd == nil {
		return nil
	}
	for off := rangeOff; off < rangeLen; off += common.PGSIZE {
		pageVA := m.VA + common.Va_t(off)
		pa, _, err := t.mmu.Translate(p.Pml4, pageVA)
		if err != nil {
			continue // not-present page was never dirtied
		}
		buf := t.mem.Page(pa)
		fileOffset := m.FileOffset + int64(off)
		if _, errno := m.Fd.Fops.Write(buf, fileOffset, false); errno != 0 {
			return kerrors.New(kerrors.IoError)
		}
	}
	return nil
}

// Mprotect changes the PTE permission bits across a mapping's range,
// re-validating W^X the same way Mmap's initial install does.
func (t *Table) Mprotect(p *Process, va common.Va_t, length int, prot Prot) error {
	permFlags, ok := mm.ToPTEFlags(prot.perm(), true)
	if !ok {
		return kerrors.New(kerrors.InvalidArgument)
	}
	length = int(common.PGROUNDUP(common.Va_t(length)))
	for off := 0; off < length; off += common.PGSIZE {
		if err := t.mmu.SetFlags(p.Pml4, va+common.Va_t(off), permFlags); err != nil {
			return err
		}
	}
	p.mu.Lock()
	for _, m := range p.Mappings {
		if m.Valid && m.VA == va {
			m.Prot = prot
		}
	}
	p.mu.Unlock()
	return nil
}

// Brk implements spec 4.6's brk: grows or shrinks the process heap region
// to newBreak, mapping freshly zeroed frames for growth and unmapping for
// shrinkage. Returns the resulting break. newBreak == 0 queries the
// current break without changing it, the conventional brk(NULL) idiom.
// HeapBase/HeapBreak are tracked directly on Process rather than through
// a sched.Region, since sched has no business knowing about brk. Exec
// installs no Heap sched.Region; setHeapRegion adds one on the first Brk
// that moves the break and keeps it in step afterwards.
func (t *Table) Brk(p *Process, newBreak common.Va_t) (common.Va_t, error) {
	p.mu.Lock()
	cur := p.HeapBreak
	base := p.HeapBase
	p.mu.Unlock()
	if cur == 0 {
		return 0, kerrors.New(kerrors.InvalidArgument)
	}
	if newBreak == 0 {
		return cur, nil
	}
	if newBreak < base {
		return 0, kerrors.New(kerrors.InvalidArgument)
	}
	curPage := common.PGROUNDUP(cur)
	newPage := common.PGROUNDUP(newBreak)
	permFlags, _ := mm.ToPTEFlags(mm.PermR|mm.PermW, true)
	if newPage > curPage {
		for va := curPage; va < newPage; va += common.PGSIZE {
			frame, err := t.frames.AllocFrame()
			if err != nil {
				return 0, err
			}
			clear(t.mem.Page(frame))
			if err := t.mmu.MapPage(p.Pml4, va, frame, permFlags); err != nil {
				return 0, err
			}
		}
	} else if newPage < curPage {
		for va := newPage; va < curPage; va += common.PGSIZE {
			_ = t.mmu.UnmapPage(p.Pml4, va)
		}
	}
	p.mu.Lock()
	p.HeapBreak = newBreak
	p.mu.Unlock()
	p.setHeapRegion(base, newBreak)
	return newBreak, nil
}

// setHeapRegion keeps a sched.Region describing the live heap span in
// sync with every Brk call, so spec invariant 5 ("no two memory regions
// on the same task overlap") stays checkable against the heap the same
// way it is against code/data/bss/stack.
func (p *Process) setHeapRegion(base, brk common.Va_t) {
	p.Tcb.Lock()
	defer p.Tcb.Unlock()
	for i := range p.Tcb.Regions {
		if p.Tcb.Regions[i].Type == sched.RegionHeap {
			p.Tcb.Regions[i].End = brk
			return
		}
	}
	p.Tcb.Regions = append(p.Tcb.Regions, sched.Region{Start: base, End: brk, Type: sched.RegionHeap})
}
