package proc

import (
	"github.com/justanotherdot/mello/internal/common"
	"github.com/justanotherdot/mello/internal/kerrors"
	"github.com/justanotherdot/mello/internal/mm"
	"github.com/justanotherdot/mello/internal/sched"
	"github.com/justanotherdot/mello/internal/syscall"
)

const (
	maxExecStrings   = 1024
	maxExecStrLen    = 4096
	maxExecTotalSize = 1024 * 1024 // combined argv+envp byte budget
	maxImageSize     = 16 * 1024 * 1024

	stackSize      = 8 * 1024 * 1024
	stackGuardSize = common.PGSIZE
)

// ExecRequest bundles the inputs to Exec. path/argv/envp are already
// copied out of user memory and budget-checked by the caller (the
// syscall handler, which alone knows the user pointers) -- spec 4.8 step 1's
// per-string and per-array limits are re-validated here too, since this
// is the boundary a complete implementation must never trust blindly.
type ExecRequest struct {
	Path  string
	Argv  []string
	Envp  []string
	Image []byte // the ELF64 file, already loaded via the VFS by the caller
}

func validateExecRequest(req ExecRequest) error {
	if len(req.Image) == 0 || len(req.Image) > maxImageSize {
		return kerrors.New(kerrors.InvalidArgument)
	}
	if len(req.Argv) > maxExecStrings || len(req.Envp) > maxExecStrings {
		return kerrors.New(kerrors.InvalidArgument)
	}
	total := 0
	for _, s := range req.Argv {
		if len(s) > maxExecStrLen {
			return kerrors.New(kerrors.InvalidArgument)
		}
		total += len(s) + 1
	}
	for _, s := range req.Envp {
		if len(s) > maxExecStrLen {
			return kerrors.New(kerrors.InvalidArgument)
		}
		total += len(s) + 1
	}
	if total > maxExecTotalSize {
		return kerrors.New(kerrors.InvalidArgument)
	}
	return nil
}

// Exec implements spec 4.8. Rather than unmapping the current address
// space in place and rolling back on failure (the teacher's approach,
// which needs a parallel snapshot structure to undo), this builds the
// new image in an entirely fresh page-table hierarchy and only swaps it
// into the Process once every step through stack construction has
// succeeded -- the old hierarchy is simply never touched on failure, and
// freed (not leaked) once the swap commits. Net effect is the same
// invariant spec 4.8 requires: a failed exec leaves the process exactly
// as it was; a successful one never returns to the old image.
func (t *Table) Exec(p *Process, req ExecRequest) error {
	if err := validateExecRequest(req); err != nil {
		return err
	}

	eh, phdrs, err := ParseELF(req.Image)
	if err != nil {
		return err
	}

	newPml4, err := t.mmu.NewHierarchy()
	if err != nil {
		return err
	}
	ok := false
	defer func() {
		if !ok {
			t.mmu.FreeHierarchy(newPml4)
		}
	}()

	var regions []sched.Region
	var imageEnd common.Va_t
	for _, ph := range phdrs {
		if ph.Type != ptLoad {
			continue
		}
		r, err := t.loadSegment(newPml4, ph, req.Image)
		if err != nil {
			return err
		}
		regions = append(regions, r)
		if r.End > imageEnd {
			imageEnd = r.End
		}
	}
	// brk's initial break sits at the page boundary above the highest
	// loaded segment -- the conventional placement so a growing heap
	// never collides with the image it's attached to.
	heapBase := common.PGROUNDUP(imageEnd)

	// The lowest page of the stack's reserved range is left unmapped as a
	// guard: a stack-overflowing write faults there instead of silently
	// corrupting whatever region happens to sit below it.
	stackTop := common.USER_LIMIT
	stackReserveBase := stackTop - common.Va_t(stackSize)
	stackBase := stackReserveBase + common.Va_t(stackGuardSize)
	if err := t.mapStackRange(newPml4, stackBase, stackTop); err != nil {
		return err
	}
	regions = append(regions, sched.Region{Start: stackBase, End: stackTop, Type: sched.RegionStack})

	rsp, err := t.buildInitialStack(newPml4, stackTop, req.Argv, req.Envp)
	if err != nil {
		return err
	}

	// Steps 7-8: close O_CLOEXEC fds, reset non-SIG_IGN handlers to
	// default, preserve the signal mask.
	p.mu.Lock()
	for i, fd := range p.Fds {
		if fd != nil && fd.Cloexec {
			_ = fd.Fops.Close()
			p.Fds[i] = nil
		}
	}
	p.mu.Unlock()

	oldPml4 := p.Pml4
	p.Tcb.Lock()
	p.Tcb.Name = req.Path
	p.Tcb.Regions = regions
	for i := range p.Tcb.Handlers {
		if !p.Tcb.Handlers[i].Ignore {
			p.Tcb.Handlers[i] = sched.SignalAction{}
		}
	}
	p.Tcb.Ctx = sched.SavedContext{RSP: uint64(rsp)}
	p.Tcb.Unlock()
	p.Pml4 = newPml4
	p.mu.Lock()
	p.Mappings = nil
	p.HeapBase = heapBase
	p.HeapBreak = heapBase
	p.mu.Unlock()
	// Entry is consumed by the platform layer's user-mode-entry trampoline
	// (spec 4.8 step 9: RIP=entry, RSP=rsp, RDI=argc, RSI=argv, RDX=envp,
	// swapgs, SYSRETQ) the first time this task is dispatched post-exec.
	p.Entry = common.Va_t(eh.Entry)

	ok = true
	t.mmu.FreeHierarchy(oldPml4)
	return nil
}

func (t *Table) loadSegment(pml4 common.Pa_t, ph Phdr, image []byte) (sched.Region, error) {
	perm := mm.Perm(0)
	if ph.Flags&pfR != 0 {
		perm |= mm.PermR
	}
	if ph.Flags&pfW != 0 {
		perm |= mm.PermW
	}
	if ph.Flags&pfX != 0 {
		perm |= mm.PermX
	}
	if perm&mm.PermW != 0 && perm&mm.PermX != 0 {
		t.log.Info("exec: segment requested write+execute, stripping execute", "vaddr", ph.Vaddr)
		perm &^= mm.PermX
	}
	flags, okFlags := mm.ToPTEFlags(perm, true)
	if !okFlags {
		return sched.Region{}, kerrors.New(kerrors.InvalidFormat)
	}

	lo := common.PGROUNDDOWN(common.Va_t(ph.Vaddr))
	hi := common.PGROUNDUP(common.Va_t(ph.Vaddr) + common.Va_t(ph.Memsz))

	fileOff := ph.Offset
	fileRemain := int64(ph.Filesz)
	vaddrStart := common.Va_t(ph.Vaddr)

	for va := lo; va < hi; va += common.PGSIZE {
		frame, err := t.frames.AllocFrame()
		if err != nil {
			return sched.Region{}, err
		}
		page := t.mem.Page(frame)
		for i := range page {
			page[i] = 0
		}

		pageLo := va
		pageHi := va + common.PGSIZE
		copyLo := vaddrStart
		if copyLo < pageLo {
			copyLo = pageLo
		}
		copyHiFile := vaddrStart + common.Va_t(ph.Filesz)
		copyHi := pageHi
		if copyHi > copyHiFile {
			copyHi = copyHiFile
		}
		if copyHi > copyLo && fileRemain > 0 {
			n := int64(copyHi - copyLo)
			if n > fileRemain {
				n = fileRemain
			}
			srcOff := fileOff + uint64(copyLo-vaddrStart)
			if srcOff+uint64(n) <= uint64(len(image)) {
				dstOff := int(copyLo - pageLo)
				copy(page[dstOff:dstOff+int(n)], image[srcOff:srcOff+uint64(n)])
			}
		}

		if err := t.mmu.MapPage(pml4, va, frame, flags); err != nil {
			return sched.Region{}, err
		}
	}

	rtype := sched.RegionData
	if perm&mm.PermX != 0 {
		rtype = sched.RegionCode
	}
	return sched.Region{Start: lo, End: hi, Type: rtype}, nil
}

func (t *Table) mapStackRange(pml4 common.Pa_t, lo, hi common.Va_t) error {
	for va := lo; va < hi; va += common.PGSIZE {
		frame, err := t.frames.AllocFrame()
		if err != nil {
			return err
		}
		page := t.mem.Page(frame)
		for i := range page {
			page[i] = 0
		}
		if err := t.mmu.MapStack(pml4, va, frame); err != nil {
			return err
		}
	}
	return nil
}

// buildInitialStack lays out the stack bottom-up per spec 4.8 step 6:
// environment strings, argument strings, 16-byte alignment, a
// null-terminated envp pointer array, a null-terminated argv pointer
// array, then argc. Returns the final (16-byte-aligned) stack pointer.
func (t *Table) buildInitialStack(pml4 common.Pa_t, stackTop common.Va_t, argv, envp []string) (common.Va_t, error) {
	sp := stackTop

	writeStr := func(s string) (common.Va_t, error) {
		b := append([]byte(s), 0)
		sp -= common.Va_t(len(b))
		ub, err := syscall.NewUserBuf(t.mmu, t.mmu.Mem(), pml4, sp, len(b))
		if err != nil {
			return 0, err
		}
		if _, err := ub.WriteFrom(b); err != nil {
			return 0, err
		}
		return sp, nil
	}

	envPtrs := make([]common.Va_t, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		va, err := writeStr(envp[i])
		if err != nil {
			return 0, err
		}
		envPtrs[i] = va
	}
	argPtrs := make([]common.Va_t, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		va, err := writeStr(argv[i])
		if err != nil {
			return 0, err
		}
		argPtrs[i] = va
	}

	sp = common.Va_t(uintptr(sp) &^ 15)

	writePtr := func(v uint64) error {
		sp -= 8
		b := make([]byte, 8)
		for i := 0; i < 8; i++ {
			b[i] = byte(v >> (8 * i))
		}
		ub, err := syscall.NewUserBuf(t.mmu, t.mmu.Mem(), pml4, sp, 8)
		if err != nil {
			return err
		}
		_, err = ub.WriteFrom(b)
		return err
	}

	if err := writePtr(0); err != nil { // envp null terminator
		return 0, err
	}
	for i := len(envPtrs) - 1; i >= 0; i-- {
		if err := writePtr(uint64(envPtrs[i])); err != nil {
			return 0, err
		}
	}
	if err := writePtr(0); err != nil { // argv null terminator
		return 0, err
	}
	for i := len(argPtrs) - 1; i >= 0; i-- {
		if err := writePtr(uint64(argPtrs[i])); err != nil {
			return 0, err
		}
	}
	if err := writePtr(uint64(len(argv))); err != nil { // argc
		return 0, err
	}

	sp = common.Va_t(uintptr(sp) &^ 15)
	return sp, nil
}
