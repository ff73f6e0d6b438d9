package proc

import (
	"github.com/justanotherdot/mello/internal/common"
	"github.com/justanotherdot/mello/internal/kerrors"
	"github.com/justanotherdot/mello/internal/sched"
	"github.com/justanotherdot/mello/internal/syscall"
)

// Signal numbers spec 4.14 names by use (PTY job control) plus the
// conventional POSIX set needed for sigaction/kill/sigreturn to be
// meaningful; 1-64 to fit the TCB's u64 bitsets.
const (
	SIGHUP   = 1
	SIGINT   = 2
	SIGQUIT  = 3
	SIGKILL  = 9
	SIGSEGV  = 11
	SIGTERM  = 15
	SIGCHLD  = 17
	SIGCONT  = 18
	SIGTSTP  = 20
	SIGTTIN  = 21
	SIGTTOU  = 22
	SIGWINCH = 28
)

// defaultIgnore is the set of signals whose default (SIG_DFL) action is
// to do nothing, rather than terminate -- everything else not explicitly
// handled or ignored terminates the task by default, matching POSIX's
// baseline behavior for the subset of signals this kernel generates.
var defaultIgnore = map[int]bool{
	SIGCHLD:  true,
	SIGCONT:  true,
	SIGWINCH: true,
}

func sigBit(sig int) uint64 { return 1 << uint(sig-1) }

// Kill implements spec 4.14's "kill(pid, sig) OR-sets the target's
// pending bit", plus waking the target if it is blocked so delivery
// happens no later than its next return to user mode (spec 5's ordering
// guarantee).
func (t *Table) Kill(target *Process, sig int) error {
	if sig < 1 || sig > 64 {
		return kerrors.New(kerrors.InvalidArgument)
	}
	target.Tcb.Lock()
	target.Tcb.PendingSignals |= sigBit(sig)
	blocked := target.Tcb.State == sched.Blocked
	target.Tcb.Unlock()
	if blocked && t.sched != nil {
		t.sched.Wake(target.Tcb.ID)
	}
	return nil
}

// KillGroup implements internal/pty.Signaler: deliver sig to every
// process whose pgid matches, the job-control fan-out spec 4.14 needs
// for SIGINT/SIGTSTP/SIGTTIN/SIGTTOU/SIGWINCH/SIGHUP generation.
func (t *Table) KillGroup(pgid uint64, sig int) error {
	t.mu.Lock()
	targets := make([]*Process, 0, len(t.procs))
	for _, p := range t.procs {
		p.Tcb.Lock()
		match := p.Tcb.Pgid == pgid
		p.Tcb.Unlock()
		if match {
			targets = append(targets, p)
		}
	}
	t.mu.Unlock()

	for _, p := range targets {
		if err := t.Kill(p, sig); err != nil {
			return err
		}
	}
	return nil
}

// Sigaction installs sig's handler (va=0 means SIG_DFL).
func (t *Table) Sigaction(p *Process, sig int, handler common.Va_t, ignore bool) error {
	if sig < 1 || sig > 64 {
		return kerrors.New(kerrors.InvalidArgument)
	}
	p.Tcb.Lock()
	p.Tcb.Handlers[sig-1] = sched.SignalAction{Handler: handler, Ignore: ignore}
	p.Tcb.Unlock()
	return nil
}

// Sigprocmask sets p's signal mask to mask and returns the previous one.
func (t *Table) Sigprocmask(p *Process, mask uint64) uint64 {
	p.Tcb.Lock()
	old := p.Tcb.SignalMask
	p.Tcb.SignalMask = mask
	p.Tcb.Unlock()
	return old
}

// SignalFrame is the saved machine context a delivered handler runs on
// top of, and sigreturn restores from -- spec 4.14's "signal stack frame
// on the user stack containing the saved machine context".
type SignalFrame struct {
	Sig      int
	SavedRip common.Va_t
	SavedRsp common.Va_t
	SavedMask uint64
}

const signalFrameSize = 8 + 8 + 8 + 8 // sig, rip, rsp, mask, each a u64 slot

// DeliverPending implements spec 4.14's "on return from a syscall or
// interrupt handler to user mode, the kernel checks pending & !mask":
// takes the lowest set deliverable signal, clears its pending bit, and
// applies its disposition. currentRip/currentRsp are the user context
// the task was about to resume into; for the handler case a frame is
// pushed onto the user stack and (newRip, newRsp) redirect execution
// into the handler, exactly as a real return-to-user-mode path would.
//
// terminated reports whether delivery killed the process (the caller
// must not resume it -- Exit has already been called). delivering
// reports whether a handler frame was built, in which case newRip/newRsp
// replace the context the caller resumes with.
func (t *Table) DeliverPending(p *Process, currentRip, currentRsp common.Va_t) (terminated, delivering bool, newRip, newRsp common.Va_t) {
	p.Tcb.Lock()
	deliverable := p.Tcb.PendingSignals &^ p.Tcb.SignalMask
	if deliverable == 0 {
		p.Tcb.Unlock()
		return false, false, currentRip, currentRsp
	}
	sig := 1
	for deliverable&1 == 0 {
		deliverable >>= 1
		sig++
	}
	p.Tcb.PendingSignals &^= sigBit(sig)
	action := p.Tcb.Handlers[sig-1]
	mask := p.Tcb.SignalMask
	p.Tcb.Unlock()

	if action.Ignore {
		return false, false, currentRip, currentRsp
	}
	if action.Handler == 0 {
		if defaultIgnore[sig] {
			return false, false, currentRip, currentRsp
		}
		t.Exit(p, 128+sig)
		return true, false, currentRip, currentRsp
	}

	frameRsp := common.PGROUNDDOWN(currentRsp) - signalFrameSize
	frameRsp = common.Va_t(uintptr(frameRsp) &^ 15)
	buf := make([]byte, signalFrameSize)
	putU64(buf[0:8], uint64(sig))
	putU64(buf[8:16], uint64(currentRip))
	putU64(buf[16:24], uint64(currentRsp))
	putU64(buf[24:32], mask)

	ub, err := syscall.NewUserBuf(t.mmu, t.mem, p.Pml4, frameRsp, signalFrameSize)
	if err != nil {
		// can't build the frame (stack corrupt/unmapped): fall back to
		// default termination rather than resume into a broken frame.
		t.Exit(p, 128+sig)
		return true, false, currentRip, currentRsp
	}
	if _, err := ub.WriteFrom(buf); err != nil {
		t.Exit(p, 128+sig)
		return true, false, currentRip, currentRsp
	}

	p.Tcb.Lock()
	p.Tcb.SignalMask = mask | sigBit(sig)
	p.Tcb.Unlock()

	return false, true, action.Handler, frameRsp
}

// Sigreturn implements the syscall that undoes DeliverPending's frame:
// read it back off the user stack and restore (rip, rsp, mask).
func (t *Table) Sigreturn(p *Process, frameRsp common.Va_t) (rip, rsp common.Va_t, err error) {
	ub, err := syscall.NewUserBuf(t.mmu, t.mem, p.Pml4, frameRsp, signalFrameSize)
	if err != nil {
		return 0, 0, err
	}
	buf := make([]byte, signalFrameSize)
	if _, err := ub.ReadInto(buf); err != nil {
		return 0, 0, err
	}
	savedRip := common.Va_t(getU64(buf[8:16]))
	savedRsp := common.Va_t(getU64(buf[16:24]))
	savedMask := getU64(buf[24:32])

	p.Tcb.Lock()
	p.Tcb.SignalMask = savedMask
	p.Tcb.Unlock()

	return savedRip, savedRsp, nil
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
