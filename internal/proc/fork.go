package proc

import (
	"github.com/justanotherdot/mello/internal/kerrors"
	"github.com/justanotherdot/mello/internal/sched"
)

// Fork implements spec 4.7: clone the page-table hierarchy (COW), copy
// the region list/fd table/signal state/tty/session/pgid, allocate a
// child TCB, mark it ForkChild, and enqueue it. The parent's return
// value (the child pid) is the caller's job to hand back through the
// syscall frame -- Fork only returns the child Process.
//
// childEntryTrampoline is the child's initial SavedContext: the callee-
// saved register file plus RSP, cloned from the parent's (a forked
// kernel stack starts out byte-identical to the parent's, the same way
// its page-table hierarchy starts out COW-shared). rax carries the
// fork syscall's return value and is deliberately not part of
// SavedContext (spec 4.5's callee-saved-only contract); step 4's "the
// child resumes with 0 in rax" is recorded instead via the TCB's
// ForkChild flag below, which sched.Scheduler.Tick consumes the first
// time it switches into this task (see Tick's doc comment).
func (t *Table) Fork(parent *Process, childEntryTrampoline sched.SavedContext, callerCPU int) (*Process, error) {
	if t.count() >= t.maxProcs {
		return nil, kerrors.New(kerrors.TooManyTasks)
	}

	childPml4, err := t.mmu.CloneHierarchy(parent.Pml4)
	if err != nil {
		return nil, err
	}

	parent.Tcb.Lock()
	regions := make([]sched.Region, len(parent.Tcb.Regions))
	copy(regions, parent.Tcb.Regions)
	prio := parent.Tcb.Priority
	ppid := parent.Pid
	pgid := parent.Tcb.Pgid
	sid := parent.Tcb.Sid
	tty := parent.Tcb.TTY
	mask := parent.Tcb.SignalMask
	handlers := parent.Tcb.Handlers
	parent.Tcb.Unlock()

	childTcb, err := t.sched.Spawn(parent.Tcb.Name, prio, 0, 0, childEntryTrampoline, callerCPU)
	if err != nil {
		t.mmu.FreeHierarchy(childPml4)
		return nil, err
	}

	pid := allocPid()
	childTcb.Lock()
	childTcb.Pid = pid
	childTcb.Ppid = ppid
	childTcb.Pgid = pgid
	childTcb.Sid = sid
	childTcb.TTY = tty
	childTcb.SignalMask = mask
	childTcb.Handlers = handlers
	childTcb.Regions = regions
	childTcb.ForkChild = true
	childTcb.Unlock()

	child := &Process{Pid: pid, Tcb: childTcb, Pml4: childPml4, Children: make(map[uint64]*Process)}

	parent.mu.Lock()
	child.Cwd = parent.Cwd
	if child.Cwd != nil {
		_ = child.Cwd.Fops.Reopen()
	}
	// close-on-exec fds are still inherited across fork -- only exec
	// closes them (spec 4.8 step 7).
	for i, fd := range parent.Fds {
		if fd == nil {
			continue
		}
		if errno := fd.Fops.Reopen(); errno != 0 {
			continue
		}
		dup := *fd
		child.Fds[i] = &dup
	}
	child.NextFd = parent.NextFd
	parent.Children[pid] = child
	child.Parent = parent
	parent.mu.Unlock()

	t.mu.Lock()
	t.procs[pid] = child
	t.mu.Unlock()

	return child, nil
}
