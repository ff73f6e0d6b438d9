// Package proc implements the POSIX-ish process lifecycle of spec
// sections 4.7-4.9 and 4.14: fork (copy-on-write), exec (ELF64 load with
// rollback), wait/zombie reaping, signal delivery, and session/process-group
// bookkeeping. Grounded on the teacher's proc_new (main.go): the
// arena-of-locked-slots process table, atomic pid allocation, and the
// fd-table-copy-with-reopen pattern for fork, generalized from the
// teacher's thread-within-process model (tid0, threadi) to the simpler
// one-TCB-per-process model spec section 3 describes.
package proc

import (
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/justanotherdot/mello/internal/common"
	"github.com/justanotherdot/mello/internal/kerrors"
	"github.com/justanotherdot/mello/internal/mm"
	"github.com/justanotherdot/mello/internal/sched"
)

const maxFds = 256

// Process is the process-level state layered on top of a scheduler TCB:
// address space root, fd table, working directory, and parent/child
// bookkeeping. The TCB (internal/sched) owns the scheduling-visible
// fields (state, priority, regions, signal bitsets) so internal/sched
// doesn't need to import internal/proc.
type Process struct {
	mu   sync.Mutex
	cond *sync.Cond

	Pid   uint64
	Tcb   *sched.TCB
	Pml4  common.Pa_t
	Entry common.Va_t // user RIP the platform layer enters on first dispatch after exec

	Fds     [maxFds]*common.Fd_t
	NextFd  int
	Cwd     *common.Fd_t

	Mappings  []*Mapping
	HeapBase  common.Va_t
	HeapBreak common.Va_t

	Parent   *Process
	Children map[uint64]*Process

	Zombie   bool
	ExitCode int
}

// Table is the system-wide process table (spec section 3's "process
// table"), grounded on main.go's allprocs map + proclock.
type Table struct {
	mu    sync.Mutex
	procs map[uint64]*Process
	log   logr.Logger

	sched  *sched.Scheduler
	mmu    *mm.PageTable
	frames *mm.FrameAllocator
	mem    *mm.PhysMem

	maxProcs int
}

func NewTable(s *sched.Scheduler, mmu *mm.PageTable, frames *mm.FrameAllocator, maxProcs int, log logr.Logger) *Table {
	return &Table{
		procs:    make(map[uint64]*Process),
		sched:    s,
		mmu:      mmu,
		frames:   frames,
		mem:      mmu.Mem(),
		maxProcs: maxProcs,
		log:      log,
	}
}

func (t *Table) Get(pid uint64) (*Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	return p, ok
}

// GetByTaskID finds the Process owning the scheduler task taskID.
// internal/sched allocates task ids from its own counter, independent of
// this table's pids (internal/sched.Scheduler.Spawn is also used
// directly for CPU-local tasks, like the idle loop, that never get a
// Process at all), so a syscall dispatcher resolving "which process
// trapped" from internal/sched.Scheduler.CurrentOn needs this reverse
// lookup rather than treating the task id as a pid.
func (t *Table) GetByTaskID(taskID uint64) (*Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.procs {
		if p.Tcb.ID == taskID {
			return p, true
		}
	}
	return nil, false
}

func (t *Table) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

// allocFdLocked finds the lowest free fd slot, matching the teacher's
// fdstart-based linear scan (main.go proc_new sets fdstart: 3 so 0-2 are
// reserved for stdin/out/err by convention -- that reservation is the
// caller's job when populating Fds, not this allocator's).
func (p *Process) allocFdLocked() (int, error) {
	for i := 0; i < maxFds; i++ {
		if p.Fds[i] == nil {
			return i, nil
		}
	}
	return 0, kerrors.New(kerrors.TooManyOpenFiles)
}

// InstallFd assigns fd to the lowest free slot and returns it.
func (p *Process) InstallFd(fd *common.Fd_t) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, err := p.allocFdLocked()
	if err != nil {
		return 0, err
	}
	p.Fds[i] = fd
	p.NextFd = i + 1
	return i, nil
}

func (p *Process) CloseFd(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd < 0 || fd >= maxFds || p.Fds[fd] == nil {
		return kerrors.New(kerrors.InvalidArgument)
	}
	f := p.Fds[fd]
	p.Fds[fd] = nil
	if errno := f.Fops.Close(); errno != 0 {
		return kerrors.New(kerrors.IoError)
	}
	return nil
}

// GetFd returns the fd table entry at fd, the read-side counterpart to
// InstallFd/CloseFd the syscall layer needs for read/write/lseek/fstat.
func (p *Process) GetFd(fd int) (*common.Fd_t, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd < 0 || fd >= maxFds || p.Fds[fd] == nil {
		return nil, kerrors.New(kerrors.InvalidArgument)
	}
	return p.Fds[fd], nil
}

// SetCwd atomically swaps the process's working-directory fd, closing
// the previous one the way a successful chdir should.
func (p *Process) SetCwd(fd *common.Fd_t) {
	p.mu.Lock()
	old := p.Cwd
	p.Cwd = fd
	p.mu.Unlock()
	if old != nil {
		_ = old.Fops.Close()
	}
}

// GetCwd returns the process's current working-directory fd.
func (p *Process) GetCwd() *common.Fd_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Cwd
}

var nextPid uint64

func allocPid() uint64 { return atomic.AddUint64(&nextPid, 1) }

// Spawn creates the first process in a session (init, or a test fixture):
// a fresh page-table hierarchy, a TCB via the scheduler, and an empty fd
// table with cwd and stdio pre-populated by the caller.
func (t *Table) Spawn(name string, cwd *common.Fd_t, prio sched.Priority, ctx sched.SavedContext, callerCPU int) (*Process, error) {
	if t.count() >= t.maxProcs {
		return nil, kerrors.New(kerrors.TooManyTasks)
	}
	pml4, err := t.mmu.NewHierarchy()
	if err != nil {
		return nil, err
	}
	tcb, err := t.sched.Spawn(name, prio, 0, 0, ctx, callerCPU)
	if err != nil {
		t.mmu.FreeHierarchy(pml4)
		return nil, err
	}
	pid := allocPid()
	tcb.Lock()
	tcb.Pid = pid
	tcb.Ppid = 0
	tcb.Pgid = pid
	tcb.Sid = pid
	tcb.Unlock()

	p := &Process{Pid: pid, Tcb: tcb, Pml4: pml4, Cwd: cwd, Children: make(map[uint64]*Process)}
	t.mu.Lock()
	t.procs[pid] = p
	t.mu.Unlock()
	return p, nil
}

// reap removes a zombie's bookkeeping from the table, matching the
// teacher's proc_t reclaim path: free the page-table hierarchy and drop
// the table entry. The caller (Wait) has already read the exit code.
func (t *Table) reap(p *Process) {
	t.mmu.FreeHierarchy(p.Pml4)
	t.mu.Lock()
	delete(t.procs, p.Pid)
	t.mu.Unlock()
}
