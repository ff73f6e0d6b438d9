// Package kernel wires the syscall ABI (internal/syscall) to the
// subsystems that actually implement each operation: internal/proc for
// process lifecycle and memory, internal/vfs + internal/fs/mfs for the
// filesystem, internal/ipc for ports. internal/syscall only knows the
// register-frame shape and the numbered dispatch convention; it has no
// notion of "the calling process" because the real SYSCALL instruction
// doesn't carry one explicitly either -- the CPU that trapped identifies
// it implicitly through its own per-CPU state. Kernel.Syscall plays that
// role for the hosted build: given the CPU that trapped, look up its
// current task through internal/sched, then dispatch.
package kernel

import (
	"github.com/go-logr/logr"

	"github.com/justanotherdot/mello/internal/common"
	"github.com/justanotherdot/mello/internal/ipc"
	"github.com/justanotherdot/mello/internal/kerrors"
	"github.com/justanotherdot/mello/internal/mm"
	"github.com/justanotherdot/mello/internal/proc"
	"github.com/justanotherdot/mello/internal/sched"
	"github.com/justanotherdot/mello/internal/syscall"
	"github.com/justanotherdot/mello/internal/vfs"
)

// procHandler is a single syscall's implementation, already resolved to
// the calling Process -- everything past that point is plain
// proc/vfs/ipc calls, the same shape every handler below takes.
type procHandler func(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t

// Kernel owns every subsystem a running syscall needs and the
// ID-to-handler map that replaces internal/syscall.Table for the real
// boot path (that Table stays around purely as the ABI-level type its
// own tests exercise; nothing here reuses its Dispatch, since Dispatch's
// Handler signature has no room for "which process called this").
type Kernel struct {
	log logr.Logger

	Sched  *sched.Scheduler
	Procs  *proc.Table
	Mmu    *mm.PageTable
	Frames *mm.FrameAllocator
	Ports  *ipc.Table

	Root     vfs.Inode
	Mounts   *vfs.MountTable
	Resolver *vfs.Resolver

	handlers map[syscall.ID]procHandler
}

func New(s *sched.Scheduler, procs *proc.Table, mmu *mm.PageTable, frames *mm.FrameAllocator, ports *ipc.Table, root vfs.Inode, mounts *vfs.MountTable, resolver *vfs.Resolver, log logr.Logger) *Kernel {
	k := &Kernel{
		log:      log,
		Sched:    s,
		Procs:    procs,
		Mmu:      mmu,
		Frames:   frames,
		Ports:    ports,
		Root:     root,
		Mounts:   mounts,
		Resolver: resolver,
		handlers: make(map[syscall.ID]procHandler),
	}
	k.registerAll()
	return k
}

// Syscall is the entry point the platform layer's SYSCALL trap handler
// calls once it has built a Frame out of the trapped registers (spec 4.6
// step 5), naming which CPU trapped so the current task can be resolved
// the same way a real GS-relative percpu lookup would.
func (k *Kernel) Syscall(cpu int, f syscall.Frame) common.Err_t {
	taskID := k.Sched.CurrentOn(cpu)
	p, ok := k.Procs.GetByTaskID(taskID)
	if !ok {
		return syscall.ToErrno(kerrors.New(kerrors.NotFound))
	}
	h, ok := k.handlers[syscall.ID(f.ID)]
	if !ok {
		k.log.V(1).Info("unregistered syscall", "id", f.ID)
		return common.ENOSYS
	}
	return h(k, p, f)
}

const maxPathLen = 4096

// userBuf builds a syscall.UserBuf over p's address space, clamping
// length to whatever actually fits below USER_LIMIT so a caller-supplied
// length near the top of the address space never overflows the range
// check inside NewUserBuf.
func (k *Kernel) userBuf(p *proc.Process, va common.Va_t, length int) (*syscall.UserBuf, error) {
	if va == 0 {
		return nil, kerrors.New(kerrors.BadAddress)
	}
	if va >= common.USER_LIMIT {
		return nil, kerrors.New(kerrors.BadAddress)
	}
	if max := int(common.USER_LIMIT - va); length > max {
		length = max
	}
	return syscall.NewUserBuf(k.Mmu, k.Mmu.Mem(), p.Pml4, va, length)
}

// readCString copies a NUL-terminated string out of p's address space,
// the copy_from_user convention every path-taking syscall below needs
// before it can call into internal/vfs. Stops at the first NUL found
// within max bytes; a page fault encountered before one is found is only
// fatal if no NUL had already been copied out of an earlier page.
func (k *Kernel) readCString(p *proc.Process, va common.Va_t, max int) (string, error) {
	ub, err := k.userBuf(p, va, max)
	if err != nil {
		return "", err
	}
	buf := make([]byte, max)
	n, rerr := ub.ReadInto(buf)
	for i := 0; i < n; i++ {
		if buf[i] == 0 {
			return string(buf[:i]), nil
		}
	}
	if rerr != nil {
		return "", rerr
	}
	return "", kerrors.New(kerrors.InvalidArgument)
}

// cwdInode resolves p's working directory to a vfs.Inode via the
// FdInode seam (internal/vfs.file is the only common.Fops_i that
// implements it; a pty or pipe fd never stands in as a cwd).
func (k *Kernel) cwdInode(p *proc.Process) vfs.Inode {
	fd := p.GetCwd()
	if fd == nil {
		return k.Root
	}
	fi, ok := fd.Fops.(vfs.FdInode)
	if !ok {
		return k.Root
	}
	return fi.Inode()
}

// splitParentChild divides path into its parent directory and final
// component, mirroring internal/vfs's own resolveParent so the syscalls
// here (mkdir/unlink/symlink) that need the parent inode rather than the
// (possibly nonexistent) leaf don't need that helper exported.
func splitParentChild(path string) (dir, name string) {
	trimmed := path
	for len(trimmed) > 1 && trimmed[len(trimmed)-1] == '/' {
		trimmed = trimmed[:len(trimmed)-1]
	}
	idx := -1
	for i := len(trimmed) - 1; i >= 0; i-- {
		if trimmed[i] == '/' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ".", trimmed
	}
	if idx == 0 {
		return "/", trimmed[1:]
	}
	return trimmed[:idx], trimmed[idx+1:]
}
