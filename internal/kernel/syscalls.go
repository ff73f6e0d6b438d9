package kernel

import (
	"encoding/binary"

	"github.com/justanotherdot/mello/internal/common"
	"github.com/justanotherdot/mello/internal/kerrors"
	"github.com/justanotherdot/mello/internal/proc"
	"github.com/justanotherdot/mello/internal/sched"
	"github.com/justanotherdot/mello/internal/syscall"
	"github.com/justanotherdot/mello/internal/vfs"
)

// open(2) flag bits, the conventional x86_64 Linux encoding -- the exact
// bit positions are part of this kernel's own syscall ABI, not anything
// borrowed from a host OS, but matching the familiar numbering costs
// nothing and makes the dispatch table easier to cross-check by hand.
const (
	oRdonly    = 0o0
	oWronly    = 0o1
	oRdwr      = 0o2
	oAccmode   = 0o3
	oCreat     = 0o100
	oExcl      = 0o200
	oTrunc     = 0o1000
	oAppend    = 0o2000
	oDirectory = 0o200000
	oNofollow  = 0o400000
)

func (k *Kernel) registerAll() {
	k.handlers[syscall.SysWrite] = sysWrite
	k.handlers[syscall.SysExit] = sysExit
	k.handlers[syscall.SysSleep] = sysSleep
	k.handlers[syscall.SysIpcSend] = sysIpcSend
	k.handlers[syscall.SysIpcRecv] = sysIpcRecv
	k.handlers[syscall.SysGetpid] = sysGetpid
	k.handlers[syscall.SysYield] = sysYield
	k.handlers[syscall.SysFork] = sysFork
	k.handlers[syscall.SysWait] = sysWait
	k.handlers[syscall.SysOpen] = sysOpen
	k.handlers[syscall.SysRead] = sysRead
	k.handlers[syscall.SysClose] = sysClose
	k.handlers[syscall.SysLseek] = sysLseek
	k.handlers[syscall.SysStat] = sysStat
	k.handlers[syscall.SysFstat] = sysFstat
	k.handlers[syscall.SysMkdir] = sysMkdir
	k.handlers[syscall.SysUnlink] = sysUnlink
	k.handlers[syscall.SysSymlink] = sysSymlink
	k.handlers[syscall.SysReadlink] = sysReadlink
	k.handlers[syscall.SysSync] = sysSync
	k.handlers[syscall.SysFsync] = sysFsync
	k.handlers[syscall.SysChdir] = sysChdir
	k.handlers[syscall.SysGetcwd] = sysGetcwd
	k.handlers[syscall.SysMmap] = sysMmap
	k.handlers[syscall.SysMsync] = sysMsync
	k.handlers[syscall.SysMprotect] = sysMprotect
	k.handlers[syscall.SysBrk] = sysBrk
	k.handlers[syscall.SysSigaction] = sysSigaction
	k.handlers[syscall.SysSigprocmask] = sysSigprocmask
	k.handlers[syscall.SysKill] = sysKill
	k.handlers[syscall.SysSigreturn] = sysSigreturn
	k.handlers[syscall.SysSetpgid] = sysSetpgid
	k.handlers[syscall.SysGetpgid] = sysGetpgid
	k.handlers[syscall.SysSetsid] = sysSetsid
	k.handlers[syscall.SysTcsetpgrp] = sysTcsetpgrp
	// SysExec and SysMount/SysUmount take a payload (an ELF image, a
	// device + fstype) that the syscall ABI as specified has no room to
	// carry through a six-register Frame; spec 4.8/4.11 both note this
	// is normally satisfied by a preceding vfs read the caller already
	// did. They're deliberately left unregistered rather than wired to a
	// handler that would have to invent an ABI the spec doesn't define;
	// internal/proc.Table.Exec and internal/vfs.MountTable.Mount are
	// implemented as plain Go entry points, just not reachable through
	// this numbered table.
}

func sysGetpid(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	return common.Err_t(p.Pid)
}

func sysYield(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	return 0
}

func sysSleep(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	wakeTick := f.Arg1
	k.Sched.Sleep(p.Tcb.ID, wakeTick)
	return 0
}

func sysExit(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	k.Procs.Exit(p, int(int64(f.Arg1)))
	return 0
}

func sysWait(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	encoded, err := k.Procs.Wait(p, f.Arg1)
	if err != nil {
		return syscall.ToErrno(err)
	}
	return common.Err_t(encoded)
}

// sysFork hands Table.Fork the parent's current callee-saved context as
// the child's starting register file (spec 4.7 step 4). The rax=0 part
// of that contract -- "the child's first resume returns 0 from this same
// syscall" -- is not representable in SavedContext (rax is caller-saved,
// not part of a context switch's register file); Table.Fork instead
// marks the new TCB's ForkChild flag, which sched.Scheduler.Tick
// consumes the first time it switches into the child.
func sysFork(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	p.Tcb.Lock()
	trampoline := p.Tcb.Ctx
	cpu := p.Tcb.CPU
	p.Tcb.Unlock()

	child, err := k.Procs.Fork(p, trampoline, cpu)
	if err != nil {
		return syscall.ToErrno(err)
	}
	return common.Err_t(child.Pid)
}

func sysIpcSend(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	port, err := k.Ports.Get(int(f.Arg1))
	if err != nil {
		return syscall.ToErrno(err)
	}
	n := int(f.Arg3)
	ub, uerr := k.userBuf(p, common.Va_t(f.Arg2), n)
	if uerr != nil {
		return syscall.ToErrno(uerr)
	}
	buf := make([]byte, n)
	if _, uerr := ub.ReadInto(buf); uerr != nil {
		return syscall.ToErrno(uerr)
	}
	if serr := port.Send(buf, k.Sched); serr != nil {
		return syscall.ToErrno(serr)
	}
	return common.Err_t(n)
}

// sysIpcRecv implements the blocking half of spec 4.10's recv: a
// non-blocking TryRecv first, then BlockForRecv if the port was empty --
// matching internal/ipc.Port's own two-call split instead of reimplementing
// the block/wake dance here.
func sysIpcRecv(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	port, err := k.Ports.Get(int(f.Arg1))
	if err != nil {
		return syscall.ToErrno(err)
	}
	dst := make([]byte, f.Arg3)
	n, rerr := port.TryRecv(dst)
	if rerr == nil {
		ub, uerr := k.userBuf(p, common.Va_t(f.Arg2), n)
		if uerr != nil {
			return syscall.ToErrno(uerr)
		}
		if _, uerr := ub.WriteFrom(dst[:n]); uerr != nil {
			return syscall.ToErrno(uerr)
		}
		return common.Err_t(n)
	}
	p.Tcb.Lock()
	p.Tcb.State = sched.Blocked
	p.Tcb.BlockReason = sched.BlockIPCReceive
	p.Tcb.Unlock()
	n, ok := port.BlockForRecv(dst, p.Tcb.ID)
	p.Tcb.Lock()
	if p.Tcb.State == sched.Blocked && p.Tcb.BlockReason == sched.BlockIPCReceive {
		p.Tcb.State = sched.Ready
		p.Tcb.BlockReason = sched.BlockNone
	}
	p.Tcb.Unlock()
	if !ok {
		return syscall.ToErrno(kerrors.New(kerrors.WouldBlock))
	}
	ub, uerr := k.userBuf(p, common.Va_t(f.Arg2), n)
	if uerr != nil {
		return syscall.ToErrno(uerr)
	}
	if _, uerr := ub.WriteFrom(dst[:n]); uerr != nil {
		return syscall.ToErrno(uerr)
	}
	return common.Err_t(n)
}

func openFlags(raw uint64) (vfs.OpenFlags, int) {
	flags := vfs.OpenFlags{
		Create:    raw&oCreat != 0,
		Excl:      raw&oExcl != 0,
		Trunc:     raw&oTrunc != 0,
		Directory: raw&oDirectory != 0,
		NoFollow:  raw&oNofollow != 0,
		Append:    raw&oAppend != 0,
	}
	perms := 0
	switch raw & oAccmode {
	case oRdonly:
		perms = common.FD_READ
	case oWronly:
		perms = common.FD_WRITE
	case oRdwr:
		perms = common.FD_READ | common.FD_WRITE
	}
	return flags, perms
}

func sysOpen(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	path, err := k.readCString(p, common.Va_t(f.Arg1), maxPathLen)
	if err != nil {
		return syscall.ToErrno(err)
	}
	flags, perms := openFlags(f.Arg2)
	fd, oerr := vfs.Open(k.Resolver, k.Root, k.cwdInode(p), path, flags, uint32(f.Arg3), perms)
	if oerr != 0 {
		return oerr
	}
	n, ierr := p.InstallFd(fd)
	if ierr != nil {
		_ = fd.Fops.Close()
		return syscall.ToErrno(ierr)
	}
	return common.Err_t(n)
}

func sysRead(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	fd, err := p.GetFd(int(f.Arg1))
	if err != nil {
		return syscall.ToErrno(err)
	}
	if fd.Perms&common.FD_READ == 0 {
		return syscall.ToErrno(kerrors.New(kerrors.PermissionDenied))
	}
	n := int(f.Arg3)
	buf := make([]byte, n)
	read, rerrno := fd.Fops.Read(buf, fd.Offset)
	if rerrno != 0 {
		return rerrno
	}
	ub, uerr := k.userBuf(p, common.Va_t(f.Arg2), read)
	if uerr != nil {
		return syscall.ToErrno(uerr)
	}
	if _, uerr := ub.WriteFrom(buf[:read]); uerr != nil {
		return syscall.ToErrno(uerr)
	}
	fd.Offset += int64(read)
	return common.Err_t(read)
}

func sysWrite(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	fd, err := p.GetFd(int(f.Arg1))
	if err != nil {
		return syscall.ToErrno(err)
	}
	if fd.Perms&common.FD_WRITE == 0 {
		return syscall.ToErrno(kerrors.New(kerrors.PermissionDenied))
	}
	n := int(f.Arg3)
	ub, uerr := k.userBuf(p, common.Va_t(f.Arg2), n)
	if uerr != nil {
		return syscall.ToErrno(uerr)
	}
	buf := make([]byte, n)
	if _, uerr := ub.ReadInto(buf); uerr != nil {
		return syscall.ToErrno(uerr)
	}
	written, werrno := fd.Fops.Write(buf, fd.Offset, false)
	if werrno != 0 {
		return werrno
	}
	fd.Offset += int64(written)
	return common.Err_t(written)
}

func sysClose(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	if err := p.CloseFd(int(f.Arg1)); err != nil {
		return syscall.ToErrno(err)
	}
	return 0
}

// Conventional POSIX whence values, the same ABI choice open(2)'s flags
// above makes: familiar numbering, owned entirely by this kernel's own
// syscall contract.
const (
	seekSet = 0
	seekCur = 1
	seekEnd = 2
)

func sysLseek(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	fd, err := p.GetFd(int(f.Arg1))
	if err != nil {
		return syscall.ToErrno(err)
	}
	offset := int64(f.Arg2)
	switch f.Arg3 {
	case seekSet:
		fd.Offset = offset
	case seekCur:
		fd.Offset += offset
	case seekEnd:
		var st common.Stat_t
		if serr := fd.Fops.Stat(&st); serr != 0 {
			return serr
		}
		fd.Offset = st.Size + offset
	default:
		return syscall.ToErrno(kerrors.New(kerrors.InvalidArgument))
	}
	if fd.Offset < 0 {
		fd.Offset = 0
		return syscall.ToErrno(kerrors.New(kerrors.InvalidArgument))
	}
	return common.Err_t(fd.Offset)
}

const statSize = 8 + 8 + 4 + 4 + 4 + 4 + 8 + 8 + 8 + 8

func writeStat(k *Kernel, p *proc.Process, va common.Va_t, st *common.Stat_t) common.Err_t {
	buf := make([]byte, 0, statSize)
	put64 := func(v uint64) { b := make([]byte, 8); binary.LittleEndian.PutUint64(b, v); buf = append(buf, b...) }
	put32 := func(v uint32) { b := make([]byte, 4); binary.LittleEndian.PutUint32(b, v); buf = append(buf, b...) }
	put64(st.Dev)
	put64(st.Ino)
	put32(st.Mode)
	put32(st.Nlink)
	put32(st.UID)
	put32(st.GID)
	put64(uint64(st.Size))
	put64(uint64(st.Atime))
	put64(uint64(st.Mtime))
	put64(uint64(st.Ctime))

	ub, uerr := k.userBuf(p, va, len(buf))
	if uerr != nil {
		return syscall.ToErrno(uerr)
	}
	if _, uerr := ub.WriteFrom(buf); uerr != nil {
		return syscall.ToErrno(uerr)
	}
	return 0
}

func sysStat(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	path, err := k.readCString(p, common.Va_t(f.Arg1), maxPathLen)
	if err != nil {
		return syscall.ToErrno(err)
	}
	node, rerr := k.Resolver.Resolve(k.Root, k.cwdInode(p), path, vfs.ResolveOpts{})
	if rerr != 0 {
		return rerr
	}
	var st common.Stat_t
	if serr := node.Stat(&st); serr != 0 {
		return serr
	}
	return writeStat(k, p, common.Va_t(f.Arg2), &st)
}

func sysFstat(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	fd, err := p.GetFd(int(f.Arg1))
	if err != nil {
		return syscall.ToErrno(err)
	}
	var st common.Stat_t
	if serr := fd.Fops.Stat(&st); serr != 0 {
		return serr
	}
	return writeStat(k, p, common.Va_t(f.Arg2), &st)
}

func sysMkdir(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	path, err := k.readCString(p, common.Va_t(f.Arg1), maxPathLen)
	if err != nil {
		return syscall.ToErrno(err)
	}
	dir, name := splitParentChild(path)
	parent, rerr := k.Resolver.Resolve(k.Root, k.cwdInode(p), dir, vfs.ResolveOpts{})
	if rerr != 0 {
		return rerr
	}
	_, cerr := parent.Mkdir(name, uint32(f.Arg2))
	return cerr
}

func sysUnlink(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	path, err := k.readCString(p, common.Va_t(f.Arg1), maxPathLen)
	if err != nil {
		return syscall.ToErrno(err)
	}
	dir, name := splitParentChild(path)
	parent, rerr := k.Resolver.Resolve(k.Root, k.cwdInode(p), dir, vfs.ResolveOpts{})
	if rerr != 0 {
		return rerr
	}
	return parent.Unlink(name)
}

func sysSymlink(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	target, err := k.readCString(p, common.Va_t(f.Arg1), maxPathLen)
	if err != nil {
		return syscall.ToErrno(err)
	}
	linkPath, err := k.readCString(p, common.Va_t(f.Arg2), maxPathLen)
	if err != nil {
		return syscall.ToErrno(err)
	}
	dir, name := splitParentChild(linkPath)
	parent, rerr := k.Resolver.Resolve(k.Root, k.cwdInode(p), dir, vfs.ResolveOpts{})
	if rerr != 0 {
		return rerr
	}
	return parent.Symlink(name, target)
}

func sysReadlink(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	path, err := k.readCString(p, common.Va_t(f.Arg1), maxPathLen)
	if err != nil {
		return syscall.ToErrno(err)
	}
	node, rerr := k.Resolver.Resolve(k.Root, k.cwdInode(p), path, vfs.ResolveOpts{NoFollowTrailingSymlink: true})
	if rerr != 0 {
		return rerr
	}
	target, terr := node.Readlink()
	if terr != 0 {
		return terr
	}
	bufLen := int(f.Arg3)
	if bufLen > len(target) {
		bufLen = len(target)
	}
	ub, uerr := k.userBuf(p, common.Va_t(f.Arg2), bufLen)
	if uerr != nil {
		return syscall.ToErrno(uerr)
	}
	if _, uerr := ub.WriteFrom([]byte(target[:bufLen])); uerr != nil {
		return syscall.ToErrno(uerr)
	}
	return common.Err_t(bufLen)
}

func sysSync(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	return k.Root.Sync()
}

func sysFsync(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	fd, err := p.GetFd(int(f.Arg1))
	if err != nil {
		return syscall.ToErrno(err)
	}
	fi, ok := fd.Fops.(vfs.FdInode)
	if !ok {
		return 0
	}
	return fi.Inode().Sync()
}

func sysChdir(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	path, err := k.readCString(p, common.Va_t(f.Arg1), maxPathLen)
	if err != nil {
		return syscall.ToErrno(err)
	}
	node, rerr := k.Resolver.Resolve(k.Root, k.cwdInode(p), path, vfs.ResolveOpts{})
	if rerr != 0 {
		return rerr
	}
	if node.Type() != vfs.TypeDir {
		return common.ENOTDIR
	}
	fd, oerr := vfs.Open(k.Resolver, k.Root, node, ".", vfs.OpenFlags{}, 0, common.FD_READ)
	if oerr != 0 {
		return oerr
	}
	p.SetCwd(fd)
	return 0
}

func sysGetcwd(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	var st common.Stat_t
	if serr := k.cwdInode(p).Stat(&st); serr != 0 {
		return serr
	}
	// Building the full path string would require tracking parent links
	// through the inode tree, which internal/vfs.Inode doesn't expose;
	// returning the inode number lets a caller disambiguate which
	// directory it's in without this kernel inventing a reverse-path walk
	// the filesystem layer has no API for.
	return common.Err_t(st.Ino)
}

func protFromBits(bits uint64) proc.Prot {
	return proc.Prot{R: bits&0x1 != 0, W: bits&0x2 != 0, X: bits&0x4 != 0}
}

func sysMmap(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	va := common.Va_t(f.Arg1)
	length := int(f.Arg2)
	prot := protFromBits(f.Arg3)
	rawFlags := f.Arg4
	flags := proc.MapFlags{
		Shared:    rawFlags&0x1 != 0,
		Fixed:     rawFlags&0x2 != 0,
		Anonymous: rawFlags&0x4 != 0,
		GrowsDown: rawFlags&0x8 != 0,
	}
	var fd *common.Fd_t
	if !flags.Anonymous {
		var err error
		fd, err = p.GetFd(int(f.Arg5))
		if err != nil {
			return syscall.ToErrno(err)
		}
	}
	result, merr := k.Procs.Mmap(p, va, length, prot, flags, fd, int64(f.Arg6))
	if merr != nil {
		return syscall.ToErrno(merr)
	}
	return common.Err_t(result)
}

func sysMsync(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	async := f.Arg3&0x1 != 0
	if err := k.Procs.Msync(p, common.Va_t(f.Arg1), int(f.Arg2), async); err != nil {
		return syscall.ToErrno(err)
	}
	return 0
}

func sysMprotect(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	prot := protFromBits(f.Arg3)
	if err := k.Procs.Mprotect(p, common.Va_t(f.Arg1), int(f.Arg2), prot); err != nil {
		return syscall.ToErrno(err)
	}
	return 0
}

func sysBrk(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	newBreak, err := k.Procs.Brk(p, common.Va_t(f.Arg1))
	if err != nil {
		return syscall.ToErrno(err)
	}
	return common.Err_t(newBreak)
}

func sysSigaction(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	sig := int(f.Arg1)
	handler := common.Va_t(f.Arg2)
	ignore := f.Arg3 != 0
	if err := k.Procs.Sigaction(p, sig, handler, ignore); err != nil {
		return syscall.ToErrno(err)
	}
	return 0
}

func sysSigprocmask(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	old := k.Procs.Sigprocmask(p, f.Arg1)
	return common.Err_t(old)
}

func sysKill(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	target, ok := k.Procs.Get(f.Arg1)
	if !ok {
		return syscall.ToErrno(kerrors.New(kerrors.NotFound))
	}
	if err := k.Procs.Kill(target, int(f.Arg2)); err != nil {
		return syscall.ToErrno(err)
	}
	return 0
}

func sysSigreturn(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	_, rsp, err := k.Procs.Sigreturn(p, common.Va_t(f.Arg1))
	if err != nil {
		return syscall.ToErrno(err)
	}
	// The saved rip is restored into the trap frame the platform layer's
	// return-to-user path consumes (internal/common.TFSIZE), which this
	// package never holds a reference to; only the callee-saved context's
	// stack pointer lives on TCB.Ctx.
	p.Tcb.Lock()
	p.Tcb.Ctx.RSP = uint64(rsp)
	p.Tcb.Unlock()
	return 0
}

func sysSetpgid(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	target := p
	if f.Arg1 != 0 {
		other, ok := k.Procs.Get(f.Arg1)
		if !ok {
			return syscall.ToErrno(kerrors.New(kerrors.NotFound))
		}
		target = other
	}
	if err := k.Procs.Setpgid(target, f.Arg2); err != nil {
		return syscall.ToErrno(err)
	}
	return 0
}

func sysGetpgid(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	target := p
	if f.Arg1 != 0 {
		other, ok := k.Procs.Get(f.Arg1)
		if !ok {
			return syscall.ToErrno(kerrors.New(kerrors.NotFound))
		}
		target = other
	}
	return common.Err_t(k.Procs.Getpgid(target))
}

func sysSetsid(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	sid, err := k.Procs.Setsid(p)
	if err != nil {
		return syscall.ToErrno(err)
	}
	return common.Err_t(sid)
}

func sysTcsetpgrp(k *Kernel, p *proc.Process, f syscall.Frame) common.Err_t {
	if err := k.Procs.Tcsetpgrp(p, f.Arg1); err != nil {
		return syscall.ToErrno(err)
	}
	return 0
}
