package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/justanotherdot/mello/internal/common"
	"github.com/justanotherdot/mello/internal/fs/mfs"
	"github.com/justanotherdot/mello/internal/ipc"
	"github.com/justanotherdot/mello/internal/klog"
	"github.com/justanotherdot/mello/internal/mm"
	"github.com/justanotherdot/mello/internal/proc"
	"github.com/justanotherdot/mello/internal/sched"
	"github.com/justanotherdot/mello/internal/syscall"
	"github.com/justanotherdot/mello/internal/vfs"
)

func newFixture(t *testing.T) (*Kernel, *proc.Process) {
	t.Helper()
	mem := mm.NewPhysMem(0, 16384)
	frames := mm.NewFrameAllocator(0, 16384)
	cow := mm.NewCOWTable()
	sd := mm.NewLocalInvalidator()
	pt := mm.NewPageTable(mem, frames, cow, sd, klog.Discard())
	_, err := pt.BootstrapKernelHalf()
	require.NoError(t, err)

	s := sched.NewScheduler(1, 64, nil, klog.Discard())
	idle, err := s.Spawn("idle", sched.Low, 0, 0, sched.SavedContext{}, 0)
	require.NoError(t, err)
	s.SetIdle(0, idle.ID)

	procs := proc.NewTable(s, pt, frames, 256, klog.Discard())
	ports := ipc.NewTable(klog.Discard())

	dev := mfs.NewMemDevice(4096)
	fs, err := mfs.Format(dev, klog.Discard())
	require.NoError(t, err)

	mounts := vfs.NewMountTable()
	resolver := vfs.NewResolver(mounts)

	k := New(s, procs, pt, frames, ports, fs.Root(), mounts, resolver, klog.Discard())

	root := fs.Root()
	rootFd, errno := vfs.Open(resolver, root, root, ".", vfs.OpenFlags{Directory: true}, 0, common.FD_READ)
	require.Equal(t, common.Err_t(0), errno)

	p, err := procs.Spawn("init", rootFd, sched.Normal, sched.SavedContext{}, 0)
	require.NoError(t, err)

	return k, p
}

// forProcess drives p through Kernel.Syscall as if it were the running
// task on its own CPU -- Syscall resolves "the calling process" via
// internal/sched.Scheduler.CurrentOn, which only reflects whichever task
// Tick last popped off that CPU's runqueue, so a fixture has to actually
// schedule p there rather than just handing it to a handler directly.
func (k *Kernel) forProcess(t *testing.T, p *proc.Process, f syscall.Frame) common.Err_t {
	t.Helper()
	id, _ := k.Sched.Tick(0, p.Tcb.CPU)
	require.Equal(t, p.Tcb.ID, id)
	return k.Syscall(p.Tcb.CPU, f)
}

func TestGetpidReturnsCallersPid(t *testing.T) {
	k, p := newFixture(t)
	errno := k.forProcess(t, p, syscall.Frame{ID: uint64(syscall.SysGetpid)})
	require.Equal(t, common.Err_t(p.Pid), errno)
}

func TestWriteThenReadRoundTripsThroughOpenFile(t *testing.T) {
	k, p := newFixture(t)

	// open+write+read against a fresh file under root.
	openReq := func(flags uint64, mode uint64) common.Err_t {
		va := writeUserCString(t, k, p, "/greeting.txt")
		return k.forProcess(t, p, syscall.Frame{ID: uint64(syscall.SysOpen), Arg1: uint64(va), Arg2: flags, Arg3: mode})
	}
	fdRaw := openReq(oCreat|oExcl|oWronly, 0o644)
	require.GreaterOrEqual(t, int64(fdRaw), int64(0))
	fd := uint64(fdRaw)

	msg := "hello, kernel"
	msgVA := writeUserBytes(t, k, p, []byte(msg))
	n := k.forProcess(t, p, syscall.Frame{ID: uint64(syscall.SysWrite), Arg1: fd, Arg2: uint64(msgVA), Arg3: uint64(len(msg))})
	require.Equal(t, common.Err_t(len(msg)), n)

	closeErrno := k.forProcess(t, p, syscall.Frame{ID: uint64(syscall.SysClose), Arg1: fd})
	require.Equal(t, common.Err_t(0), closeErrno)

	fdRaw2 := openReq(oRdonly, 0)
	require.GreaterOrEqual(t, int64(fdRaw2), int64(0))
	fd2 := uint64(fdRaw2)

	readBufVA := allocUserRange(t, k, p, len(msg))
	readN := k.forProcess(t, p, syscall.Frame{ID: uint64(syscall.SysRead), Arg1: fd2, Arg2: uint64(readBufVA), Arg3: uint64(len(msg))})
	require.Equal(t, common.Err_t(len(msg)), readN)

	got := make([]byte, len(msg))
	readUserBytes(t, k, p, readBufVA, got)
	require.Equal(t, msg, string(got))
}

func TestForkAssignsChildDistinctPid(t *testing.T) {
	k, p := newFixture(t)
	childRaw := k.forProcess(t, p, syscall.Frame{ID: uint64(syscall.SysFork)})
	require.Greater(t, int64(childRaw), int64(0))
	require.NotEqual(t, common.Err_t(p.Pid), childRaw)

	_, ok := k.Procs.Get(uint64(childRaw))
	require.True(t, ok)
}

func TestBrkGrowsAndQueriesHeap(t *testing.T) {
	k, p := newFixture(t)
	p.HeapBase = 0x10000
	p.HeapBreak = 0x10000

	grown := k.forProcess(t, p, syscall.Frame{ID: uint64(syscall.SysBrk), Arg1: 0x12000})
	require.Equal(t, common.Err_t(0x12000), grown)

	queried := k.forProcess(t, p, syscall.Frame{ID: uint64(syscall.SysBrk), Arg1: 0})
	require.Equal(t, common.Err_t(0x12000), queried)
}

func TestKillSetsPendingSignal(t *testing.T) {
	k, p := newFixture(t)
	errno := k.forProcess(t, p, syscall.Frame{ID: uint64(syscall.SysKill), Arg1: p.Pid, Arg2: uint64(proc.SIGTERM)})
	require.Equal(t, common.Err_t(0), errno)
	p.Tcb.Lock()
	pending := p.Tcb.PendingSignals
	p.Tcb.Unlock()
	require.NotZero(t, pending&(1<<(proc.SIGTERM-1)))
}

func TestUnregisteredSyscallReturnsENOSYS(t *testing.T) {
	k, p := newFixture(t)
	errno := k.forProcess(t, p, syscall.Frame{ID: uint64(syscall.SysExec)})
	require.Equal(t, common.ENOSYS, errno)
}

// --- test-only user-memory helpers, mirroring internal/proc/exec.go's
// own writeStr/writePtr pattern for building bytes inside a process's
// address space from kernel-side test code. ---

func allocUserRange(t *testing.T, k *Kernel, p *proc.Process, length int) common.Va_t {
	t.Helper()
	va := common.Va_t(0x0000_6000_0000_0000)
	for off := 0; off < length+common.PGSIZE; off += common.PGSIZE {
		frame, err := k.Frames.AllocFrame()
		require.NoError(t, err)
		clear(k.Mmu.Mem().Page(frame))
		flags, ok := mm.ToPTEFlags(mm.PermR|mm.PermW, true)
		require.True(t, ok)
		require.NoError(t, k.Mmu.MapPage(p.Pml4, va+common.Va_t(off), frame, flags))
	}
	return va
}

func writeUserBytes(t *testing.T, k *Kernel, p *proc.Process, data []byte) common.Va_t {
	t.Helper()
	va := allocUserRange(t, k, p, len(data))
	ub, err := syscall.NewUserBuf(k.Mmu, k.Mmu.Mem(), p.Pml4, va, len(data))
	require.NoError(t, err)
	_, err = ub.WriteFrom(data)
	require.NoError(t, err)
	return va
}

func writeUserCString(t *testing.T, k *Kernel, p *proc.Process, s string) common.Va_t {
	t.Helper()
	return writeUserBytes(t, k, p, append([]byte(s), 0))
}

func readUserBytes(t *testing.T, k *Kernel, p *proc.Process, va common.Va_t, dst []byte) {
	t.Helper()
	ub, err := syscall.NewUserBuf(k.Mmu, k.Mmu.Mem(), p.Pml4, va, len(dst))
	require.NoError(t, err)
	_, err = ub.ReadInto(dst)
	require.NoError(t, err)
}
