package proc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/justanotherdot/mello/internal/klog"
	"github.com/justanotherdot/mello/internal/mm"
	"github.com/justanotherdot/mello/internal/sched"
)

func newFixture(t *testing.T) *Table {
	t.Helper()
	mem := mm.NewPhysMem(0, 8192)
	frames := mm.NewFrameAllocator(0, 8192)
	cow := mm.NewCOWTable()
	sd := mm.NewLocalInvalidator()
	pt := mm.NewPageTable(mem, frames, cow, sd, klog.Discard())
	_, err := pt.BootstrapKernelHalf()
	require.NoError(t, err)

	s := sched.NewScheduler(1, 64, nil, klog.Discard())
	idle, err := s.Spawn("idle", sched.Low, 0, 0, sched.SavedContext{}, 0)
	require.NoError(t, err)
	s.SetIdle(0, idle.ID)

	return NewTable(s, pt, frames, 256, klog.Discard())
}

func TestSpawnAssignsPidAndHierarchy(t *testing.T) {
	tbl := newFixture(t)
	p, err := tbl.Spawn("init", nil, sched.Normal, sched.SavedContext{}, 0)
	require.NoError(t, err)
	require.NotZero(t, p.Pid)
	require.NotZero(t, p.Pml4)
}

func TestForkClonesStateAndAssignsDistinctPid(t *testing.T) {
	tbl := newFixture(t)
	parent, err := tbl.Spawn("parent", nil, sched.Normal, sched.SavedContext{}, 0)
	require.NoError(t, err)
	parent.Tcb.Lock()
	parent.Tcb.Pgid = parent.Pid
	parent.Tcb.Sid = parent.Pid
	parent.Tcb.Unlock()

	child, err := tbl.Fork(parent, sched.SavedContext{}, 0)
	require.NoError(t, err)
	require.NotEqual(t, parent.Pid, child.Pid)
	require.Equal(t, parent.Pid, child.Tcb.Ppid)
	require.Equal(t, parent.Tcb.Pgid, child.Tcb.Pgid)
	require.Len(t, parent.Children, 1)
	require.NotEqual(t, parent.Pml4, child.Pml4)
}

// TestForkChildResumesWithZeroReturn exercises spec 4.7 step 4: the
// child's first switch-in must be indistinguishable from the fork
// syscall that created it returning 0. Fork marks the new TCB
// ForkChild; the scheduler's dispatch path (Tick) is what actually
// consumes that marker the first time it switches into the child, and
// never again afterward.
func TestForkChildResumesWithZeroReturn(t *testing.T) {
	tbl := newFixture(t)
	parent, err := tbl.Spawn("parent", nil, sched.Normal, sched.SavedContext{}, 0)
	require.NoError(t, err)

	child, err := tbl.Fork(parent, sched.SavedContext{}, 0)
	require.NoError(t, err)
	require.True(t, child.Tcb.ForkChild, "Fork must mark the child for a zero-return resume")

	var dispatched uint64
	for i := 0; i < 8; i++ {
		id, _ := tbl.sched.Tick(uint64(i), 0)
		if id == child.Tcb.ID {
			dispatched = id
			break
		}
	}
	require.Equal(t, child.Tcb.ID, dispatched, "child must eventually be dispatched")
	require.False(t, child.Tcb.ForkChild, "Tick must consume ForkChild on the child's first dispatch")
}

func TestWaitReturnsEncodedPidAndExitCode(t *testing.T) {
	tbl := newFixture(t)
	parent, err := tbl.Spawn("parent", nil, sched.Normal, sched.SavedContext{}, 0)
	require.NoError(t, err)
	child, err := tbl.Fork(parent, sched.SavedContext{}, 0)
	require.NoError(t, err)

	tbl.Exit(child, 7)

	encoded, err := tbl.Wait(parent, 0)
	require.NoError(t, err)
	require.Equal(t, child.Pid, encoded>>8)
	require.Equal(t, uint64(7), encoded&0xff)

	_, ok := tbl.Get(child.Pid)
	require.False(t, ok)
}

func TestWaitNoChildrenReturnsNoChildren(t *testing.T) {
	tbl := newFixture(t)
	parent, err := tbl.Spawn("lonely", nil, sched.Normal, sched.SavedContext{}, 0)
	require.NoError(t, err)
	_, err = tbl.Wait(parent, 0)
	require.Error(t, err)
}

func TestWaitBlocksUntilChildExits(t *testing.T) {
	tbl := newFixture(t)
	parent, err := tbl.Spawn("parent", nil, sched.Normal, sched.SavedContext{}, 0)
	require.NoError(t, err)
	child, err := tbl.Fork(parent, sched.SavedContext{}, 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, err := tbl.Wait(parent, 0)
		require.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("wait returned before child exited")
	default:
	}

	tbl.Exit(child, 3)
	<-done
}

func TestKillSetsPendingAndDeliverTerminatesOnDefault(t *testing.T) {
	tbl := newFixture(t)
	p, err := tbl.Spawn("victim", nil, sched.Normal, sched.SavedContext{}, 0)
	require.NoError(t, err)

	require.NoError(t, tbl.Kill(p, SIGTERM))
	terminated, delivering, _, _ := tbl.DeliverPending(p, 0x1000, 0x7fff_ffff_f000)
	require.True(t, terminated)
	require.False(t, delivering)

	p.Tcb.Lock()
	state := p.Tcb.State
	p.Tcb.Unlock()
	require.Equal(t, sched.Zombie, state)
}

func TestKillIgnoredSignalDoesNotTerminate(t *testing.T) {
	tbl := newFixture(t)
	p, err := tbl.Spawn("victim", nil, sched.Normal, sched.SavedContext{}, 0)
	require.NoError(t, err)
	require.NoError(t, tbl.Sigaction(p, SIGTERM, 0, true))
	require.NoError(t, tbl.Kill(p, SIGTERM))

	terminated, delivering, _, _ := tbl.DeliverPending(p, 0x1000, 0x7fff_ffff_f000)
	require.False(t, terminated)
	require.False(t, delivering)
}

func TestSigprocmaskBlocksDelivery(t *testing.T) {
	tbl := newFixture(t)
	p, err := tbl.Spawn("victim", nil, sched.Normal, sched.SavedContext{}, 0)
	require.NoError(t, err)
	tbl.Sigprocmask(p, sigBit(SIGTERM))
	require.NoError(t, tbl.Kill(p, SIGTERM))

	terminated, delivering, _, _ := tbl.DeliverPending(p, 0x1000, 0x7fff_ffff_f000)
	require.False(t, terminated)
	require.False(t, delivering)
}

func TestSetpgidAndGetpgid(t *testing.T) {
	tbl := newFixture(t)
	p, err := tbl.Spawn("p", nil, sched.Normal, sched.SavedContext{}, 0)
	require.NoError(t, err)
	require.NoError(t, tbl.Setpgid(p, 0))
	require.Equal(t, p.Pid, tbl.Getpgid(p))
}

func TestElfParseRejectsBadMagic(t *testing.T) {
	_, _, err := ParseELF(make([]byte, 128))
	require.Error(t, err)
}
