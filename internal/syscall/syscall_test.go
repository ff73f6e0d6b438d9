package syscall

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/justanotherdot/mello/internal/common"
	"github.com/justanotherdot/mello/internal/klog"
	"github.com/justanotherdot/mello/internal/mm"
)

func TestCanonical(t *testing.T) {
	require.True(t, Canonical(0x0000_7fff_ffff_ffff))
	require.True(t, Canonical(0xffff_8000_0000_0000))
	require.False(t, Canonical(0x0000_8000_0000_0000))
}

func TestFakeBufRoundTrip(t *testing.T) {
	fb := NewFakeBuf(make([]byte, 8))
	n, err := fb.WriteFrom([]byte("hi"))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 6, fb.Remain())
}

func TestNilIOIsNoop(t *testing.T) {
	var n NilIO
	wn, err := n.WriteFrom([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, 0, wn)
	require.Equal(t, 0, n.TotalSize())
}

func newUserBufFixture(t *testing.T) (*mm.PageTable, common.Pa_t, *mm.PhysMem, *mm.FrameAllocator) {
	t.Helper()
	frames := mm.NewFrameAllocator(0, 512)
	mem := mm.NewPhysMem(0, 512)
	cow := mm.NewCOWTable()
	pt := mm.NewPageTable(mem, frames, cow, nil, klog.Discard())
	_, err := pt.BootstrapKernelHalf()
	require.NoError(t, err)
	pml4, err := pt.NewHierarchy()
	require.NoError(t, err)
	return pt, pml4, mem, frames
}

func TestUserBufReadWriteRoundTrip(t *testing.T) {
	pt, pml4, _, frames := newUserBufFixture(t)
	dataFrame, err := frames.AllocFrame()
	require.NoError(t, err)
	va := common.Va_t(0x2000)
	require.NoError(t, pt.MapData(pml4, va, dataFrame))

	ub, err := NewUserBuf(pt, pt.Mem(), pml4, va, 5)
	require.NoError(t, err)
	n, err := ub.WriteFrom([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	ub2, err := NewUserBuf(pt, pt.Mem(), pml4, va, 5)
	require.NoError(t, err)
	dst := make([]byte, 5)
	n, err = ub2.ReadInto(dst)
	require.NoError(t, err)
	require.Equal(t, "hello", string(dst[:n]))
}

func TestUserBufRejectsKernelOnlyPage(t *testing.T) {
	pt, pml4, _, frames := newUserBufFixture(t)
	dataFrame, err := frames.AllocFrame()
	require.NoError(t, err)
	va := common.Va_t(0x3000)
	// map without the user bit: a kernel-only page.
	require.NoError(t, pt.MapPage(pml4, va, dataFrame, mm.PTE_P|mm.PTE_W|mm.PTE_NX))

	ub, err := NewUserBuf(pt, pt.Mem(), pml4, va, 5)
	require.NoError(t, err)
	_, err = ub.WriteFrom([]byte("hello"))
	require.Error(t, err)
}

func TestUserBufRejectsAboveUserLimit(t *testing.T) {
	pt, pml4, _, _ := newUserBufFixture(t)
	_, err := NewUserBuf(pt, pt.Mem(), pml4, common.USER_LIMIT, 1)
	require.Error(t, err)
}

func TestDispatchUnregisteredReturnsENOSYS(t *testing.T) {
	tbl := NewTable(klog.Discard())
	got := tbl.Dispatch(Frame{ID: uint64(SysGetpid)})
	require.Equal(t, common.ENOSYS, got)
}

func TestDispatchRoutesToHandler(t *testing.T) {
	tbl := NewTable(klog.Discard())
	tbl.Register(SysGetpid, func(f Frame) common.Err_t { return 42 })
	got := tbl.Dispatch(Frame{ID: uint64(SysGetpid)})
	require.Equal(t, common.Err_t(42), got)
}
