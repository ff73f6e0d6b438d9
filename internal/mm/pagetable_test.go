package mm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/justanotherdot/mello/internal/common"
	"github.com/justanotherdot/mello/internal/klog"
)

func newTestPT(t *testing.T) (*PageTable, *FrameAllocator, *COWTable) {
	t.Helper()
	mem := NewPhysMem(0, 4096)
	frames := NewFrameAllocator(0, 4096)
	cow := NewCOWTable()
	sd := NewLocalInvalidator()
	pt := NewPageTable(mem, frames, cow, sd, klog.Discard())

	boot, err := pt.newTable()
	require.NoError(t, err)
	for i := kernelHalfStart; i < entriesPerTable; i++ {
		child, err := pt.newTable()
		require.NoError(t, err)
		pt.writeEntry(boot, i, mkpte(child, PTE_P|PTE_W))
	}
	pt.SetKernelTemplate(boot)
	return pt, frames, cow
}

func TestMapTranslateUnmap(t *testing.T) {
	pt, frames, _ := newTestPT(t)
	pml4, err := pt.NewHierarchy()
	require.NoError(t, err)

	data, err := frames.AllocFrame()
	require.NoError(t, err)

	va := common.Va_t(0x4000_0000)
	require.NoError(t, pt.MapPage(pml4, va, data, PTE_U|PTE_W|PTE_NX))

	pa, flags, err := pt.Translate(pml4, va+0x10)
	require.NoError(t, err)
	require.Equal(t, data+0x10, pa)
	require.True(t, flags.Has(PTE_W))

	require.NoError(t, pt.UnmapPage(pml4, va))
	_, _, err = pt.Translate(pml4, va)
	require.Error(t, err)
}

func TestWXorXRejected(t *testing.T) {
	pt, frames, _ := newTestPT(t)
	pml4, err := pt.NewHierarchy()
	require.NoError(t, err)
	data, _ := frames.AllocFrame()
	err = pt.MapPage(pml4, common.Va_t(0x4000_0000), data, PTE_U|PTE_W)
	require.Error(t, err)
}

func TestCloneHierarchyMarksCOW(t *testing.T) {
	pt, frames, cow := newTestPT(t)
	parent, err := pt.NewHierarchy()
	require.NoError(t, err)

	data, err := frames.AllocFrame()
	require.NoError(t, err)
	va := common.Va_t(0x4000_0000)
	require.NoError(t, pt.MapPage(parent, va, data, PTE_U|PTE_W|PTE_NX))

	child, err := pt.CloneHierarchy(parent)
	require.NoError(t, err)

	_, pflags, err := pt.Translate(parent, va)
	require.NoError(t, err)
	require.False(t, pflags.Has(PTE_W), "parent PTE must become read-only+COW after clone")
	require.True(t, pflags.Has(PTE_COW))

	_, cflags, err := pt.Translate(child, va)
	require.NoError(t, err)
	require.False(t, cflags.Has(PTE_W))
	require.True(t, cflags.Has(PTE_COW))

	require.EqualValues(t, 2, cow.Get(data))
}

func TestFreeHierarchyDecrementsCOW(t *testing.T) {
	pt, frames, cow := newTestPT(t)
	parent, _ := pt.NewHierarchy()
	data, _ := frames.AllocFrame()
	va := common.Va_t(0x4000_0000)
	require.NoError(t, pt.MapPage(parent, va, data, PTE_U|PTE_W|PTE_NX))

	child, err := pt.CloneHierarchy(parent)
	require.NoError(t, err)
	require.EqualValues(t, 2, cow.Get(data))

	pt.FreeHierarchy(child)
	require.EqualValues(t, 1, cow.Get(data), "parent's COW reference must remain after child exits")
}
