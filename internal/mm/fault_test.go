package mm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/justanotherdot/mello/internal/common"
)

// TestCOWFaultAllocatesNewFrameWhenShared exercises spec scenario 2: a
// parent writes 0xAA, forks, the child writes 0xBB; the parent's next
// read must still see 0xAA.
func TestCOWFaultAllocatesNewFrameWhenShared(t *testing.T) {
	pt, frames, cow := newTestPT(t)
	parent, _ := pt.NewHierarchy()
	data, _ := frames.AllocFrame()
	va := common.Va_t(0x4000_0000)
	require.NoError(t, pt.MapPage(parent, va, data, PTE_U|PTE_W|PTE_NX))
	pt.mem.Page(data)[0] = 0xAA

	child, err := pt.CloneHierarchy(parent)
	require.NoError(t, err)
	require.EqualValues(t, 2, cow.Get(data))

	// child writes 0xBB -> triggers COW fault in the child's hierarchy.
	require.NoError(t, pt.HandleCOWFault(child, va))
	childPA, childFlags, err := pt.Translate(child, va)
	require.NoError(t, err)
	require.True(t, childFlags.Has(PTE_W))
	require.False(t, childFlags.Has(PTE_COW))
	require.NotEqual(t, data, childPA, "child must get a private frame")
	pt.mem.Page(childPA)[0] = 0xBB

	// parent's frame is untouched.
	parentPA, _, err := pt.Translate(parent, va)
	require.NoError(t, err)
	require.Equal(t, data, parentPA)
	require.Equal(t, byte(0xAA), pt.mem.Page(parentPA)[0])
	require.Equal(t, byte(0xBB), pt.mem.Page(childPA)[0])

	require.EqualValues(t, 1, cow.Get(data), "parent remains the sole COW owner")
}

func TestCOWFaultSoleOwnerReclaimsFrame(t *testing.T) {
	pt, frames, cow := newTestPT(t)
	parent, _ := pt.NewHierarchy()
	data, _ := frames.AllocFrame()
	va := common.Va_t(0x4000_0000)
	require.NoError(t, pt.MapPage(parent, va, data, PTE_U|PTE_W|PTE_NX))

	child, err := pt.CloneHierarchy(parent)
	require.NoError(t, err)

	// child resolves its COW fault first, dropping the frame to a single
	// owner (the parent).
	require.NoError(t, pt.HandleCOWFault(child, va))
	require.EqualValues(t, 1, cow.Get(data))

	// parent now writes: since it's the sole remaining owner of `data`,
	// it must reclaim the same frame rather than allocate a new one.
	require.NoError(t, pt.HandleCOWFault(parent, va))
	pa, flags, err := pt.Translate(parent, va)
	require.NoError(t, err)
	require.Equal(t, data, pa)
	require.True(t, flags.Has(PTE_W))
	require.EqualValues(t, 0, cow.Get(data))
}
