package smp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/justanotherdot/mello/internal/klog"
	"github.com/justanotherdot/mello/internal/mm"
)

func TestBringupSerial(t *testing.T) {
	var order []int
	var mu sync.Mutex
	handoff := func(cpu CPUDescriptor, data TrampolineData) {
		mu.Lock()
		order = append(order, cpu.LogicalID)
		mu.Unlock()
	}
	b := NewBringup(klog.Discard(), handoff).WithTimings(time.Millisecond, time.Millisecond, 50*time.Millisecond)

	table := []CPUDescriptor{
		{LogicalID: 0, ApicID: 0, IsBSP: true, Enabled: true},
		{LogicalID: 1, ApicID: 1, Enabled: true},
		{LogicalID: 2, ApicID: 2, Enabled: true},
		{LogicalID: 3, ApicID: 3, Enabled: false},
	}
	online := b.Start(table, 0xfee00000)
	require.Equal(t, []int{1, 2}, online)
	require.Equal(t, []int{1, 2}, order)
}

type fakeShootTarget struct{ got []mm.ShootdownRange }

func (f *fakeShootTarget) Invalidate(r mm.ShootdownRange) { f.got = append(f.got, r) }

func TestIPIShootdownExcludesInitiator(t *testing.T) {
	c := NewIPIController(klog.Discard())
	t0 := &fakeShootTarget{}
	t1 := &fakeShootTarget{}
	c.Register(0, t0)
	c.Register(1, t1)

	c.Shootdown(mm.ShootdownRange{Start: 0x1000, End: 0x2000, Initiator: 0})
	require.Len(t, t0.got, 0)
	require.Len(t, t1.got, 1)
}

func TestRegistrySetTwicePanics(t *testing.T) {
	r := NewRegistry[int](2)
	r.Set(0, 42)
	require.Equal(t, 42, r.Get(0))
	require.Panics(t, func() { r.Set(0, 7) })
}
