package mm

import (
	"github.com/justanotherdot/mello/internal/common"
	"github.com/justanotherdot/mello/internal/kerrors"
)

// HandleCOWFault implements spec 4.7's copy-on-write fault resolution: it
// is invoked through internal/proc's HandlePageFault whenever
// the fault is a write to a present page whose PTE has the COW bit set
// and the writable bit clear. It returns nil once the fault is resolved
// and the faulting instruction can be retried, or an error (ENOMEM) if a
// new frame could not be allocated.
func (pt *PageTable) HandleCOWFault(pml4 common.Pa_t, va common.Va_t) error {
	table, idx, _, ok := pt.walkLookup(pml4, va)
	if !ok {
		return kerrors.New(kerrors.BadAddress)
	}
	e := pt.readEntry(table, idx)
	if !e.Has(PTE_P) || e.Has(PTE_W) || !e.Has(PTE_COW) {
		return kerrors.New(kerrors.InvalidArgument)
	}
	frame := e.Addr()

	if pt.cow.Get(frame) <= 1 {
		// sole remaining owner: reclaim exclusive writable access to the
		// same frame, no copy needed.
		pt.writeEntry(table, idx, mkpte(frame, (e&^pteAddrMask&^PTE_COW)|PTE_W))
		pt.cow.Down(frame)
		pt.sd.Shootdown(ShootdownRange{Start: common.PGROUNDDOWN(va), End: common.PGROUNDDOWN(va) + common.PGSIZE, Initiator: -1})
		return nil
	}

	newFrame, err := pt.frames.AllocFrame()
	if err != nil {
		return err
	}
	copy(pt.mem.Page(newFrame), pt.mem.Page(frame))
	pt.writeEntry(table, idx, mkpte(newFrame, (e&^pteAddrMask&^PTE_COW)|PTE_W))
	pt.cow.Down(frame)
	pt.sd.Shootdown(ShootdownRange{Start: common.PGROUNDDOWN(va), End: common.PGROUNDDOWN(va) + common.PGSIZE, Initiator: -1})
	return nil
}
