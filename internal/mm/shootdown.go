package mm

import (
	"sync"

	"github.com/justanotherdot/mello/internal/common"
)

// ShootdownRange describes the addresses a remote CPU must invalidate:
// {start, end, initiator}, spec 4.3.
type ShootdownRange struct {
	Start, End common.Va_t
	Initiator  int
}

// invlpgThreshold: above this many pages, a remote CPU reloads cr3 wholesale
// instead of invlpg-ing each address individually (spec 4.3).
const invlpgThreshold = 32

// Shootdowner is the narrow interface PageTable needs from the SMP layer:
// publish a range to every other online CPU and send the shootdown IPI,
// then block until every target acknowledges. internal/smp implements
// this; PageTable only depends on the interface, avoiding an import cycle
// (mm must not import smp, which in turn depends on mm for per-CPU frame
// bookkeeping).
type Shootdowner interface {
	Shootdown(r ShootdownRange)
}

// LocalInvalidator models the fallback used on single-CPU systems: the
// initiator simply invalidates its own TLB entries for the range.
type LocalInvalidator struct {
	mu        sync.Mutex
	Log       []ShootdownRange // recorded invalidations, for tests
	perCPUAck func(r ShootdownRange)
}

func NewLocalInvalidator() *LocalInvalidator {
	return &LocalInvalidator{}
}

func (l *LocalInvalidator) Shootdown(r ShootdownRange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Log = append(l.Log, r)
}

// NPages reports how many 4 KiB pages a range covers, used to decide
// between invlpg-per-page and a full cr3 reload.
func (r ShootdownRange) NPages() int {
	if r.End <= r.Start {
		return 0
	}
	return int((common.PGROUNDUP(r.End) - common.PGROUNDDOWN(r.Start)) / common.PGSIZE)
}

func (r ShootdownRange) UsesReload() bool { return r.NPages() > invlpgThreshold }
