package smp

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/justanotherdot/mello/internal/mm"
)

// ShootdownTarget receives a range to invalidate and acknowledges once
// done; internal/mm's PageTable only needs the Shootdowner interface, but
// the IPI layer here is what actually fans a descriptor out to every
// other online CPU and waits for every ack (spec 4.3 steps 2-4).
type ShootdownTarget interface {
	Invalidate(r mm.ShootdownRange)
}

// IPIController fans out reschedule and shootdown IPIs across the online
// CPU set. It implements both sched.Rescheduler and mm.Shootdowner so
// those packages can depend on narrow interfaces instead of on smp
// directly (smp itself imports mm, for ShootdownRange).
type IPIController struct {
	mu      sync.Mutex
	log     logr.Logger
	targets map[int]ShootdownTarget
	self    int // the CPU issuing shootdowns, excluded from the fan-out

	// RescheduleSent records which CPUs received a reschedule IPI, for
	// tests; a real implementation would instead poke the LAPIC ICR the
	// way main.go's icrw helper does.
	RescheduleSent []int
}

func NewIPIController(log logr.Logger) *IPIController {
	return &IPIController{log: log, targets: make(map[int]ShootdownTarget)}
}

// Register adds cpu as a shootdown target (called once per AP as it comes
// online).
func (c *IPIController) Register(cpu int, t ShootdownTarget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets[cpu] = t
}

// SendReschedule implements sched.Rescheduler.
func (c *IPIController) SendReschedule(cpu int) {
	c.mu.Lock()
	c.RescheduleSent = append(c.RescheduleSent, cpu)
	c.mu.Unlock()
	c.log.V(1).Info("reschedule IPI sent", "cpu", cpu)
}

// Shootdown implements mm.Shootdowner: it publishes the range to every
// registered CPU other than the initiator, invokes each target's
// Invalidate synchronously (standing in for "wait, spinning, until every
// target CPU acknowledges"), and only returns once all have. The
// initiator itself must invlpg before declaring completion (spec 4.3) --
// that is the caller's job (PageTable already wrote the PTE before
// calling Shootdown); this only handles the remote fan-out.
func (c *IPIController) Shootdown(r mm.ShootdownRange) {
	c.mu.Lock()
	targets := make([]ShootdownTarget, 0, len(c.targets))
	for cpu, t := range c.targets {
		if cpu == r.Initiator {
			continue
		}
		targets = append(targets, t)
	}
	c.mu.Unlock()

	for _, t := range targets {
		t.Invalidate(r)
	}
}
