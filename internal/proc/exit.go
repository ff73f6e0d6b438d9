package proc

import "github.com/justanotherdot/mello/internal/sched"

// Exit implements the second half of spec 4.9: mark the process Zombie
// (keeping its pid and exit code for a later wait), then find and wake a
// parent blocked on it. Does not reclaim the PCB itself -- that happens
// in Wait once the parent collects it, per spec ("reclaim its PCB" is
// wait's job, not exit's).
func (t *Table) Exit(p *Process, code int) {
	p.Tcb.Lock()
	p.Tcb.State = sched.Zombie
	p.Tcb.ExitCode = code
	p.Tcb.Unlock()

	p.mu.Lock()
	p.Zombie = true
	p.ExitCode = code
	parent := p.Parent
	p.mu.Unlock()

	if parent == nil {
		return
	}

	parent.mu.Lock()
	if parent.cond != nil {
		parent.cond.Broadcast()
	}
	parent.mu.Unlock()
}
